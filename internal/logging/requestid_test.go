package logging

import (
	"context"
	"testing"
)

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "abcd1234")
	if got := GetRequestID(ctx); got != "abcd1234" {
		t.Errorf("expected abcd1234, got %q", got)
	}
}

func TestGetRequestID_Missing(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("expected empty for bare context, got %q", got)
	}
}

func TestGenerateRequestID(t *testing.T) {
	a := GenerateRequestID()
	b := GenerateRequestID()
	if len(a) != 8 {
		t.Errorf("expected 8 hex chars, got %q", a)
	}
	if a == b {
		t.Error("consecutive request IDs should differ")
	}
}

func TestFromContext_CarriesRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "abcd1234")
	entry := FromContext(ctx)
	if entry.Data["request_id"] != "abcd1234" {
		t.Errorf("expected request_id field, got %v", entry.Data)
	}
}
