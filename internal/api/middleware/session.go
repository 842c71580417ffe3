// Package middleware carries the HTTP middleware for the API surface: session
// verification and structured request logging.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type contextKey string

const principalKey contextKey = "principal"

// ErrUnauthenticated means the session token did not resolve to a principal.
var ErrUnauthenticated = errors.New("unauthenticated")

// Verifier is the identity/session service, consumed as a black box that
// yields a verified principal identifier.
type Verifier interface {
	Verify(ctx context.Context, sessionToken string) (string, error)
}

// StaticVerifier accepts every session and returns a fixed principal. Local
// development and tests only.
type StaticVerifier struct {
	Principal string
}

// Verify implements Verifier.
func (v StaticVerifier) Verify(context.Context, string) (string, error) {
	return v.Principal, nil
}

// HTTPVerifier asks an external identity service to resolve the session.
type HTTPVerifier struct {
	URL        string
	HTTPClient *http.Client
}

// Verify implements Verifier. The identity service receives the session token
// as a bearer credential and answers {"principal": "..."}.
func (v HTTPVerifier) Verify(ctx context.Context, sessionToken string) (string, error) {
	client := v.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.URL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+sessionToken)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("verify session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: verifier status %d", ErrUnauthenticated, resp.StatusCode)
	}

	var body struct {
		Principal string `json:"principal"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode verifier response: %w", err)
	}
	if body.Principal == "" {
		return "", ErrUnauthenticated
	}
	return body.Principal, nil
}

// Session resolves the request's principal through the verifier and stores it
// in the context. Requests without a resolvable principal get a 401.
func Session(verifier Verifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := verifier.Verify(r.Context(), sessionToken(r))
			if err != nil || principal == "" {
				logrus.WithFields(logrus.Fields{
					"path":  r.URL.Path,
					"error": errString(err),
				}).Debug("session: rejected")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// sessionToken extracts the session credential: Authorization bearer first,
// session cookie second.
func sessionToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if c, err := r.Cookie("session"); err == nil {
		return c.Value
	}
	return ""
}

// WithPrincipal stores the verified principal in the context.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

// Principal returns the verified principal, or empty string outside a session.
func Principal(ctx context.Context) string {
	if p, ok := ctx.Value(principalKey).(string); ok {
		return p
	}
	return ""
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
