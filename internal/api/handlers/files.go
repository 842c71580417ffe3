// Package handlers holds the HTTP handlers for the aggregation API.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/pysugar/drivehub/internal/aggregator"
	"github.com/pysugar/drivehub/internal/api/middleware"
	"github.com/pysugar/drivehub/internal/drive"
	"github.com/pysugar/drivehub/internal/logging"
)

// ListFilesHandler serves GET /api/files: one merged page across every
// connected, active account the principal has linked.
//
// Query parameters: parent (folder ID, default "root"), starred, trashed
// (booleans), category (mime category), sort (activity|name|modified|quota),
// pageTokens (JSON object mapping account email to continuation token).
func ListFilesHandler(agg *aggregator.Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal := middleware.Principal(r.Context())
		q := r.URL.Query()

		req := aggregator.Request{
			ParentID:     q.Get("parent"),
			MimeCategory: q.Get("category"),
			SortKey:      q.Get("sort"),
		}
		if req.ParentID == "" {
			req.ParentID = drive.RootParent
		}

		var err error
		if req.Starred, err = optionalBool(q.Get("starred")); err != nil {
			http.Error(w, "Invalid starred parameter", http.StatusBadRequest)
			return
		}
		if req.Trashed, err = optionalBool(q.Get("trashed")); err != nil {
			http.Error(w, "Invalid trashed parameter", http.StatusBadRequest)
			return
		}

		if raw := q.Get("pageTokens"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &req.PageTokens); err != nil {
				http.Error(w, "Invalid pageTokens parameter", http.StatusBadRequest)
				return
			}
		}

		page, err := agg.ListFiles(r.Context(), principal, req)
		if err != nil {
			// Only an unresolvable account list is request-fatal; per-account
			// failures already degraded into a smaller page.
			logging.FromContext(r.Context()).WithFields(logrus.Fields{
				"principal": principal,
				"error":     err.Error(),
			}).Error("files: aggregation failed")
			http.Error(w, "Failed to list accounts", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(page)
	}
}

// optionalBool parses an optional query flag into a tri-state.
func optionalBool(raw string) (*bool, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
