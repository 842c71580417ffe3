package drive

import (
	"fmt"
	"strings"
)

// RootParent is the sentinel parent meaning "the top level of every account".
// It has no folder ID that is meaningful across accounts, so it is translated
// into an ownership clause instead of a parent clause.
const RootParent = "root"

// Query describes one account-scoped listing request.
type Query struct {
	ParentID     string
	Starred      *bool
	Trashed      *bool
	MimeCategory string
	PageToken    string
	PageSize     int
}

// mimeCategories maps UI-facing categories to provider q clauses.
var mimeCategories = map[string]string{
	"folder":      "mimeType = 'application/vnd.google-apps.folder'",
	"document":    "mimeType = 'application/vnd.google-apps.document'",
	"spreadsheet": "mimeType = 'application/vnd.google-apps.spreadsheet'",
	"pdf":         "mimeType = 'application/pdf'",
	"image":       "mimeType contains 'image/'",
	"video":       "mimeType contains 'video/'",
	"audio":       "mimeType contains 'audio/'",
}

// buildQ renders the provider query expression.
func (q Query) buildQ() string {
	var clauses []string

	switch {
	case q.ParentID == RootParent:
		clauses = append(clauses, "'me' in owners")
	case q.ParentID != "":
		clauses = append(clauses, fmt.Sprintf("'%s' in parents", escapeQ(q.ParentID)))
	}

	if q.Starred != nil {
		clauses = append(clauses, fmt.Sprintf("starred = %t", *q.Starred))
	}

	// Trashed files are hidden unless explicitly requested.
	trashed := false
	if q.Trashed != nil {
		trashed = *q.Trashed
	}
	clauses = append(clauses, fmt.Sprintf("trashed = %t", trashed))

	if clause, ok := mimeCategories[strings.ToLower(q.MimeCategory)]; ok {
		clauses = append(clauses, clause)
	}

	return strings.Join(clauses, " and ")
}

// escapeQ escapes single quotes and backslashes for embedding in a q string.
func escapeQ(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}
