package drive

import "time"

// File mirrors the provider's file resource for the fields the aggregator
// consumes. Timestamps are RFC 3339 on the wire and decode directly.
type File struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	MimeType       string       `json:"mimeType"`
	Parents        []string     `json:"parents,omitempty"`
	Starred        bool         `json:"starred"`
	Trashed        bool         `json:"trashed"`
	CreatedTime    time.Time    `json:"createdTime"`
	ModifiedTime   time.Time    `json:"modifiedTime"`
	ViewedByMe     bool         `json:"viewedByMe"`
	ViewedByMeTime time.Time    `json:"viewedByMeTime,omitempty"`
	QuotaBytesUsed int64        `json:"quotaBytesUsed,string"`
	Permissions    []Permission `json:"permissions,omitempty"`
}

// Permission is one grant on a file.
type Permission struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Role         string `json:"role"`
	EmailAddress string `json:"emailAddress,omitempty"`
}

// FileList is one page of a file listing.
type FileList struct {
	Files         []File `json:"files"`
	NextPageToken string `json:"nextPageToken,omitempty"`
}

// UserInfo is the provider's identity response used when linking an account.
type UserInfo struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// HasViewer reports whether the email already holds any grant on the file.
func (f *File) HasViewer(email string) bool {
	for _, p := range f.Permissions {
		if p.EmailAddress == email {
			return true
		}
	}
	return false
}
