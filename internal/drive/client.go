// Package drive is the narrow HTTP client for the remote storage provider's
// file API: list, get, and permission operations. Token refresh is not here —
// the token manager owns the refresh endpoint through its oauth2 config.
package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pysugar/drivehub/internal/config"
	"github.com/pysugar/drivehub/internal/util"
)

// ErrRemoteCallFailed wraps any transport or non-2xx failure from the
// provider. Callers treat it as transient: nothing is mutated, the next
// request simply retries.
var ErrRemoteCallFailed = errors.New("remote call failed")

// fileFields is the projection requested on every listing and get.
const fileFields = "id,name,mimeType,parents,starred,trashed,createdTime,modifiedTime,viewedByMe,viewedByMeTime,quotaBytesUsed,permissions"

const defaultPageSize = 100

// Client calls the provider's file API with a caller-supplied access token.
// The base URL is configurable so tests point it at an httptest server.
type Client struct {
	baseURL     string
	userInfoURL string
	pageSize    int
	httpClient  *http.Client
}

// NewClient builds a client from the drive section of the config.
func NewClient(cfg config.DriveConfig) *Client {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	timeout := cfg.RequestTimeout.Std()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		userInfoURL: cfg.UserInfoURL,
		pageSize:    pageSize,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// ListFiles fetches one page of files matching the query.
func (c *Client) ListFiles(ctx context.Context, accessToken string, q Query) (*FileList, error) {
	params := url.Values{}
	if expr := q.buildQ(); expr != "" {
		params.Set("q", expr)
	}
	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = c.pageSize
	}
	params.Set("pageSize", strconv.Itoa(pageSize))
	params.Set("fields", "nextPageToken,files("+fileFields+")")
	if q.PageToken != "" {
		params.Set("pageToken", q.PageToken)
	}

	var list FileList
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/files?"+params.Encode(), accessToken, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// GetFile fetches a single file's metadata.
func (c *Client) GetFile(ctx context.Context, accessToken, fileID string) (*File, error) {
	params := url.Values{}
	params.Set("fields", fileFields)

	var f File
	u := fmt.Sprintf("%s/files/%s?%s", c.baseURL, url.PathEscape(fileID), params.Encode())
	if err := c.do(ctx, http.MethodGet, u, accessToken, nil, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// ListPermissions fetches the grants on a file.
func (c *Client) ListPermissions(ctx context.Context, accessToken, fileID string) ([]Permission, error) {
	params := url.Values{}
	params.Set("fields", "permissions(id,type,role,emailAddress)")

	var resp struct {
		Permissions []Permission `json:"permissions"`
	}
	u := fmt.Sprintf("%s/files/%s/permissions?%s", c.baseURL, url.PathEscape(fileID), params.Encode())
	if err := c.do(ctx, http.MethodGet, u, accessToken, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Permissions, nil
}

// CreatePermission grants the email the given role on the file. Notification
// mail is suppressed; the grant exists so the UI can open the file, not to
// announce it.
func (c *Client) CreatePermission(ctx context.Context, accessToken, fileID, email, role string) (string, error) {
	body := map[string]string{
		"type":         "user",
		"role":         role,
		"emailAddress": email,
	}
	var created Permission
	u := fmt.Sprintf("%s/files/%s/permissions?sendNotificationEmail=false", c.baseURL, url.PathEscape(fileID))
	if err := c.do(ctx, http.MethodPost, u, accessToken, body, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// UserInfo resolves the identity behind an access token, used when linking.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	var info UserInfo
	if err := c.do(ctx, http.MethodGet, c.userInfoURL, accessToken, nil, &info); err != nil {
		return nil, err
	}
	if info.Email == "" {
		return nil, fmt.Errorf("%w: userinfo response missing email", ErrRemoteCallFailed)
	}
	return &info, nil
}

// do issues one authenticated request and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, method, rawURL, accessToken string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteCallFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrRemoteCallFailed, method, req.URL.Path, resp.StatusCode, util.TruncateBytes(bytes.TrimSpace(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrRemoteCallFailed, err)
	}
	return nil
}
