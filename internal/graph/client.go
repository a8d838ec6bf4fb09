// Package graph is a minimal Microsoft Graph drive client: list the newest
// child of a drive root, look up an item's pre-authenticated download URL,
// and stream that URL.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

type Options struct {
	BaseURL string
	// HTTPClient serves the metadata calls. Default timeout 30s.
	HTTPClient *http.Client
	// DownloadClient serves content downloads, which are larger and slower.
	// Default timeout 5m.
	DownloadClient *http.Client
	UserAgent      string
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	dlClient   *http.Client
	userAgent  string
}

// DriveItem is the subset of a Graph driveItem the relay reads.
type DriveItem struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Size                 int64     `json:"size"`
	LastModifiedDateTime time.Time `json:"lastModifiedDateTime"`
	DownloadURL          string    `json:"@microsoft.graph.downloadUrl,omitempty"`
}

// APIError is a non-2xx answer from Graph or the download host.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("graph: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("graph: status=%d message=%s", e.StatusCode, e.Message)
}

// HTTPStatus exposes the upstream status to callers that map errors to
// responses.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

var ErrNoToken = errors.New("graph: no access token available")

func New(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	dc := opts.DownloadClient
	if dc == nil {
		dc = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: hc,
		dlClient:   dc,
		userAgent:  strings.TrimSpace(opts.UserAgent),
	}
}

// ListRecentChildren returns up to top children of the drive root, newest
// lastModifiedDateTime first.
func (c *Client) ListRecentChildren(ctx context.Context, token, driveID string, top int) ([]DriveItem, error) {
	if top <= 0 {
		top = 1
	}
	q := url.Values{}
	q.Set("$select", "id,name,size,lastModifiedDateTime")
	q.Set("$orderby", "lastModifiedDateTime desc")
	q.Set("$top", fmt.Sprint(top))

	var out struct {
		Value []DriveItem `json:"value"`
	}
	path := "/drives/" + url.PathEscape(driveID) + "/items/root/children?" + q.Encode()
	if err := c.getJSON(ctx, token, path, &out); err != nil {
		return nil, err
	}
	return out.Value, nil
}

// GetDownloadURL returns the item's short-lived download URL, or "" when
// Graph does not provide one (folders, packages).
func (c *Client) GetDownloadURL(ctx context.Context, token, driveID, itemID string) (string, error) {
	q := url.Values{}
	q.Set("$select", "id,@microsoft.graph.downloadUrl")
	var item DriveItem
	path := "/drives/" + url.PathEscape(driveID) + "/items/" + url.PathEscape(itemID) + "?" + q.Encode()
	if err := c.getJSON(ctx, token, path, &item); err != nil {
		return "", err
	}
	return item.DownloadURL, nil
}

// Download opens the content stream. The URL is pre-authenticated, so no
// bearer token is sent. The caller closes the body.
func (c *Client) Download(ctx context.Context, downloadURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, err
	}
	c.decorate(req)
	resp, err := c.dlClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp.Body, nil
}

func (c *Client) getJSON(ctx context.Context, token, path string, out any) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrNoToken
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	c.decorate(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("graph: decode %s: %w", req.URL.Path, err)
	}
	return nil
}

func (c *Client) decorate(req *http.Request) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
}

// decodeError reads Graph's {"error":{"code","message"}} envelope, falling
// back to the raw body.
func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	e := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil && env.Error.Code != "" {
		e.Code = env.Error.Code
		e.Message = env.Error.Message
	}
	if e.Message == "" {
		e.Message = http.StatusText(resp.StatusCode)
	}
	return e
}
