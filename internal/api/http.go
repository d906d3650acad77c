package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// HTTPClient is the default Client implementation over the Drive HTTP
// API. It authenticates with a bearer session token.
type HTTPClient struct {
	baseURL string
	session *Session
	client  *http.Client
}

// NewHTTPClient creates a client for the API at baseURL.
func NewHTTPClient(baseURL string, session *Session) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		session: session,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.session != nil {
		req.Header.Set("Authorization", "Bearer "+c.session.Token())
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("request %s: status %d: %s", path, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// LatestEventID returns the cursor to start tracking a volume from.
func (c *HTTPClient) LatestEventID(ctx context.Context, volumeID string) (string, error) {
	var out struct {
		EventID string `json:"EventID"`
	}
	p := "/drive/volumes/" + url.PathEscape(volumeID) + "/events/latest"
	if err := c.get(ctx, p, &out); err != nil {
		return "", err
	}
	return out.EventID, nil
}

// EventsSince returns the ordered page of events after eventID.
func (c *HTTPClient) EventsSince(ctx context.Context, volumeID, eventID string) (*EventsPage, error) {
	var out EventsPage
	p := "/drive/volumes/" + url.PathEscape(volumeID) + "/events/" + url.PathEscape(eventID)
	if err := c.get(ctx, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListFolderChildren returns one page of a folder's children.
func (c *HTTPClient) ListFolderChildren(ctx context.Context, shareID, linkID string, page, pageSize int) (*ChildrenPage, error) {
	var out ChildrenPage
	p := "/drive/shares/" + url.PathEscape(shareID) + "/folders/" + url.PathEscape(linkID) +
		"/children?Page=" + strconv.Itoa(page) + "&PageSize=" + strconv.Itoa(pageSize)
	if err := c.get(ctx, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetVolumes lists the account's volumes.
func (c *HTTPClient) GetVolumes(ctx context.Context) ([]VolumePayload, error) {
	var out struct {
		Volumes []VolumePayload `json:"Volumes"`
	}
	if err := c.get(ctx, "/drive/volumes", &out); err != nil {
		return nil, err
	}
	return out.Volumes, nil
}

// GetShares lists the account's shares.
func (c *HTTPClient) GetShares(ctx context.Context) ([]SharePayload, error) {
	var out struct {
		Shares []SharePayload `json:"Shares"`
	}
	if err := c.get(ctx, "/drive/shares", &out); err != nil {
		return nil, err
	}
	return out.Shares, nil
}
