package roomsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Client is a roomsync REST API client.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient creates a new client. The token is sent as a bearer
// credential on authenticated endpoints.
func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("roomsync error %d: %s", e.Status, e.Message)
}

// WebSocketURL derives the socket endpoint from the base URL.
func (c *Client) WebSocketURL() string {
	u := c.BaseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// doRequest performs an HTTP request and returns the response body.
func (c *Client) doRequest(method, path string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return nil, &APIError{Status: resp.StatusCode, Message: errResp.Error}
	}

	return respBody, nil
}

func (c *Client) doJSON(method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	respBody, err := c.doRequest(method, path, body, contentType)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// HealthResponse is the response from the health check.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Health checks the server health.
func (c *Client) Health() (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doJSON("GET", "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListRooms lists rooms, newest first.
func (c *Client) ListRooms() ([]Room, error) {
	var rooms []Room
	if err := c.doJSON("GET", "/api/rooms", nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// CreateRoomRequest is the request body for creating a room.
type CreateRoomRequest struct {
	Name      string   `json:"name"`
	IsPrivate bool     `json:"isPrivate"`
	Members   []string `json:"members,omitempty"`
}

// CreateRoom creates a room. Members default to the caller.
func (c *Client) CreateRoom(req CreateRoomRequest) (*Room, error) {
	var room Room
	if err := c.doJSON("POST", "/api/rooms", req, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// RenameRoom renames a room the caller created or belongs to.
func (c *Client) RenameRoom(roomID, name string) (*Room, error) {
	var room Room
	if err := c.doJSON("PUT", "/api/rooms/"+url.PathEscape(roomID), map[string]string{"name": name}, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// DeleteRoom deletes a room the caller created or belongs to.
func (c *Client) DeleteRoom(roomID string) error {
	return c.doJSON("DELETE", "/api/rooms/"+url.PathEscape(roomID), nil, nil)
}

// History returns up to limit messages created before the given time,
// oldest first. A zero before means the latest page.
func (c *Client) History(roomID string, before time.Time, limit int) ([]Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if !before.IsZero() {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	path := "/api/messages/" + url.PathEscape(roomID)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var msgs []Message
	if err := c.doJSON("GET", path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// EditMessage replaces the text of one of the caller's messages.
func (c *Client) EditMessage(messageID, text string) (*Message, error) {
	var msg Message
	if err := c.doJSON("PUT", "/api/messages/"+url.PathEscape(messageID), map[string]string{"text": text}, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteMessage soft-deletes one of the caller's messages.
func (c *Client) DeleteMessage(messageID string) error {
	return c.doJSON("DELETE", "/api/messages/"+url.PathEscape(messageID), nil, nil)
}

// Upload sends r as a file and returns the attachment to put on a message.
func (c *Client) Upload(name string, r io.Reader) (*Attachment, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	respBody, err := c.doRequest("POST", "/api/upload", &buf, mw.FormDataContentType())
	if err != nil {
		return nil, err
	}
	var att Attachment
	if err := json.Unmarshal(respBody, &att); err != nil {
		return nil, err
	}
	return &att, nil
}

// UploadFile uploads a file from disk.
func (c *Client) UploadFile(path string) (*Attachment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return c.Upload(filepath.Base(path), f)
}
