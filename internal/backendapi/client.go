// ABOUTME: HTTP client for the backend conversation API
// ABOUTME: Lists conversations, fetches history, deletes threads, uploads attachments

package backendapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Conversation is a thread summary returned by the backend.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Attachment describes an uploaded file.
type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// APIError is returned for non-2xx backend responses.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.Status, e.Body)
}

// Client communicates with the backend request/response API. Each request
// carries a freshly minted short-lived token.
type Client struct {
	baseURL    string
	originID   string
	minter     *TokenMinter
	httpClient *http.Client
}

// NewClient creates a backend API client. originID becomes the "sub" claim
// of every request token.
func NewClient(baseURL, originID string, secret []byte) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		originID:   originID,
		minter:     NewTokenMinter(secret),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// ListConversations returns the thread summaries visible to this origin.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	resp, err := c.do(ctx, http.MethodGet, "/conversations", "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out []Conversation
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding conversations: %w", err)
	}
	return out, nil
}

// GetMessages fetches the full message history of one conversation. Messages
// are returned as raw JSON in chronological order.
func (c *Client) GetMessages(ctx context.Context, conversationID string) ([]json.RawMessage, error) {
	resp, err := c.do(ctx, http.MethodGet, "/conversations/"+conversationID+"/messages", "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding messages: %w", err)
	}
	return out, nil
}

// DeleteConversation removes a conversation on the backend.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/conversations/"+conversationID, "", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// UploadAttachment streams a file to the backend as multipart form data and
// returns the stored attachment metadata.
func (c *Client) UploadAttachment(ctx context.Context, conversationID, filename string, r io.Reader) (*Attachment, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("creating form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("copying attachment data: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing multipart body: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/conversations/"+conversationID+"/attachments", mw.FormDataContentType(), &buf)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out Attachment
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding attachment: %w", err)
	}
	return &out, nil
}

// do builds, authenticates, and executes one request. Non-2xx responses are
// converted into *APIError with the body drained.
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	token, err := c.minter.Mint(c.originID)
	if err != nil {
		return nil, fmt.Errorf("minting request token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	return resp, nil
}
