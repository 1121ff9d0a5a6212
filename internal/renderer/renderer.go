// Package renderer is the client for the external render engine's REST API.
// The engine is a black box with a submit/poll/download contract: create a
// render, poll its status by render id, download the finished artifact from
// the engine's CDN.
package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	requestTimeout  = 30 * time.Second
	downloadTimeout = 10 * time.Minute // finished artifacts can be large
)

// Render statuses reported by the engine. The vocabulary may grow; callers
// treat anything unrecognized as still in progress.
const (
	StatusQueued     = "queued"
	StatusRendering  = "rendering"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// SubmitRequest is the body for the engine's render creation endpoint.
type SubmitRequest struct {
	Timeline json.RawMessage `json:"timeline"`
	Output   interface{}     `json:"output"`
	Webhook  string          `json:"webhook,omitempty"`
}

// RenderStatus is the engine's view of one render.
type RenderStatus struct {
	Status    string `json:"status"`
	URL       string `json:"url,omitempty"`
	Poster    string `json:"poster,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
	Error     string `json:"error,omitempty"`
}

// envelope is the engine's response wrapper.
type envelope struct {
	Success  bool            `json:"success"`
	Message  string          `json:"message,omitempty"`
	Response json.RawMessage `json:"response"`
}

type submitResponse struct {
	ID string `json:"id"`
}

type Client struct {
	baseURL        string
	apiKey         string
	httpClient     *http.Client
	downloadClient *http.Client
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:        baseURL,
		apiKey:         apiKey,
		httpClient:     &http.Client{Timeout: requestTimeout},
		downloadClient: &http.Client{Timeout: downloadTimeout},
	}
}

// Submit creates a render and returns the engine's render identifier.
// Anything other than a 201-style success is an error.
func (c *Client) Submit(ctx context.Context, reqBody SubmitRequest) (string, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal render request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/render", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("render request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("render engine returned status %d: %s", resp.StatusCode, string(body))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("failed to parse render response: %w (body: %s)", err, string(body))
	}

	var sub submitResponse
	if err := json.Unmarshal(env.Response, &sub); err != nil {
		return "", fmt.Errorf("failed to parse render id: %w", err)
	}
	if sub.ID == "" {
		return "", fmt.Errorf("no render id in engine response: %s", string(body))
	}

	return sub.ID, nil
}

// Status fetches the current state of a render by its engine identifier.
func (c *Client) Status(ctx context.Context, renderID string) (*RenderStatus, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/render/%s", c.baseURL, renderID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("render engine returned status %d: %s", resp.StatusCode, string(body))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to parse status response: %w (body: %s)", err, string(body))
	}

	var status RenderStatus
	if err := json.Unmarshal(env.Response, &status); err != nil {
		return nil, fmt.Errorf("failed to parse render status: %w", err)
	}

	return &status, nil
}

// Download fetches the finished artifact bytes from the engine's CDN URL.
func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := c.downloadClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("artifact download returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact data: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("downloaded artifact is empty (0 bytes)")
	}

	return data, nil
}
