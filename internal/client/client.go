// Package client talks to a running memorable server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/memorable-ai/memorable/internal/model"
	"github.com/memorable-ai/memorable/internal/salience"
)

const (
	defaultServerURL = "http://127.0.0.1:37780"
	httpTimeout      = 30 * time.Second
)

// Client talks to the memorable server.
type Client struct {
	http      *http.Client
	serverURL string
}

// New creates a client. Respects MEMORABLE_URL, falls back to
// http://127.0.0.1:37780.
func New() *Client {
	u := os.Getenv("MEMORABLE_URL")
	if u == "" {
		u = defaultServerURL
	}
	return NewWithURL(u)
}

// NewWithURL creates a client for an explicit server URL.
func NewWithURL(serverURL string) *Client {
	return &Client{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: serverURL,
	}
}

// StatusError is returned for any response with status >= 400.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Do sends a request with an optional JSON body and decodes a JSON reply
// into out when out is non-nil.
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Healthy checks if the server is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.Do(ctx, http.MethodGet, "/api/health", nil, nil) == nil
}

// Score dry-runs the salience of a memory, optionally in a live context.
func (c *Client) Score(ctx context.Context, m model.MemoryItem, factors salience.Factors, snap *model.ContextSnapshot) (*ScoreResult, error) {
	var out ScoreResult
	in := map[string]any{"memory": m, "factors": factors, "context": snap}
	if err := c.Do(ctx, http.MethodPost, "/api/score", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ScoreResult mirrors the server's dry-run score.
type ScoreResult struct {
	Score     int                 `json:"score"`
	Class     model.Class         `json:"class"`
	Breakdown salience.Breakdown  `json:"breakdown"`
	Modifiers []salience.Modifier `json:"modifiers"`
}

// Relationship fetches the synthesis for a pair, optionally framed by what
// the caller is about to do. refresh forces a new synthesis.
func (c *Client) Relationship(ctx context.Context, a, b, about string, refresh bool) (*model.RelationshipSynthesis, error) {
	path := "/api/relationships/" + url.PathEscape(a) + "/" + url.PathEscape(b)
	var out model.RelationshipSynthesis
	var err error
	if refresh {
		err = c.Do(ctx, http.MethodPost, path+"/refresh", map[string]string{"context": about}, &out)
	} else {
		if about != "" {
			path += "?context=" + url.QueryEscape(about)
		}
		err = c.Do(ctx, http.MethodGet, path, nil, &out)
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ContextChange reports a new context for an entity and returns what surfaced.
func (c *Client) ContextChange(ctx context.Context, entityID string, snap model.ContextSnapshot) ([]model.SurfacedMemory, error) {
	var out struct {
		Surfaced []model.SurfacedMemory `json:"surfaced"`
	}
	if err := c.Do(ctx, http.MethodPost, "/api/context/"+url.PathEscape(entityID), snap, &out); err != nil {
		return nil, err
	}
	return out.Surfaced, nil
}

// Feedback records whether a surfaced hook was useful.
func (c *Client) Feedback(ctx context.Context, hookID string, useful bool) (*model.PredictionHook, error) {
	var out model.PredictionHook
	if err := c.Do(ctx, http.MethodPost, "/api/hooks/"+url.PathEscape(hookID)+"/feedback", map[string]bool{"useful": useful}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pressure returns an entity's pressure record.
func (c *Client) Pressure(ctx context.Context, entityID string) (*model.EntityPressure, error) {
	var out model.EntityPressure
	if err := c.Do(ctx, http.MethodGet, "/api/entities/"+url.PathEscape(entityID)+"/pressure", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
