// Package api implements [store.Store] against the hosted persistence
// service's REST API.
//
// Audio-bearing messages are uploaded as multipart/form-data with the WAV
// payload in the "audio" field and the message record JSON-encoded in the
// "message" field. All other operations are plain JSON.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sonara-ai/sonara/pkg/store"
)

// Compile-time interface check.
var _ store.Store = (*Client)(nil)

// Client talks to the persistence service over HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Useful for tests and
// for callers that need custom transports.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// New creates a Client for the persistence service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ── wire shapes ───────────────────────────────────────────────────────────────

type sessionRecord struct {
	ID           string              `json:"id"`
	Participant  string              `json:"participant"`
	Config       store.SessionConfig `json:"config"`
	Status       string              `json:"status"`
	CreatedAt    time.Time           `json:"createdAt"`
	EndedAt      *time.Time          `json:"endedAt,omitempty"`
	DurationMS   int64               `json:"durationMs"`
	MessageCount int                 `json:"messageCount"`
	ResumeHandle string              `json:"resumeHandle,omitempty"`
	Resumable    bool                `json:"resumable"`
}

func (r *sessionRecord) toSession() *store.Session {
	return &store.Session{
		ID:           r.ID,
		Participant:  r.Participant,
		Config:       r.Config,
		Status:       store.SessionStatus(r.Status),
		CreatedAt:    r.CreatedAt,
		EndedAt:      r.EndedAt,
		DurationUsed: time.Duration(r.DurationMS) * time.Millisecond,
		MessageCount: r.MessageCount,
		ResumeHandle: r.ResumeHandle,
	}
}

type messageRecord struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"sessionId"`
	Seq          int             `json:"seq"`
	Role         string          `json:"role"`
	Type         string          `json:"type"`
	Content      string          `json:"content"`
	AudioURL     string          `json:"audioUrl,omitempty"`
	AudioMS      int64           `json:"audioMs,omitempty"`
	ProcessingMS int64           `json:"processingMs,omitempty"`
	Part         *store.PartInfo `json:"part,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

func (r *messageRecord) toMessage() store.Message {
	return store.Message{
		ID:             r.ID,
		SessionID:      r.SessionID,
		Seq:            r.Seq,
		Role:           store.Role(r.Role),
		Type:           store.MessageType(r.Type),
		Content:        r.Content,
		AudioURL:       r.AudioURL,
		AudioDuration:  time.Duration(r.AudioMS) * time.Millisecond,
		ProcessingTime: time.Duration(r.ProcessingMS) * time.Millisecond,
		Part:           r.Part,
		Metadata:       r.Metadata,
		CreatedAt:      r.CreatedAt,
	}
}

type newMessageRequest struct {
	Role         string          `json:"role"`
	Type         string          `json:"type"`
	Content      string          `json:"content"`
	ProcessingMS int64           `json:"processingMs,omitempty"`
	Part         *store.PartInfo `json:"part,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
}

func newMessagePayload(msg store.NewMessage) newMessageRequest {
	return newMessageRequest{
		Role:         string(msg.Role),
		Type:         string(msg.Type),
		Content:      msg.Content,
		ProcessingMS: msg.ProcessingTime.Milliseconds(),
		Part:         msg.Part,
		Metadata:     msg.Metadata,
	}
}

// ── operations ────────────────────────────────────────────────────────────────

// CreateSession implements [store.Store].
func (c *Client) CreateSession(ctx context.Context, participant string, cfg store.SessionConfig) (*store.Session, error) {
	body := struct {
		Participant string              `json:"participant"`
		Config      store.SessionConfig `json:"config"`
	}{participant, cfg}

	var rec sessionRecord
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sessions", body, &rec); err != nil {
		return nil, fmt.Errorf("api store: create session: %w", err)
	}
	return rec.toSession(), nil
}

// UpdateSession implements [store.Store].
func (c *Client) UpdateSession(ctx context.Context, sessionID string, upd store.SessionUpdate) error {
	body := map[string]any{}
	if upd.Status != nil {
		body["status"] = string(*upd.Status)
	}
	if upd.EndedAt != nil {
		body["endedAt"] = upd.EndedAt
	}
	if upd.DurationUsed != nil {
		body["durationMs"] = upd.DurationUsed.Milliseconds()
	}
	if upd.MessageCount != nil {
		body["messageCount"] = *upd.MessageCount
	}
	if upd.ResumeHandle != nil {
		body["resumeHandle"] = *upd.ResumeHandle
	}

	err := c.doJSON(ctx, http.MethodPatch, "/v1/sessions/"+url.PathEscape(sessionID), body, nil)
	if err != nil {
		return fmt.Errorf("api store: update session: %w", err)
	}
	return nil
}

// ResumeSession implements [store.Store].
func (c *Client) ResumeSession(ctx context.Context, sessionID string) (*store.Session, bool, error) {
	var rec sessionRecord
	err := c.doJSON(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID), nil, &rec)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("api store: resume session: %w", err)
	}
	return rec.toSession(), rec.Resumable, nil
}

// AddMessage implements [store.Store].
func (c *Client) AddMessage(ctx context.Context, sessionID string, msg store.NewMessage) (*store.Message, error) {
	var rec messageRecord
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/messages"
	if err := c.doJSON(ctx, http.MethodPost, path, newMessagePayload(msg), &rec); err != nil {
		return nil, fmt.Errorf("api store: add message: %w", err)
	}
	out := rec.toMessage()
	return &out, nil
}

// AddMessageWithAudio implements [store.Store]. The payload is sent as
// multipart/form-data so large WAV bodies stream without a JSON detour.
func (c *Client) AddMessageWithAudio(ctx context.Context, sessionID string, msg store.NewMessage, wav []byte, sampleRate int) (*store.Message, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	metaJSON, err := json.Marshal(newMessagePayload(msg))
	if err != nil {
		return nil, fmt.Errorf("api store: add message with audio: marshal: %w", err)
	}
	if err := mw.WriteField("message", string(metaJSON)); err != nil {
		return nil, fmt.Errorf("api store: add message with audio: %w", err)
	}
	if err := mw.WriteField("sampleRate", strconv.Itoa(sampleRate)); err != nil {
		return nil, fmt.Errorf("api store: add message with audio: %w", err)
	}
	fw, err := mw.CreateFormFile("audio", "turn.wav")
	if err != nil {
		return nil, fmt.Errorf("api store: add message with audio: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, fmt.Errorf("api store: add message with audio: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("api store: add message with audio: %w", err)
	}

	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/messages"
	req, err := c.newRequest(ctx, http.MethodPost, path, &buf)
	if err != nil {
		return nil, fmt.Errorf("api store: add message with audio: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var rec messageRecord
	if err := c.do(req, &rec); err != nil {
		return nil, fmt.Errorf("api store: add message with audio: %w", err)
	}
	out := rec.toMessage()
	return &out, nil
}

// GetMessages implements [store.Store].
func (c *Client) GetMessages(ctx context.Context, sessionID string) ([]store.Message, error) {
	var recs []messageRecord
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/messages"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &recs); err != nil {
		return nil, fmt.Errorf("api store: get messages: %w", err)
	}
	out := make([]store.Message, len(recs))
	for i := range recs {
		out[i] = recs[i].toMessage()
	}
	return out, nil
}

// AttachAnalysis implements [store.Store].
func (c *Client) AttachAnalysis(ctx context.Context, messageID string, analysis map[string]any, embedding []float32) error {
	body := struct {
		Analysis  map[string]any `json:"analysis"`
		Embedding []float32      `json:"embedding,omitempty"`
	}{analysis, embedding}

	path := "/v1/messages/" + url.PathEscape(messageID) + "/analysis"
	if err := c.doJSON(ctx, http.MethodPut, path, body, nil); err != nil {
		return fmt.Errorf("api store: attach analysis: %w", err)
	}
	return nil
}

// SearchMessages implements [store.Store]. The hosted service runs the
// semantic search server-side when an embedding is provided.
func (c *Client) SearchMessages(ctx context.Context, sessionID, query string, embedding []float32, limit int) ([]store.Message, error) {
	body := struct {
		SessionID string    `json:"sessionId,omitempty"`
		Query     string    `json:"query,omitempty"`
		Embedding []float32 `json:"embedding,omitempty"`
		Limit     int       `json:"limit,omitempty"`
	}{sessionID, query, embedding, limit}

	var recs []messageRecord
	if err := c.doJSON(ctx, http.MethodPost, "/v1/messages/search", body, &recs); err != nil {
		return nil, fmt.Errorf("api store: search messages: %w", err)
	}
	out := make([]store.Message, len(recs))
	for i := range recs {
		out[i] = recs[i].toMessage()
	}
	return out, nil
}

// Ping implements [store.Store].
func (c *Client) Ping(ctx context.Context) error {
	if err := c.doJSON(ctx, http.MethodGet, "/v1/health", nil, nil); err != nil {
		return fmt.Errorf("api store: ping: %w", err)
	}
	return nil
}

// Close implements [store.Store].
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// ── transport ─────────────────────────────────────────────────────────────────

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Cap the error body so a misbehaving server cannot balloon logs.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
