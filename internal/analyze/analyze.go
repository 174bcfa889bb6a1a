// Package analyze enriches persisted transcripts after the fact: a chat
// model extracts key concepts, difficulty and follow-up questions from each
// turn, and an embedding is computed for semantic search. Enrichment is
// best-effort; failures are logged and the message stays as persisted.
package analyze

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sonara-ai/sonara/internal/observe"
	"github.com/sonara-ai/sonara/pkg/store"
)

// Completer produces a model completion for a system/user prompt pair.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Embedder computes an embedding vector for a text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

const systemPrompt = `You analyze one turn from a tutoring conversation.
Respond with a JSON object and nothing else, using these keys:
  "summary": one-sentence summary of the turn
  "keyConcepts": array of the subject concepts mentioned
  "difficulty": "basic", "intermediate" or "advanced"
  "followUps": array of up to three follow-up questions a learner could ask`

// Analyzer attaches transcript analysis and embeddings to stored messages.
// Safe for concurrent use.
type Analyzer struct {
	st        store.Store
	completer Completer
	embedder  Embedder
	metrics   *observe.Metrics
	log       *slog.Logger
}

// Option customizes an [Analyzer].
type Option func(*Analyzer)

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Analyzer) { a.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) { a.log = l }
}

// New creates an Analyzer writing enrichment through st. embedder may be nil,
// in which case messages are analyzed but not embedded.
func New(st store.Store, completer Completer, embedder Embedder, opts ...Option) *Analyzer {
	a := &Analyzer{
		st:        st,
		completer: completer,
		embedder:  embedder,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a
}

// Enrich analyzes one persisted message and attaches the result. Errors are
// logged, never returned: a failed enrichment leaves the message untouched.
func (a *Analyzer) Enrich(ctx context.Context, msg *store.Message) {
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return
	}

	start := time.Now()
	analysis, err := a.analyze(ctx, msg)
	if err != nil {
		a.log.Warn("transcript analysis failed", "message", msg.ID, "err", err)
		return
	}

	var embedding []float32
	if a.embedder != nil {
		if embedding, err = a.embedder.Embed(ctx, msg.Content); err != nil {
			a.log.Warn("embedding failed", "message", msg.ID, "err", err)
			embedding = nil
		}
	}

	if err := a.st.AttachAnalysis(ctx, msg.ID, analysis, embedding); err != nil {
		a.log.Warn("attaching analysis failed", "message", msg.ID, "err", err)
		return
	}
	a.metrics.AnalyzeDuration.Record(ctx, time.Since(start).Seconds())
	a.log.Debug("message enriched", "message", msg.ID, "embedded", embedding != nil)
}

func (a *Analyzer) analyze(ctx context.Context, msg *store.Message) (map[string]any, error) {
	user := fmt.Sprintf("Role: %s\nTranscript:\n%s", msg.Role, msg.Content)
	raw, err := a.completer.Complete(ctx, systemPrompt, user)
	if err != nil {
		return nil, fmt.Errorf("completion: %w", err)
	}

	var analysis map[string]any
	if err := json.Unmarshal([]byte(stripFences(raw)), &analysis); err != nil {
		return nil, fmt.Errorf("parse analysis: %w", err)
	}
	if len(analysis) == 0 {
		return nil, fmt.Errorf("empty analysis")
	}
	return analysis, nil
}

// stripFences removes a markdown code fence the model sometimes wraps JSON
// in despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
