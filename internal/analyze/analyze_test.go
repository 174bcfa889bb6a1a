package analyze

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/sonara-ai/sonara/internal/observe"
	"github.com/sonara-ai/sonara/pkg/store"
	storemock "github.com/sonara-ai/sonara/pkg/store/mock"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

type fakeCompleter struct {
	reply string
	err   error
	calls int
}

func (f *fakeCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	f.calls++
	return f.reply, f.err
}

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, f.err
}

func persistedMessage(t *testing.T, st *storemock.Store) *store.Message {
	t.Helper()
	sess, err := st.CreateSession(context.Background(), "learner-1", store.SessionConfig{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	msg, err := st.AddMessage(context.Background(), sess.ID, store.NewMessage{
		Role:    store.RoleAssistant,
		Type:    store.TypeText,
		Content: "Osmosis moves water across a membrane.",
	})
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	return msg
}

func storedAnalysis(t *testing.T, st *storemock.Store, msg *store.Message) map[string]any {
	t.Helper()
	msgs, err := st.GetMessages(context.Background(), msg.SessionID)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	for _, m := range msgs {
		if m.ID == msg.ID {
			if a, ok := m.Metadata["analysis"].(map[string]any); ok {
				return a
			}
			return nil
		}
	}
	return nil
}

func TestEnrichAttachesAnalysis(t *testing.T) {
	st := storemock.New()
	msg := persistedMessage(t, st)
	comp := &fakeCompleter{reply: `{"summary":"osmosis basics","difficulty":"basic"}`}
	a := New(st, comp, &fakeEmbedder{vec: []float32{0.1, 0.2}}, WithMetrics(testMetrics(t)))

	a.Enrich(context.Background(), msg)

	analysis := storedAnalysis(t, st, msg)
	if analysis == nil {
		t.Fatal("no analysis attached")
	}
	if analysis["summary"] != "osmosis basics" {
		t.Errorf("summary = %v", analysis["summary"])
	}
}

func TestEnrichHandlesFencedJSON(t *testing.T) {
	st := storemock.New()
	msg := persistedMessage(t, st)
	comp := &fakeCompleter{reply: "```json\n{\"summary\":\"fenced\"}\n```"}
	a := New(st, comp, nil, WithMetrics(testMetrics(t)))

	a.Enrich(context.Background(), msg)

	analysis := storedAnalysis(t, st, msg)
	if analysis == nil || analysis["summary"] != "fenced" {
		t.Errorf("analysis = %v", analysis)
	}
}

func TestEnrichCompletionFailureIsNotFatal(t *testing.T) {
	st := storemock.New()
	msg := persistedMessage(t, st)
	comp := &fakeCompleter{err: errors.New("rate limited")}
	a := New(st, comp, nil, WithMetrics(testMetrics(t)))

	a.Enrich(context.Background(), msg)

	if analysis := storedAnalysis(t, st, msg); analysis != nil {
		t.Errorf("analysis attached despite failure: %v", analysis)
	}
}

func TestEnrichEmbeddingFailureStillAttachesAnalysis(t *testing.T) {
	st := storemock.New()
	msg := persistedMessage(t, st)
	comp := &fakeCompleter{reply: `{"summary":"still here"}`}
	a := New(st, comp, &fakeEmbedder{err: errors.New("embedding down")}, WithMetrics(testMetrics(t)))

	a.Enrich(context.Background(), msg)

	if analysis := storedAnalysis(t, st, msg); analysis == nil {
		t.Error("analysis missing after embedding failure")
	}
}

func TestEnrichSkipsEmptyContent(t *testing.T) {
	st := storemock.New()
	comp := &fakeCompleter{reply: `{"summary":"x"}`}
	a := New(st, comp, nil, WithMetrics(testMetrics(t)))

	a.Enrich(context.Background(), &store.Message{ID: "msg-1", Content: "   "})
	a.Enrich(context.Background(), nil)

	if comp.calls != 0 {
		t.Errorf("completer called %d times for empty content", comp.calls)
	}
}

func TestEnrichMalformedReply(t *testing.T) {
	st := storemock.New()
	msg := persistedMessage(t, st)
	comp := &fakeCompleter{reply: "sorry, I can't do that"}
	a := New(st, comp, nil, WithMetrics(testMetrics(t)))

	a.Enrich(context.Background(), msg)

	if analysis := storedAnalysis(t, st, msg); analysis != nil {
		t.Errorf("analysis attached from malformed reply: %v", analysis)
	}
}
