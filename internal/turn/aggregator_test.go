package turn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/sonara-ai/sonara/internal/observe"
	"github.com/sonara-ai/sonara/pkg/audio"
	"github.com/sonara-ai/sonara/pkg/store"
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

type captureSink struct {
	mu    sync.Mutex
	turns []FinalizedTurn
}

func (c *captureSink) take(t FinalizedTurn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, t)
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

func (c *captureSink) turn(i int) FinalizedTurn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turns[i]
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func newTestAggregator(t *testing.T, cfg Config) (*Aggregator, *captureSink, *clockwork.FakeClock) {
	t.Helper()
	sink := &captureSink{}
	clock := clockwork.NewFakeClock()
	a := NewAggregator(cfg, sink.take, WithClock(clock), WithMetrics(testMetrics(t)))
	t.Cleanup(a.Close)
	return a, sink, clock
}

func outputChunk(d time.Duration) audio.Chunk {
	samples := int(d.Seconds() * float64(audio.WireOutputRate))
	return audio.Chunk{Data: make([]byte, samples*audio.BytesPerSample)}
}

func TestAggregatorAccumulatesFragments(t *testing.T) {
	a, sink, _ := newTestAggregator(t, Config{})

	a.AddText("The mitochondria ")
	a.AddText("is the powerhouse of the cell.")
	a.AddAudio(outputChunk(100 * time.Millisecond))
	a.AddAudio(outputChunk(100 * time.Millisecond))

	if !a.Finalize(ReasonTurnComplete) {
		t.Fatal("Finalize returned false for an open turn")
	}
	if sink.count() != 1 {
		t.Fatalf("delivered %d turns, want 1", sink.count())
	}

	got := sink.turn(0)
	if got.Transcript != "The mitochondria is the powerhouse of the cell." {
		t.Errorf("transcript = %q", got.Transcript)
	}
	if len(got.Chunks) != 2 {
		t.Errorf("chunks = %d, want 2", len(got.Chunks))
	}
	if got.AudioDuration != 200*time.Millisecond {
		t.Errorf("audio duration = %v, want 200ms", got.AudioDuration)
	}
	if got.Role != store.RoleAssistant {
		t.Errorf("role = %q, want assistant", got.Role)
	}
	if got.Incomplete {
		t.Error("explicit completion marked incomplete")
	}
}

func TestAggregatorFirstFragmentOpensTurn(t *testing.T) {
	var starts int
	sink := &captureSink{}
	clock := clockwork.NewFakeClock()
	a := NewAggregator(Config{}, sink.take,
		WithClock(clock),
		WithMetrics(testMetrics(t)),
		OnStart(func(time.Time) { starts++ }),
	)
	defer a.Close()

	if a.Open() {
		t.Fatal("aggregator open before any fragment")
	}
	a.AddText("hello")
	a.AddText(" there")
	a.AddAudio(outputChunk(50 * time.Millisecond))

	if !a.Open() {
		t.Fatal("aggregator not open after fragments")
	}
	if starts != 1 {
		t.Errorf("start notified %d times, want 1", starts)
	}
}

func TestAggregatorFinalizeIdempotent(t *testing.T) {
	a, sink, _ := newTestAggregator(t, Config{})

	a.AddText("answer")
	if !a.Finalize(ReasonTurnComplete) {
		t.Fatal("first Finalize returned false")
	}
	if a.Finalize(ReasonGenerationComplete) {
		t.Error("second Finalize returned true")
	}
	if sink.count() != 1 {
		t.Fatalf("delivered %d turns after double finalize, want 1", sink.count())
	}
}

func TestAggregatorSilenceTimeout(t *testing.T) {
	a, sink, clock := newTestAggregator(t, Config{SilenceTimeout: 5 * time.Second})

	a.AddText("partial answ")
	eventually(t, func() bool {
		clock.Advance(time.Second)
		return sink.count() == 1
	})

	got := sink.turn(0)
	if got.Reason != ReasonSilence {
		t.Errorf("reason = %q, want %q", got.Reason, ReasonSilence)
	}
	if !got.Incomplete {
		t.Error("silence-finalized turn not marked incomplete")
	}
}

func TestAggregatorFragmentsPushBackSilenceTimer(t *testing.T) {
	a, sink, clock := newTestAggregator(t, Config{SilenceTimeout: 5 * time.Second})

	a.AddText("a")
	for i := 0; i < 4; i++ {
		clock.Advance(4 * time.Second)
		a.AddText("b")
	}
	// 16 s of wall time elapsed but no 5 s quiet stretch.
	if sink.count() != 0 {
		t.Fatalf("turn finalized despite continuous fragments")
	}

	eventually(t, func() bool {
		clock.Advance(time.Second)
		return sink.count() == 1
	})
}

func TestAggregatorStaleSilenceTimerIgnored(t *testing.T) {
	a, sink, clock := newTestAggregator(t, Config{SilenceTimeout: 5 * time.Second})

	a.AddText("first turn")
	a.Finalize(ReasonTurnComplete)

	// New turn opens; the old timer firing must not touch it.
	a.AddText("second turn")
	clock.Advance(4 * time.Second)
	if sink.count() != 1 {
		t.Fatalf("delivered %d turns, want 1", sink.count())
	}
	a.Finalize(ReasonTurnComplete)

	if sink.count() != 2 {
		t.Fatalf("delivered %d turns, want 2", sink.count())
	}
	if got := sink.turn(1).Transcript; got != "second turn" {
		t.Errorf("second transcript = %q", got)
	}
}

func TestAggregatorInterruptSavesPartial(t *testing.T) {
	a, sink, _ := newTestAggregator(t, Config{})

	a.AddText("I was about to sa")
	a.AddAudio(outputChunk(100 * time.Millisecond))
	if !a.Interrupt() {
		t.Fatal("Interrupt returned false for an open turn")
	}

	got := sink.turn(0)
	if got.Reason != ReasonInterrupted {
		t.Errorf("reason = %q, want %q", got.Reason, ReasonInterrupted)
	}
	if got.Transcript != "I was about to sa" {
		t.Errorf("transcript = %q", got.Transcript)
	}
	if got.Incomplete {
		t.Error("interrupted turn marked incomplete, continuation would re-ask")
	}
}

func TestAggregatorInterruptWithoutTurn(t *testing.T) {
	a, sink, _ := newTestAggregator(t, Config{})
	if a.Interrupt() {
		t.Error("Interrupt returned true with no turn in flight")
	}
	if sink.count() != 0 {
		t.Errorf("delivered %d turns, want 0", sink.count())
	}
}

func TestAggregatorResetBetweenTurns(t *testing.T) {
	a, sink, _ := newTestAggregator(t, Config{})

	a.AddText("one")
	a.Finalize(ReasonTurnComplete)
	a.AddText("two")
	a.Finalize(ReasonTurnComplete)

	if sink.count() != 2 {
		t.Fatalf("delivered %d turns, want 2", sink.count())
	}
	if got := sink.turn(1).Transcript; got != "two" {
		t.Errorf("second transcript = %q, state leaked between turns", got)
	}
	if got := len(sink.turn(1).Chunks); got != 0 {
		t.Errorf("second turn has %d chunks, want 0", got)
	}
}
