package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sonara-ai/sonara/internal/config"
	"github.com/sonara-ai/sonara/pkg/audio"
	"github.com/sonara-ai/sonara/pkg/live"
	livemock "github.com/sonara-ai/sonara/pkg/live/mock"
	"github.com/sonara-ai/sonara/pkg/store"
	storemock "github.com/sonara-ai/sonara/pkg/store/mock"
)

// fakeSource is a capture source that never produces frames.
type fakeSource struct {
	frames    chan audio.Frame
	closeOnce sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan audio.Frame)}
}

func (f *fakeSource) Start() error { return nil }

func (f *fakeSource) Frames() <-chan audio.Frame { return f.frames }

func (f *fakeSource) Close() error {
	f.closeOnce.Do(func() { close(f.frames) })
	return nil
}

// fakeSink records playback calls.
type fakeSink struct {
	mu    sync.Mutex
	plays int
	stops int
}

func (f *fakeSink) Play(pcm []byte, startAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plays++
	return nil
}

func (f *fakeSink) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeSink) counts() (plays, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.plays, f.stops
}

// testConfig returns a config whose manager timers are too long to interfere
// with fake-clock advances in these tests.
func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Session.InactivityTimeout = config.Duration(24 * time.Hour)
	cfg.Session.KeepAliveInterval = config.Duration(24 * time.Hour)
	cfg.Session.HealthCheckInterval = config.Duration(24 * time.Hour)
	cfg.Session.ReconnectAttempts = 1
	cfg.Session.ReconnectBackoff = config.Duration(time.Second)
	cfg.Session.SilenceTimeout = config.Duration(5 * time.Second)
	cfg.Audio.FrameSize = 320
	cfg.Audio.MinBufferedChunks = 1
	cfg.Tutor.Language = "en-US"
	cfg.Tutor.Subject = "biology"
	cfg.Tutor.Level = "high-school"
	cfg.Tutor.Voice = "aoede"
	cfg.Tutor.MaxContinuations = 3
	cfg.Tutor.Glossary = []string{"mitochondria"}
	return cfg
}

type fixture struct {
	app     *App
	sess    *livemock.Session
	st      *storemock.Store
	sink    *fakeSink
	clock   *clockwork.FakeClock
	runCh   chan error
	stopped bool
}

// startApp builds an App around mocks and runs it until cleanup.
func startApp(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()

	sess := livemock.NewSession()
	prov := &livemock.Provider{Session: sess}
	st := storemock.New()
	sink := &fakeSink{}
	clock := clockwork.NewFakeClock()

	a, err := New(context.Background(), cfg, &Providers{Live: prov, Store: st},
		WithCaptureSource(newFakeSource()),
		WithPlaybackSink(sink),
		WithClock(clock),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	runCh := make(chan error, 1)
	go func() { runCh <- a.Run(context.Background()) }()

	f := &fixture{app: a, sess: sess, st: st, sink: sink, clock: clock, runCh: runCh}
	t.Cleanup(func() { f.shutdown(t) })
	return f
}

// shutdown stops the app and waits for Run to return. No-op once stopped.
func (f *fixture) shutdown(t *testing.T) {
	t.Helper()
	if f.stopped {
		return
	}
	f.stopped = true
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.app.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-f.runCh:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func outputAudio(d time.Duration) []byte {
	n := int(d.Seconds() * float64(audio.WireOutputRate))
	return make([]byte, n*audio.BytesPerSample)
}

func TestAppPersistsConversation(t *testing.T) {
	f := startApp(t, testConfig())
	id := f.app.SessionID()

	f.sess.Emit(live.Event{Kind: live.EventInputTranscript, Text: "what is the mitocondria"})
	f.sess.Emit(live.Event{Kind: live.EventOutputTranscript, Text: "The mitochondria is the powerhouse of the cell."})
	f.sess.Emit(live.Event{Kind: live.EventAudio, Data: outputAudio(200 * time.Millisecond), ReceivedAt: time.Now()})
	f.sess.Emit(live.Event{Kind: live.EventTurnComplete})

	waitFor(t, func() bool { return len(f.st.Messages(id)) == 2 },
		"conversation was not persisted")

	msgs := f.st.Messages(id)
	user, assistant := msgs[0], msgs[1]

	if user.Role != store.RoleUser {
		t.Errorf("first message role = %s, want user", user.Role)
	}
	if user.Type != store.TypeText {
		t.Errorf("user message type = %s, want text", user.Type)
	}
	if want := "what is the mitochondria"; user.Content != want {
		t.Errorf("user content = %q, want %q (glossary correction)", user.Content, want)
	}

	if assistant.Role != store.RoleAssistant {
		t.Errorf("second message role = %s, want assistant", assistant.Role)
	}
	if assistant.Type != store.TypeAudio {
		t.Errorf("assistant message type = %s, want audio", assistant.Type)
	}
	if len(f.st.Audio(assistant.ID)) == 0 {
		t.Error("assistant audio payload not stored")
	}

	if plays, _ := f.sink.counts(); plays == 0 {
		t.Error("model audio never reached the playback sink")
	}
}

func TestAppEndsSessionOnShutdown(t *testing.T) {
	f := startApp(t, testConfig())
	id := f.app.SessionID()

	waitFor(t, func() bool {
		s := f.st.Session(id)
		return s != nil && s.Status == store.StatusConnected
	}, "connected status was not persisted")

	f.shutdown(t)

	s := f.st.Session(id)
	if s.Status != store.StatusEnded {
		t.Errorf("final status = %s, want ended", s.Status)
	}
	if s.EndedAt == nil {
		t.Error("EndedAt not set on session end")
	}
}

func TestAppContinuesIncompleteTurn(t *testing.T) {
	f := startApp(t, testConfig())
	id := f.app.SessionID()

	f.sess.Emit(live.Event{Kind: live.EventOutputTranscript, Text: "Firstly, the cell membrane"})

	// The reply goes quiet without a completion signal: the silence timeout
	// finalizes it as incomplete and the controller nudges the model.
	waitFor(t, func() bool {
		f.clock.Advance(time.Second)
		return len(f.sess.TextSent()) > 0
	}, "continuation prompt was never sent")

	if got := f.sess.TextSent()[0]; got != "Please continue." {
		t.Errorf("continuation prompt = %q", got)
	}

	waitFor(t, func() bool { return len(f.st.Messages(id)) == 1 },
		"incomplete turn was not persisted")
	if msgs := f.st.Messages(id); msgs[0].Role != store.RoleAssistant {
		t.Errorf("persisted role = %s, want assistant", msgs[0].Role)
	}
}

func TestAppUserSpeechResetsContinuationBudget(t *testing.T) {
	cfg := testConfig()
	cfg.Tutor.MaxContinuations = 1
	f := startApp(t, cfg)

	f.sess.Emit(live.Event{Kind: live.EventOutputTranscript, Text: "To begin with"})
	waitFor(t, func() bool {
		f.clock.Advance(time.Second)
		return len(f.sess.TextSent()) == 1
	}, "first continuation was never sent")

	// Fresh user speech starts a new topic, restoring the budget.
	f.sess.Emit(live.Event{Kind: live.EventInputTranscript, Text: "and what about plants?"})
	f.sess.Emit(live.Event{Kind: live.EventTurnComplete})
	f.sess.Emit(live.Event{Kind: live.EventOutputTranscript, Text: "Plants, in contrast"})

	waitFor(t, func() bool {
		f.clock.Advance(time.Second)
		return len(f.sess.TextSent()) == 2
	}, "budget was not restored by user speech")
}

func TestAppInterruptStopsPlaybackAndSavesPartial(t *testing.T) {
	f := startApp(t, testConfig())
	id := f.app.SessionID()

	f.sess.Emit(live.Event{Kind: live.EventOutputTranscript, Text: "The answer is"})
	f.sess.Emit(live.Event{Kind: live.EventAudio, Data: outputAudio(100 * time.Millisecond), ReceivedAt: time.Now()})
	waitFor(t, func() bool { p, _ := f.sink.counts(); return p > 0 },
		"audio never played")

	f.sess.Emit(live.Event{Kind: live.EventInterrupted})

	waitFor(t, func() bool { _, s := f.sink.counts(); return s > 0 },
		"interrupt never reached the playback sink")
	waitFor(t, func() bool { return len(f.st.Messages(id)) == 1 },
		"interrupted turn was not persisted")

	if msgs := f.st.Messages(id); msgs[0].Content != "The answer is" {
		t.Errorf("partial transcript = %q", msgs[0].Content)
	}
}

func TestAppConnectFailure(t *testing.T) {
	prov := &livemock.Provider{ConnectErr: errors.New("quota exceeded")}
	st := storemock.New()

	a, err := New(context.Background(), testConfig(), &Providers{Live: prov, Store: st},
		WithCaptureSource(newFakeSource()),
		WithPlaybackSink(&fakeSink{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := a.Run(context.Background()); err == nil {
		t.Fatal("Run succeeded despite connect failure")
	}

	s := st.Session(a.SessionID())
	if s.Status != store.StatusError {
		t.Errorf("session status = %s, want error", s.Status)
	}
}

func TestAppResumeCarriesDurationOver(t *testing.T) {
	st := storemock.New()
	prev, err := st.CreateSession(context.Background(), "local", store.SessionConfig{Subject: "biology"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	used := 10 * time.Minute
	if err := st.UpdateSession(context.Background(), prev.ID, store.SessionUpdate{DurationUsed: &used}); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	a, err := New(context.Background(), testConfig(), &Providers{Live: &livemock.Provider{}, Store: st},
		WithCaptureSource(newFakeSource()),
		WithPlaybackSink(&fakeSink{}),
		WithResumeSession(prev.ID),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if a.SessionID() != prev.ID {
		t.Errorf("SessionID = %s, want resumed %s", a.SessionID(), prev.ID)
	}
	if got := a.tracker.Used(); got < used {
		t.Errorf("carried-over duration = %s, want at least %s", got, used)
	}
}

func TestAppGlossaryHotReload(t *testing.T) {
	f := startApp(t, testConfig())
	id := f.app.SessionID()

	newCfg := testConfig()
	newCfg.Tutor.Glossary = []string{"photosynthesis"}
	f.app.ApplyConfigUpdate(config.Diff(testConfig(), newCfg), newCfg)

	f.sess.Emit(live.Event{Kind: live.EventInputTranscript, Text: "explain fotosynthesis please"})
	f.sess.Emit(live.Event{Kind: live.EventTurnComplete})

	waitFor(t, func() bool { return len(f.st.Messages(id)) >= 1 },
		"user turn was not persisted")
	if got := f.st.Messages(id)[0].Content; got != "explain photosynthesis please" {
		t.Errorf("user content = %q, want the reloaded glossary applied", got)
	}
}

func TestAppResumeHandleRoundTrip(t *testing.T) {
	st := storemock.New()
	prev, err := st.CreateSession(context.Background(), "local", store.SessionConfig{Subject: "biology"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	stored := "handle-epoch-1"
	if err := st.UpdateSession(context.Background(), prev.ID, store.SessionUpdate{ResumeHandle: &stored}); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	sess := livemock.NewSession()
	prov := &livemock.Provider{
		Session: sess,
		Caps:    live.Capabilities{SupportsResumption: true},
	}

	a, err := New(context.Background(), testConfig(), &Providers{Live: prov, Store: st},
		WithCaptureSource(newFakeSource()),
		WithPlaybackSink(&fakeSink{}),
		WithResumeSession(prev.ID),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	runCh := make(chan error, 1)
	go func() { runCh <- a.Run(context.Background()) }()

	waitFor(t, func() bool { return len(prov.Calls()) == 1 }, "Connect was never called")
	if got := prov.Calls()[0].Cfg.ResumeID; got != stored {
		t.Errorf("Connect ResumeID = %q, want stored handle %q", got, stored)
	}

	// The model rotates the handle mid-session; the record must follow so a
	// later resume restores the newest context.
	sess.Emit(live.Event{Kind: live.EventResumeHandle, Text: "handle-epoch-2"})
	waitFor(t, func() bool { return st.Session(prev.ID).ResumeHandle == "handle-epoch-2" },
		"rotated resume handle was not persisted")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-runCh:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestAppShutdownIdempotent(t *testing.T) {
	f := startApp(t, testConfig())
	f.shutdown(t)
	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
