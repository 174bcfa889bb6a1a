package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sonara-ai/sonara/pkg/store"
)

func TestCreateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/sessions" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer tok")
		}
		var body struct {
			Participant string              `json:"participant"`
			Config      store.SessionConfig `json:"config"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body.Participant != "learner-1" || body.Config.Subject != "algebra" {
			t.Errorf("unexpected body: %+v", body)
		}
		json.NewEncoder(w).Encode(sessionRecord{
			ID:          "sess-1",
			Participant: body.Participant,
			Config:      body.Config,
			Status:      "idle",
			CreatedAt:   time.Now().UTC(),
		})
	}))
	defer srv.Close()

	c := New(srv.URL, WithToken("tok"))
	sess, err := c.CreateSession(context.Background(), "learner-1", store.SessionConfig{Subject: "algebra"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.ID != "sess-1" || sess.Status != store.StatusIdle {
		t.Errorf("unexpected session: %+v", sess)
	}
}

func TestUpdateSession_SendsOnlySetFields(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("method = %s, want PATCH", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	status := store.StatusEnded
	dur := 90 * time.Second
	err := New(srv.URL).UpdateSession(context.Background(), "sess-1", store.SessionUpdate{
		Status:       &status,
		DurationUsed: &dur,
	})
	if err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	if got["status"] != "ended" {
		t.Errorf("status = %v, want ended", got["status"])
	}
	if got["durationMs"] != float64(90000) {
		t.Errorf("durationMs = %v, want 90000", got["durationMs"])
	}
	if _, ok := got["endedAt"]; ok {
		t.Error("endedAt sent despite being unset")
	}
	if _, ok := got["messageCount"]; ok {
		t.Error("messageCount sent despite being unset")
	}
}

func TestResumeSession_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such session", http.StatusNotFound)
	}))
	defer srv.Close()

	sess, ok, err := New(srv.URL).ResumeSession(context.Background(), "missing")
	if err != nil {
		t.Fatalf("ResumeSession: %v", err)
	}
	if ok || sess != nil {
		t.Errorf("got (%v, %v), want (nil, false)", sess, ok)
	}
}

func TestResumeSession_Resumable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(sessionRecord{
			ID:         "sess-1",
			Status:     "paused",
			DurationMS: 125000,
			Resumable:  true,
		})
	}))
	defer srv.Close()

	sess, ok, err := New(srv.URL).ResumeSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("ResumeSession: %v", err)
	}
	if !ok {
		t.Fatal("session not resumable")
	}
	if sess.DurationUsed != 125*time.Second {
		t.Errorf("DurationUsed = %v, want 125s", sess.DurationUsed)
	}
}

func TestAddMessageWithAudio_Multipart(t *testing.T) {
	wav := []byte("RIFF....WAVEfmt fake payload")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		var msg newMessageRequest
		if err := json.Unmarshal([]byte(r.FormValue("message")), &msg); err != nil {
			t.Fatalf("decode message field: %v", err)
		}
		if msg.Role != "assistant" || msg.Type != "audio" {
			t.Errorf("unexpected message field: %+v", msg)
		}
		if msg.Part == nil || msg.Part.PartNumber != 2 || !msg.Part.IsFinal {
			t.Errorf("unexpected part info: %+v", msg.Part)
		}
		if got := r.FormValue("sampleRate"); got != "24000" {
			t.Errorf("sampleRate = %q, want 24000", got)
		}
		f, _, err := r.FormFile("audio")
		if err != nil {
			t.Fatalf("audio file: %v", err)
		}
		data, _ := io.ReadAll(f)
		if string(data) != string(wav) {
			t.Error("audio payload mismatch")
		}
		json.NewEncoder(w).Encode(messageRecord{ID: "msg-1", Seq: 4, AudioURL: "https://cdn/audio/msg-1"})
	}))
	defer srv.Close()

	msg, err := New(srv.URL).AddMessageWithAudio(context.Background(), "sess-1", store.NewMessage{
		Role:    store.RoleAssistant,
		Type:    store.TypeAudio,
		Content: "hello",
		Part:    &store.PartInfo{PartNumber: 2, IsPartial: true, IsFinal: true},
	}, wav, 24000)
	if err != nil {
		t.Fatalf("AddMessageWithAudio: %v", err)
	}
	if msg.ID != "msg-1" || msg.AudioURL == "" {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestErrorResponse_SurfacesStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := New(srv.URL).AddMessage(context.Background(), "sess-1", store.NewMessage{
		Role: store.RoleUser, Type: store.TypeText, Content: "hi",
	})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error %v is not a StatusError", err)
	}
	if se.Code != http.StatusTooManyRequests {
		t.Errorf("Code = %d, want 429", se.Code)
	}
	if se.Body != "quota exceeded" {
		t.Errorf("Body = %q, want %q", se.Body, "quota exceeded")
	}
}

func TestSearchMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			SessionID string    `json:"sessionId"`
			Embedding []float32 `json:"embedding"`
			Limit     int       `json:"limit"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body.SessionID != "sess-1" || len(body.Embedding) != 3 || body.Limit != 5 {
			t.Errorf("unexpected body: %+v", body)
		}
		json.NewEncoder(w).Encode([]messageRecord{{ID: "msg-9", Content: "pythagoras"}})
	}))
	defer srv.Close()

	msgs, err := New(srv.URL).SearchMessages(context.Background(), "sess-1", "triangle", []float32{1, 2, 3}, 5)
	if err != nil {
		t.Fatalf("SearchMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "pythagoras" {
		t.Errorf("unexpected results: %+v", msgs)
	}
}
