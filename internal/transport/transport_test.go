package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/driftnote/driftnote/internal/note"
)

type fakeClock struct {
	stamps []string
}

func (f *fakeClock) UpdateFromServerTimestamp(iso string) error {
	f.stamps = append(f.stamps, iso)
	return nil
}

func newTestClient(t *testing.T, handler http.Handler) (*HTTPClient, *fakeClock, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	clock := &fakeClock{}
	client, err := NewHTTPClient(Config{
		BaseURL: srv.URL,
		Token:   "test-token",
		Clock:   clock,
		Logger:  log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("NewHTTPClient() error = %v", err)
	}
	return client, clock, srv
}

func TestCreateAndServerTime(t *testing.T) {
	var gotAuth string
	client, clock, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.Method != http.MethodPost || r.URL.Path != "/v1/documents" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}

		var fields DocumentFields
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}

		w.Header().Set(serverTimeHeader, "2026-03-01T12:00:00Z")
		_ = json.NewEncoder(w).Encode(note.RemoteDocument{
			ID:        "r1",
			Title:     fields.Title,
			Content:   fields.Content,
			UpdatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		})
	}))

	doc, err := client.Create(context.Background(), DocumentFields{Title: "t", Content: "c"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if doc.ID != "r1" || doc.Title != "t" {
		t.Errorf("Create() = %+v", doc)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if len(clock.stamps) != 1 || clock.stamps[0] != "2026-03-01T12:00:00Z" {
		t.Errorf("server time not observed: %v", clock.stamps)
	}
}

func TestUpdateConflict(t *testing.T) {
	serverVersion := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)

	client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req updateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"conflict": map[string]any{"current_updated_at": serverVersion},
		})
	}))

	_, err := client.Update(context.Background(), "r1", DocumentFields{Title: "t"}, serverVersion.Add(-5*time.Second))
	if err == nil {
		t.Fatalf("Update() succeeded, want conflict")
	}

	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Update() error = %T (%v), want *ConflictError", err, err)
	}
	if conflict.DocumentID != "r1" {
		t.Errorf("conflict document = %q, want r1", conflict.DocumentID)
	}
	if !conflict.CurrentUpdatedAt.Equal(serverVersion) {
		t.Errorf("conflict version = %v, want %v", conflict.CurrentUpdatedAt, serverVersion)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		transient  bool
		validation bool
	}{
		{"server error", http.StatusInternalServerError, true, false},
		{"bad gateway", http.StatusBadGateway, true, false},
		{"bad request", http.StatusBadRequest, false, true},
		{"unauthorized", http.StatusUnauthorized, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			_, err := client.Get(context.Background(), "r1")
			if err == nil {
				t.Fatalf("Get() succeeded, want status %d error", tt.status)
			}

			var te *TransientError
			var ve *ValidationError
			if errors.As(err, &te) != tt.transient {
				t.Errorf("transient = %v, want %v (err %v)", !tt.transient, tt.transient, err)
			}
			if errors.As(err, &ve) != tt.validation {
				t.Errorf("validation = %v, want %v (err %v)", !tt.validation, tt.validation, err)
			}
		})
	}
}

func TestNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client, err := NewHTTPClient(Config{BaseURL: srv.URL, Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("NewHTTPClient() error = %v", err)
	}
	srv.Close() // nothing is listening anymore

	_, err = client.List(context.Background())
	var te *TransientError
	if !errors.As(err, &te) {
		t.Errorf("List() error = %T (%v), want *TransientError", err, err)
	}
}

func TestList(t *testing.T) {
	client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]note.RemoteDocument{{ID: "a"}, {ID: "b"}})
	}))

	docs, err := client.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(docs) != 2 || docs[0].ID != "a" {
		t.Errorf("List() = %+v", docs)
	}
}

func TestDelete(t *testing.T) {
	var gotPath string
	client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))

	if err := client.Delete(context.Background(), "r1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if gotPath != "DELETE /v1/documents/r1" {
		t.Errorf("request = %q", gotPath)
	}
}

func TestSubscribeChanges(t *testing.T) {
	events := []ChangeEvent{
		{Type: EventInsert, ID: "r1", OriginDeviceID: "other-device"},
		{Type: EventDelete, ID: "r2"},
	}

	client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/changes/ws" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("user_id"); got != "user-1" {
			t.Errorf("user_id = %q", got)
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("Accept() error = %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		for _, ev := range events {
			data, _ := json.Marshal(ev)
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
		// Malformed and unknown-type payloads must be dropped quietly.
		_ = conn.Write(ctx, websocket.MessageText, []byte("{not json"))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"mystery","id":"r3"}`))

		<-ctx.Done()
	}))

	received := make(chan ChangeEvent, 8)
	unsubscribe, err := client.SubscribeChanges(context.Background(), "user-1",
		func(ev ChangeEvent) { received <- ev }, nil)
	if err != nil {
		t.Fatalf("SubscribeChanges() error = %v", err)
	}
	defer unsubscribe()

	for i, want := range events {
		select {
		case got := <-received:
			if got != want {
				t.Errorf("event %d = %+v, want %+v", i, got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d never arrived", i)
		}
	}

	select {
	case extra := <-received:
		t.Errorf("unexpected extra event %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeChanges_ReportsChannelFailure(t *testing.T) {
	client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		// Kill the channel abruptly.
		_ = conn.CloseNow()
	}))

	failed := make(chan error, 1)
	_, err := client.SubscribeChanges(context.Background(), "user-1",
		func(ChangeEvent) {}, func(err error) { failed <- err })
	if err != nil {
		t.Fatalf("SubscribeChanges() error = %v", err)
	}

	select {
	case err := <-failed:
		var te *TransientError
		if !errors.As(err, &te) {
			t.Errorf("failure error = %T, want *TransientError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("channel failure never reported")
	}
}

func TestSubscribeChanges_UnsubscribeIsQuiet(t *testing.T) {
	client, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		<-r.Context().Done()
	}))

	failed := make(chan error, 1)
	unsubscribe, err := client.SubscribeChanges(context.Background(), "user-1",
		func(ChangeEvent) {}, func(err error) { failed <- err })
	if err != nil {
		t.Fatalf("SubscribeChanges() error = %v", err)
	}

	unsubscribe()

	select {
	case err := <-failed:
		t.Errorf("deliberate unsubscribe reported an error: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}
