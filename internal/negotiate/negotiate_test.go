package negotiate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Jubbery/simli-facetime-app/internal/resilience"
)

func TestNegotiate_Success(t *testing.T) {
	t.Parallel()

	var got startRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/start-conversation" {
			t.Errorf("request = %s %s, want POST /start-conversation", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":"started","connectionId":"abc123"}`))
	}))
	t.Cleanup(srv.Close)

	id, err := New(srv.URL+"/").Negotiate(context.Background(), "be brief", "voice-7")
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if id != "abc123" {
		t.Errorf("session id = %q, want %q", id, "abc123")
	}
	if got.Prompt != "be brief" || got.VoiceID != "voice-7" {
		t.Errorf("body = %+v", got)
	}
}

func TestNegotiate_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`},
		{"not found", http.StatusNotFound, ``},
		{"malformed json", http.StatusOK, `{"connectionId":`},
		{"missing connection id", http.StatusOK, `{"message":"ok"}`},
		{"empty connection id", http.StatusOK, `{"message":"ok","connectionId":""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			t.Cleanup(srv.Close)

			id, err := New(srv.URL).Negotiate(context.Background(), "p", "v")
			if !errors.Is(err, ErrNegotiationFailed) {
				t.Fatalf("err = %v, want ErrNegotiationFailed", err)
			}
			if id != "" {
				t.Errorf("id = %q, want empty", id)
			}
		})
	}
}

func TestNegotiate_InvalidRequestSkipsIO(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL)
	for _, args := range [][2]string{{"", "v"}, {"p", ""}, {"", ""}} {
		if _, err := c.Negotiate(context.Background(), args[0], args[1]); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("Negotiate(%q, %q) = %v, want ErrInvalidRequest", args[0], args[1], err)
		}
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("backend hit %d times, want 0", n)
	}
}

func TestNegotiate_Unreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url).Negotiate(context.Background(), "p", "v")
	if !errors.Is(err, ErrNegotiationFailed) {
		t.Fatalf("err = %v, want ErrNegotiationFailed", err)
	}
}

func TestNegotiate_ContextCancelled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(srv.URL).Negotiate(ctx, "p", "v")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestNegotiate_BreakerFailsFast(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	b := resilience.New(resilience.Config{Name: "negotiate", Threshold: 2, Cooldown: time.Hour})
	c := New(srv.URL, WithBreaker(b))

	for range 3 {
		if _, err := c.Negotiate(context.Background(), "p", "v"); !errors.Is(err, ErrNegotiationFailed) {
			t.Fatalf("err = %v, want ErrNegotiationFailed", err)
		}
	}
	if n := hits.Load(); n != 2 {
		t.Errorf("backend hit %d times, want 2", n)
	}
	_, err := c.Negotiate(context.Background(), "p", "v")
	if !errors.Is(err, resilience.ErrOpen) {
		t.Errorf("err = %v, want wrapped resilience.ErrOpen", err)
	}
}
