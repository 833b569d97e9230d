package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/stretchr/testify/require"
)

func TestHTTPPublisherDeliversEvents(t *testing.T) {
	var mu sync.Mutex
	var got []Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/events", r.URL.Path)
		var ev Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	}))
	defer srv.Close()

	p := NewHTTPPublisher(srv.URL, 2, 16, slog.Disabled)
	defer p.Shutdown()

	p.Emit(context.Background(), Event{
		Type:           HandStarted,
		TableID:        "t1",
		HandID:         "h1",
		IdempotencyKey: "event:HAND_STARTED:h1",
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, HandStarted, got[0].Type)
	require.Equal(t, "event:HAND_STARTED:h1", got[0].IdempotencyKey)
}

func TestEmitDropsWhenQueueFull(t *testing.T) {
	// No workers drain the queue fast enough to matter: endpoint hangs.
	block := make(chan struct{})
	defer close(block)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()

	p := NewHTTPPublisher(srv.URL, 1, 1, slog.Disabled)
	defer p.Shutdown()

	// Emit never blocks the caller, even with a full queue.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			p.Emit(context.Background(), Event{Type: ActionTaken, TableID: "t1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full queue")
	}
}

func TestFireAndForgetRunsAsync(t *testing.T) {
	ran := make(chan struct{})
	FireAndForget(slog.Disabled, "test", "op", func() error {
		close(ran)
		return nil
	})
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("fire-and-forget task never ran")
	}
}
