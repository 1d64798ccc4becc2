package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/listwave/internal/config"
	"github.com/adred-codev/listwave/internal/event"
	"github.com/adred-codev/listwave/internal/fanout"
	"github.com/adred-codev/listwave/internal/queue"
)

type fakePublisher struct {
	mu        sync.Mutex
	err       error
	connected bool
	published []event.Event
}

func (f *fakePublisher) Publish(ctx context.Context, roomID int64, ev event.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	ev.RoomID = roomID
	f.published = append(f.published, ev)
	return nil
}

func (f *fakePublisher) Connected() bool { return f.connected }

func newTestServer(t *testing.T, pub *fakePublisher) *Server {
	t.Helper()

	broker := fanout.NewBroker(fanout.NewMemoryPubSub(8), fanout.Config{}, zerolog.Nop())
	t.Cleanup(func() { _ = broker.Close() })

	cfg := &config.Gateway{
		Addr:           ":0",
		SendBufferSize: 8,
		IdentityHeader: "X-User-Id",
		EmailHeader:    "X-User-Email",
	}
	return NewServer(cfg, ServerOptions{
		Manager:   NewManager(broker, 8, zerolog.Nop()),
		Publisher: pub,
		Auth:      HeaderAuthenticator{IDHeader: "X-User-Id", EmailHeader: "X-User-Email"},
	}, zerolog.Nop())
}

func TestHandlePublish(t *testing.T) {
	t.Parallel()

	t.Run("accepts and publishes", func(t *testing.T) {
		t.Parallel()

		pub := &fakePublisher{connected: true}
		s := newTestServer(t, pub)

		req := httptest.NewRequest(http.MethodPost, "/internal/events/101",
			strings.NewReader(`{"action":"task_added","payload":{"id":1}}`))
		req.SetPathValue("roomID", "101")
		w := httptest.NewRecorder()
		s.handlePublish(w, req)

		assert.Equal(t, http.StatusAccepted, w.Code)
		require.Len(t, pub.published, 1)
		assert.Equal(t, int64(101), pub.published[0].RoomID)
		assert.Equal(t, event.ActionTaskAdded, pub.published[0].Action)
	})

	t.Run("rejects bad room id", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, &fakePublisher{connected: true})

		req := httptest.NewRequest(http.MethodPost, "/internal/events/zero", strings.NewReader(`{"action":"x"}`))
		req.SetPathValue("roomID", "zero")
		w := httptest.NewRecorder()
		s.handlePublish(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects missing action", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, &fakePublisher{connected: true})

		req := httptest.NewRequest(http.MethodPost, "/internal/events/5", strings.NewReader(`{"payload":{}}`))
		req.SetPathValue("roomID", "5")
		w := httptest.NewRecorder()
		s.handlePublish(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("broker down yields 503", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, &fakePublisher{err: queue.ErrNotConnected})

		req := httptest.NewRequest(http.MethodPost, "/internal/events/5", strings.NewReader(`{"action":"task_added"}`))
		req.SetPathValue("roomID", "5")
		w := httptest.NewRecorder()
		s.handlePublish(w, req)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("other publish errors yield 502", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, &fakePublisher{err: errors.New("channel closed")})

		req := httptest.NewRequest(http.MethodPost, "/internal/events/5", strings.NewReader(`{"action":"task_added"}`))
		req.SetPathValue("roomID", "5")
		w := httptest.NewRecorder()
		s.handlePublish(w, req)

		assert.Equal(t, http.StatusBadGateway, w.Code)
	})
}

func TestHandleHealthz(t *testing.T) {
	t.Parallel()

	t.Run("healthy", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, &fakePublisher{connected: true})

		w := httptest.NewRecorder()
		s.handleHealthz(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "ok", body["status"])
	})

	t.Run("degraded when broker disconnected", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, &fakePublisher{connected: false})

		w := httptest.NewRecorder()
		s.handleHealthz(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "degraded", body["status"])
	})
}

func TestHandleWebSocketRejections(t *testing.T) {
	t.Parallel()

	t.Run("unauthenticated", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, &fakePublisher{connected: true})

		req := httptest.NewRequest(http.MethodGet, "/ws/5", nil)
		req.SetPathValue("roomID", "5")
		w := httptest.NewRecorder()
		s.handleWebSocket(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("shutting down", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, &fakePublisher{connected: true})
		s.shuttingDown.Store(true)

		req := httptest.NewRequest(http.MethodGet, "/ws/5", nil)
		req.SetPathValue("roomID", "5")
		req.Header.Set("X-User-Id", "u1")
		w := httptest.NewRecorder()
		s.handleWebSocket(w, req)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("invalid room id", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, &fakePublisher{connected: true})

		req := httptest.NewRequest(http.MethodGet, "/ws/abc", nil)
		req.SetPathValue("roomID", "abc")
		req.Header.Set("X-User-Id", "u1")
		w := httptest.NewRecorder()
		s.handleWebSocket(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHeaderAuthenticator(t *testing.T) {
	t.Parallel()

	auth := HeaderAuthenticator{IDHeader: "X-User-Id", EmailHeader: "X-User-Email"}

	t.Run("reads identity headers", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodGet, "/ws/1", nil)
		req.Header.Set("X-User-Id", "42")
		req.Header.Set("X-User-Email", "a@example.com")

		p, err := auth.Authenticate(req)
		require.NoError(t, err)
		assert.Equal(t, "42", p.ID)
		assert.Equal(t, "a@example.com", p.Email)
	})

	t.Run("missing id header", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodGet, "/ws/1", nil)
		_, err := auth.Authenticate(req)
		require.ErrorIs(t, err, ErrUnauthenticated)
	})
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	t.Run("prefers x-forwarded-for", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		assert.Equal(t, "203.0.113.7", clientIP(req))
	})

	t.Run("falls back to remote addr", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.1:54321"
		assert.Equal(t, "192.0.2.1", clientIP(req))
	})
}
