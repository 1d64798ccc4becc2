package gateway

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gobwas/ws"

	"github.com/adred-codev/listwave/internal/event"
	"github.com/adred-codev/listwave/internal/monitoring"
	"github.com/adred-codev/listwave/internal/queue"
)

// handleWebSocket upgrades GET /ws/{roomID}. All rejections happen
// before the upgrade: shutdown state, rate limit, resource guard, and
// authentication. A request without a verified principal never reaches
// Join.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := clientIP(r)

	if s.shuttingDown.Load() {
		monitoring.ConnectionsRejected.WithLabelValues(monitoring.RejectReasonShuttingDown).Inc()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if s.rateLimiter != nil && !s.rateLimiter.Allow(clientIP) {
		monitoring.ConnectionsRejected.WithLabelValues(monitoring.RejectReasonRateLimit).Inc()
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if s.guard != nil {
		if ok, reason := s.guard.ShouldAccept(); !ok {
			monitoring.ConnectionsRejected.WithLabelValues(monitoring.RejectReasonOverloaded).Inc()
			s.logger.Warn().
				Str("client_ip", clientIP).
				Str("reason", reason).
				Msg("Connection rejected by resource guard")
			http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
			return
		}
	}

	principal, err := s.auth.Authenticate(r)
	if err != nil {
		monitoring.ConnectionsRejected.WithLabelValues(monitoring.RejectReasonUnauthorized).Inc()
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	roomID, err := strconv.ParseInt(r.PathValue("roomID"), 10, 64)
	if err != nil || roomID <= 0 {
		http.Error(w, "Invalid room id", http.StatusBadRequest)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("client_ip", clientIP).
			Msg("WebSocket upgrade failed")
		return
	}

	client := newClient(roomID, principal, conn, s.cfg.SendBufferSize)
	if err := s.manager.Join(r.Context(), client); err != nil {
		s.logger.Error().
			Err(err).
			Int64("room_id", roomID).
			Msg("Join failed")
		client.close(ws.StatusInternalServerError, "join failed")
		return
	}

	go s.manager.writePump(client)
	go s.manager.readPump(client)
}

// publishRequest is the body of POST /internal/events/{roomID}, sent by
// mutation handlers after their persistence write succeeded.
type publishRequest struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	roomID, err := strconv.ParseInt(r.PathValue("roomID"), 10, 64)
	if err != nil || roomID <= 0 {
		http.Error(w, "Invalid room id", http.StatusBadRequest)
		return
	}

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Action == "" {
		http.Error(w, "Missing action", http.StatusBadRequest)
		return
	}

	ev := event.Event{Action: req.Action, Payload: req.Payload}
	if err := s.publisher.Publish(r.Context(), roomID, ev); err != nil {
		// The mutation already happened; a lost event only delays client
		// state. Log it, tell the caller, move on.
		s.logger.Error().
			Err(err).
			Int64("room_id", roomID).
			Str("action", req.Action).
			Msg("Event publish failed")
		if errors.Is(err, queue.ErrNotConnected) {
			http.Error(w, "Broker unavailable", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "Publish failed", http.StatusBadGateway)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	type health struct {
		Status string `json:"status"`
		Broker bool   `json:"broker_connected"`
		PubSub bool   `json:"pubsub_connected"`
	}

	h := health{Status: "ok", Broker: s.publisher.Connected(), PubSub: true}
	if s.pubsubPing != nil {
		if err := s.pubsubPing(r.Context()); err != nil {
			h.PubSub = false
		}
	}
	if !h.Broker || !h.PubSub {
		h.Status = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h)
}

// clientIP prefers X-Forwarded-For (the gateway sits behind the
// authenticating proxy), falling back to the socket address.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
