// Package push serves the /ws endpoint: it upgrades HTTP connections to
// WebSocket, registers them with the connection registry, and drives the
// per-connection read and write loops.
//
// A connection starts as an anonymous FREE-tier subscriber and may upgrade
// itself by presenting a bearer token, either as a ?token= query parameter
// on the upgrade request or with an authenticate message later. On
// successful authentication any alerts queued while the user was offline
// are flushed onto the connection in arrival order.
//
// Malformed or unknown client messages are logged and ignored; they never
// terminate the connection.
package push

import (
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flarewatch/server/internal/auth"
	"github.com/flarewatch/server/internal/queue"
	"github.com/flarewatch/server/internal/registry"
	"github.com/flarewatch/server/internal/wire"
)

// maxMessageSize bounds client frames. Command messages are tiny; anything
// larger is a misbehaving client.
const maxMessageSize = 4 * 1024

var errConnGone = errors.New("push: connection no longer registered")

// Handler upgrades HTTP requests to WebSocket push connections.
type Handler struct {
	reg       *registry.Registry
	queue     *queue.Queue
	validator auth.TokenValidator // nil disables authentication
	logger    *slog.Logger

	writeTimeout time.Duration
	upgrader     websocket.Upgrader
}

// NewHandler creates a Handler. validator may be nil, in which case every
// authenticate attempt fails and all connections stay anonymous.
// writeTimeout ≤ 0 defaults to 10 seconds.
func NewHandler(logger *slog.Logger, reg *registry.Registry, q *queue.Queue, validator auth.TokenValidator, writeTimeout time.Duration) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Handler{
		reg:          reg,
		queue:        q,
		validator:    validator,
		logger:       logger,
		writeTimeout: writeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Browser dashboards connect from their own origins; access
			// control happens at the token layer, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles the upgrade and runs the connection until either side
// closes it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.logger.Warn("push: upgrade failed", slog.Any("error", err))
		return
	}

	conn := h.reg.Register()
	defer h.reg.Remove(conn.ID())

	h.logger.Info("push: client connected",
		slog.String("connection_id", conn.ID()),
		slog.String("remote_addr", ws.RemoteAddr().String()),
	)

	var closed atomic.Bool
	closeOnce := func() {
		if closed.CompareAndSwap(false, true) {
			_ = ws.Close()
		}
	}
	defer closeOnce()

	// Writer: drain the registry send channel into WebSocket text frames.
	// The channel is closed by Registry.Remove (client disconnect or reaper
	// eviction), which ends this goroutine and closes the socket.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for frame := range conn.Send() {
			_ = ws.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Warn("push: write failed",
					slog.String("connection_id", conn.ID()),
					slog.Any("error", err),
				)
				closeOnce()
				return
			}
		}
		closeOnce()
	}()

	// A token on the upgrade request authenticates before the connection
	// ack, so the ack reports the final state and any queued alerts follow
	// it directly.
	authed := false
	if token := r.URL.Query().Get("token"); token != "" {
		authed = h.upgradeIdentity(conn, token) == nil
	}
	h.sendConnectionAck(conn)
	if authed {
		h.flushQueue(conn)
	}

	ws.SetReadLimit(maxMessageSize)
	h.readLoop(ws, conn)

	h.reg.Remove(conn.ID())
	<-writerDone

	h.logger.Info("push: client disconnected",
		slog.String("connection_id", conn.ID()),
		slog.String("user_id", conn.UserID()),
	)
}

// readLoop processes client frames until the connection drops.
func (h *Handler) readLoop(ws *websocket.Conn, conn *registry.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		conn.Touch()

		msg, err := wire.DecodeClientMessage(raw)
		if err != nil {
			h.logger.Warn("push: malformed client message ignored",
				slog.String("connection_id", conn.ID()),
				slog.Any("error", err),
			)
			continue
		}

		switch msg.Type {
		case wire.TypeClientHeartbeat:
			// Touch above already refreshed the idle clock.
			h.send(conn, wire.TypeHeartbeatAck, wire.AckData{})

		case wire.TypeAuthenticate:
			h.authenticate(conn, msg.Token)

		case wire.TypeUpdateThresholds:
			h.updateThresholds(conn, msg)

		default:
			h.logger.Warn("push: unknown client message type ignored",
				slog.String("connection_id", conn.ID()),
				slog.String("type", msg.Type),
			)
		}
	}
}

// authenticate handles an in-band authenticate message: it upgrades the
// connection's identity, acknowledges with auth_success or auth_error, and
// flushes the user's offline queue.
func (h *Handler) authenticate(conn *registry.Conn, token string) {
	if err := h.upgradeIdentity(conn, token); err != nil {
		code := "auth_failed"
		if h.validator == nil {
			code = "auth_unavailable"
		}
		h.send(conn, wire.TypeAuthError, wire.ErrorData{
			Code:    code,
			Message: "invalid or expired token",
		})
		return
	}

	h.send(conn, wire.TypeAuthSuccess, wire.ConnectionData{
		ConnectionID:  conn.ID(),
		Authenticated: true,
		Tier:          string(conn.Tier()),
	})
	h.flushQueue(conn)
}

// upgradeIdentity validates the token and authenticates the registration.
func (h *Handler) upgradeIdentity(conn *registry.Conn, token string) error {
	if h.validator == nil {
		return auth.ErrDisabled
	}

	id, err := h.validator.Validate(token)
	if err != nil {
		h.logger.Warn("push: authentication failed",
			slog.String("connection_id", conn.ID()),
			slog.Any("error", err),
		)
		return err
	}

	if _, ok := h.reg.Authenticate(conn.ID(), id.UserID, id.Tier); !ok {
		// Connection vanished between read and authenticate.
		return errConnGone
	}

	h.logger.Info("push: client authenticated",
		slog.String("connection_id", conn.ID()),
		slog.String("user_id", id.UserID),
		slog.String("tier", string(id.Tier)),
	)
	return nil
}

// flushQueue drains the user's offline queue onto every live connection for
// the user, in arrival order. A frame no connection can take is put back,
// along with the rest of the drain, so a stalled flush never loses alerts.
func (h *Handler) flushQueue(conn *registry.Conn) {
	userID := conn.UserID()
	if h.queue == nil || userID == "" {
		return
	}
	msgs := h.queue.Drain(userID)
	if len(msgs) == 0 {
		return
	}

	conns := h.reg.ConnsForUser(userID)
	for i, m := range msgs {
		delivered := false
		for _, c := range conns {
			if c.TrySend(m.Payload) {
				delivered = true
			}
		}
		if delivered {
			continue
		}
		for _, rest := range msgs[i:] {
			h.queue.Enqueue(userID, rest.Payload)
		}
		h.logger.Warn("push: flush stalled, re-queueing undelivered alerts",
			slog.String("user_id", userID),
			slog.Int("requeued", len(msgs)-i),
		)
		return
	}

	h.logger.Info("push: offline queue flushed",
		slog.String("user_id", userID),
		slog.Int("messages", len(msgs)),
	)
}

// updateThresholds applies a client threshold change after validating the
// triple. Anonymous connections may customise thresholds too; their High
// value gates FREE-tier delivery.
func (h *Handler) updateThresholds(conn *registry.Conn, msg wire.ClientMessage) {
	if msg.Thresholds == nil {
		h.sendError(conn, "invalid_thresholds", "thresholds payload is required")
		return
	}
	if err := msg.Thresholds.Validate(); err != nil {
		h.sendError(conn, "invalid_thresholds", err.Error())
		return
	}

	conn.SetThresholds(*msg.Thresholds)
	h.send(conn, wire.TypeThresholdsUpdated, wire.ThresholdsData{Thresholds: *msg.Thresholds})

	h.logger.Info("push: thresholds updated",
		slog.String("connection_id", conn.ID()),
		slog.String("user_id", conn.UserID()),
	)
}

// sendConnectionAck tells the client its connection ID and current state.
func (h *Handler) sendConnectionAck(conn *registry.Conn) {
	h.send(conn, wire.TypeConnection, wire.ConnectionData{
		ConnectionID:  conn.ID(),
		Authenticated: conn.Authenticated(),
		Tier:          string(conn.Tier()),
		Message:       "connected",
	})
}

// send encodes and queues a control envelope on the connection.
func (h *Handler) send(conn *registry.Conn, typ string, data any) {
	frame, err := wire.Encode(typ, data)
	if err != nil {
		h.logger.Error("push: encode failed",
			slog.String("type", typ),
			slog.Any("error", err),
		)
		return
	}
	conn.TrySend(frame)
}

// sendError queues an error envelope on the connection.
func (h *Handler) sendError(conn *registry.Conn, code, message string) {
	h.send(conn, wire.TypeError, wire.ErrorData{Code: code, Message: message})
}
