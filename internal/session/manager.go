// ABOUTME: Session manager and websocket connection handler
// ABOUTME: Accepts upgrades, binds sessions to conversations, tracks live count

package session

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"

	"github.com/threadline-ai/threadline/internal/auth"
	"github.com/threadline-ai/threadline/internal/broadcast"
	"github.com/threadline-ai/threadline/internal/metrics"
	"github.com/threadline-ai/threadline/internal/provider"
	"github.com/threadline-ai/threadline/internal/store"
)

// Manager owns the broadcast registry and creates a Session per accepted
// connection. Sessions run concurrently; there is no global lock across them.
type Manager struct {
	store    store.Store
	provider provider.Provider
	groups   broadcast.Transport
	metrics  *metrics.Metrics
	genOpts  provider.Options
	logger   *slog.Logger
}

// NewManager creates a session manager. Pass nil logger for default.
func NewManager(st store.Store, p provider.Provider, groups broadcast.Transport, m *metrics.Metrics, genOpts provider.Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Manager{
		store:    st,
		provider: p,
		groups:   groups,
		metrics:  m,
		genOpts:  genOpts,
		logger:   logger.With("component", "session-manager"),
	}
}

// HandleConnection upgrades the request to a websocket and runs a session
// bound to the routed conversation until disconnect.
func (m *Manager) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]
	authCtx := auth.FromContext(r.Context())
	if authCtx == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket accept failed", "error", err)
		return
	}

	sess := NewSession(conversationID, authCtx.UserID, NewWSConn(ws), m.store, m.provider, m.groups, m.metrics, m.genOpts, m.logger)

	m.metrics.ActiveSessions.Inc()
	defer m.metrics.ActiveSessions.Dec()

	// The request context ends when the client disconnects; that is the
	// cancellation scope for any in-flight streaming call.
	if err := sess.Run(r.Context()); err != nil && !errors.Is(err, ErrAccessDenied) {
		m.logger.Debug("session ended with error", "error", err,
			"conversation_id", conversationID)
	}
}
