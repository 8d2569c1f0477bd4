package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/auth"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/changes"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/coordinator"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/presence"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/realtime"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const healthCheckTimeout = 2 * time.Second

var errMissingCoordinator = errors.New("coordinator dependency required")

// Coordinator is the session logic the socket protocol drives.
type Coordinator interface {
	Connect(connection realtime.Connection, verifiedUserID string)
	Disconnect(ctx context.Context, connectionID string)
	Authenticate(ctx context.Context, connectionID string, input coordinator.AuthenticateInput) error
	Subscribe(ctx context.Context, connectionID, tableID, viewID string) error
	Unsubscribe(ctx context.Context, connectionID, tableID string) error
	UpdateCursor(ctx context.Context, connectionID, tableID string, cursor presence.Cursor) error
	UpdateSelection(ctx context.Context, connectionID, tableID string, selection presence.Selection) error
	SubmitRecordChange(ctx context.Context, connectionID string, input coordinator.RecordChangeInput) (*changes.ChangeEvent, error)
	SubmitBatchChanges(ctx context.Context, connectionID, tableID, baseID string, inputs []coordinator.RecordChangeInput) ([]changes.ChangeEvent, error)
	SyncOfflineChanges(ctx context.Context, connectionID string, events []changes.ChangeEvent) (int, error)
	Heartbeat(ctx context.Context, connectionID, tableID string) error
	RecoverConnection(ctx context.Context, connectionID string, input coordinator.RecoverInput) (int, error)
}

// SessionValidator verifies the session token carried by a socket handshake.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// HealthCheck reports whether a backing service is reachable.
type HealthCheck func(ctx context.Context) error

// Dependencies wires the HTTP surface. SessionValidator is optional; without
// it sockets connect anonymously and identity comes from authenticate alone.
type Dependencies struct {
	Coordinator      Coordinator
	SessionValidator SessionValidator
	HealthChecks     map[string]HealthCheck
	AllowedOrigins   []string
	Socket           SocketOptions
	Logger           *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	allowedOrigins := deps.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		coordinator: deps.Coordinator,
		sessions:    deps.SessionValidator,
		checks:      deps.HealthChecks,
		socket:      deps.Socket.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		dispatcher: &dispatcher{
			coordinator: deps.Coordinator,
			validate:    newPayloadValidator(),
			logger:      logger,
		},
		logger: logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws", handler.handleSocket)

	return router, nil
}

type httpHandler struct {
	coordinator Coordinator
	sessions    SessionValidator
	checks      map[string]HealthCheck
	socket      SocketOptions
	upgrader    websocket.Upgrader
	dispatcher  *dispatcher
	logger      *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	c.JSON(status, gin.H{"status": overall, "checks": results})
}

func (h *httpHandler) handleSocket(c *gin.Context) {
	verifiedUserID := ""
	if h.sessions != nil {
		claims, err := h.sessions.ValidateRequest(c.Request)
		if err != nil {
			if errors.Is(err, auth.ErrExpiredSessionToken) {
				h.logger.Info("socket token validation failed", zap.Error(err))
			} else {
				h.logger.Warn("socket token validation failed", zap.Error(err))
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		verifiedUserID = claims.UserID
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("socket upgrade failed", zap.Error(err))
		return
	}

	ctx := c.Request.Context()
	socket := newSocketConnection(conn, h.socket, h.logger)
	h.coordinator.Connect(socket, verifiedUserID)
	h.logger.Debug("socket connected",
		zap.String("connection_id", socket.ID()),
		zap.String("verified_user_id", verifiedUserID))

	go socket.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			socket.close()
		case <-socket.done:
		}
	}()

	socket.readLoop(func(data []byte) {
		h.dispatcher.handle(ctx, socket, data)
	})

	h.coordinator.Disconnect(context.WithoutCancel(ctx), socket.ID())
	h.logger.Debug("socket disconnected", zap.String("connection_id", socket.ID()))
}

// originChecker accepts any origin when "*" is allowed, otherwise requires an
// exact match. Handshakes without an Origin header are non-browser clients.
func originChecker(allowed []string) func(r *http.Request) bool {
	permitted := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		permitted[origin] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || permitted[origin]
	}
}
