package controller

import (
	"net/http"
	"sync"
	"time"

	"judgeflow/internal/common/eventbus"
	"judgeflow/internal/common/http/middleware"
	"judgeflow/internal/common/mq"
	"judgeflow/internal/judge/model"
	"judgeflow/internal/judge/service"
	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/logger"
	"judgeflow/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultHeartbeat      = 25 * time.Second
	defaultMaxConnections = 1024
	defaultWriteTimeout   = 10 * time.Second
	pendingSignals        = 64
)

var (
	sseConnected       = []byte("data: {\"message\":\"connected\"}\n\n")
	sseNewNotification = []byte("data: {\"message\":\"new_notification\"}\n\n")
	sseHeartbeat       = []byte(": heartbeat\n\n")
)

// streamFrame is the JSON frame of both stream transports.
type streamFrame struct {
	Message string `json:"message"`
}

// StreamConfig holds live stream settings.
type StreamConfig struct {
	Heartbeat      time.Duration
	MaxConnections int
	WriteTimeout   time.Duration
	AllowedOrigins []string
}

// StreamController pushes notification signals to authenticated live
// connections. Frames carry no result data; clients fetch it afterwards.
type StreamController struct {
	bus          *eventbus.Bus
	limiter      *mq.TokenLimiter
	heartbeat    time.Duration
	writeTimeout time.Duration
	upgrader     websocket.Upgrader

	closeOnce sync.Once
	done      chan struct{}
}

// NewStreamController creates a stream controller.
func NewStreamController(bus *eventbus.Bus, cfg StreamConfig) *StreamController {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	h := &StreamController{
		bus:          bus,
		limiter:      mq.NewTokenLimiter(cfg.MaxConnections),
		heartbeat:    cfg.Heartbeat,
		writeTimeout: cfg.WriteTimeout,
		done:         make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if len(cfg.AllowedOrigins) > 0 {
		allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
		for _, origin := range cfg.AllowedOrigins {
			allowed[origin] = struct{}{}
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			_, wildcard := allowed["*"]
			return ok || wildcard
		}
	}
	return h
}

// Close ends every open stream. The HTTP server does not cancel streaming
// requests on Shutdown, so call it first.
func (h *StreamController) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Stream serves the server-sent events transport.
func (h *StreamController) Stream(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "")
		return
	}
	signals, leave, err := h.join(userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer leave()

	ctx := c.Request.Context()
	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	rc := http.NewResponseController(c.Writer)
	write := func(frame []byte) bool {
		_ = rc.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		if _, err := c.Writer.Write(frame); err != nil {
			return false
		}
		c.Writer.Flush()
		return true
	}
	if !write(sseConnected) {
		return
	}
	logger.Info(ctx, "notification stream opened", zap.String("transport", "sse"))

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "notification stream closed by client", zap.String("transport", "sse"))
			return
		case <-h.done:
			return
		case <-signals:
			if !write(sseNewNotification) {
				return
			}
		case <-ticker.C:
			if !write(sseHeartbeat) {
				return
			}
		}
	}
}

// WebSocket serves the websocket transport with the same frames.
func (h *StreamController) WebSocket(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "")
		return
	}
	signals, leave, err := h.join(userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer leave()

	ctx := c.Request.Context()
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(ctx, "websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	write := func(msg string) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		return conn.WriteJSON(streamFrame{Message: msg}) == nil
	}
	if !write("connected") {
		return
	}
	logger.Info(ctx, "notification stream opened", zap.String("transport", "websocket"))

	// Client frames are ignored; the read loop only notices disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			logger.Info(ctx, "notification stream closed by client", zap.String("transport", "websocket"))
			return
		case <-h.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
				time.Now().Add(time.Second))
			return
		case <-signals:
			if !write("new_notification") {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
		}
	}
}

// join takes a connection slot and registers one listener for userID. The
// returned leave frees the slot before dropping the listener.
func (h *StreamController) join(userID string) (<-chan struct{}, func(), error) {
	select {
	case <-h.done:
		return nil, nil, appErr.New(appErr.ServiceUnavailable).WithMessage("server is shutting down")
	default:
	}
	if !h.limiter.TryAcquire() {
		return nil, nil, appErr.New(appErr.StreamCapacity)
	}
	service.LiveSubscribers.Inc()

	// Signals are coalesced when the connection falls behind since every
	// frame means the same thing.
	signals := make(chan struct{}, pendingSignals)
	sub := h.bus.On(model.EventNotification, func(payload any) {
		event, ok := payload.(model.NotificationEvent)
		if !ok || !event.Targets(userID) {
			return
		}
		select {
		case signals <- struct{}{}:
		default:
		}
	})
	leave := func() {
		service.LiveSubscribers.Dec()
		h.limiter.Release()
		sub.Off()
	}
	return signals, leave, nil
}
