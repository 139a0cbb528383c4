package ws

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/sketchbox/internal/api/types"
	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/sketchbox/internal/sandbox"
)

const (
	writeWait = 10 * time.Second
	// Room for the envelope around the largest accepted sketch.
	frameOverhead = 4096
)

// Handler manages WebSocket connections. Every connection gets its own
// Manager, so a client drives a single session with the full lifecycle:
// execute, terminate, reset.
type Handler struct {
	opts     sandbox.Options
	metrics  *monitoring.Metrics
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a handler whose managers use opts. checkOrigin may be
// nil to allow every origin.
func NewHandler(opts sandbox.Options, metrics *monitoring.Metrics, logger *zap.Logger, checkOrigin func(*http.Request) bool) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	if opts.Logger == nil {
		opts.Logger = logger
	}
	return &Handler{
		opts:    opts,
		metrics: metrics,
		log:     logger.With(zap.String("component", "ws")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// conn is one client connection and the session it drives.
type conn struct {
	h       *Handler
	ws      *websocket.Conn
	manager *sandbox.Manager
	log     *zap.Logger

	writeMu sync.Mutex
	running sync.WaitGroup
	busy    atomic.Bool

	// stop cancels the in-flight execution, covering the window before
	// the manager has registered it.
	stopMu sync.Mutex
	stop   context.CancelFunc
}

// HandleConnection upgrades the request and serves messages until the
// client goes away.
func (h *Handler) HandleConnection(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	if h.metrics != nil {
		h.metrics.IncWSConnections()
		defer h.metrics.DecWSConnections()
	}

	manager := sandbox.NewManager(h.opts)
	if h.metrics != nil {
		manager.WithMetrics(h.metrics)
	}
	cn := &conn{
		h:       h,
		ws:      ws,
		manager: manager,
		log:     h.log.With(zap.String("remote", c.ClientIP())),
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer func() {
		cancel()
		manager.Close()
		cn.running.Wait()
	}()

	cn.log.Debug("WebSocket connected")
	cn.send(types.ServerMessage{Type: types.MsgReady, SessionID: manager.Session().ID, State: manager.State()})
	cn.serve(ctx)
	cn.log.Debug("WebSocket disconnected")
}

func (cn *conn) serve(ctx context.Context) {
	cn.ws.SetReadLimit(int64(cn.h.maxCodeBytes() + frameOverhead))
	for {
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cn.log.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}

		var msg types.ClientMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			cn.sendError(types.CodeInvalidRequest, "malformed message")
			continue
		}
		cn.record("in", msg.Type)

		switch msg.Type {
		case types.MsgExecute:
			cn.execute(ctx, msg.ExecuteRequest)
		case types.MsgTerminate:
			// The result message comes from the execute goroutine.
			cn.terminate()
		case types.MsgReset:
			if err := cn.manager.Reset(); err != nil {
				_, code := types.Classify(err)
				cn.sendError(code, err.Error())
				continue
			}
			cn.send(types.ServerMessage{Type: types.MsgReady, SessionID: cn.manager.Session().ID, State: sandbox.StatusIdle})
		case types.MsgPing:
			cn.send(types.ServerMessage{Type: types.MsgPong})
		default:
			cn.sendError(types.CodeInvalidRequest, "unknown message type")
		}
	}
}

func (cn *conn) execute(ctx context.Context, req types.ExecuteRequest) {
	if err := cn.manager.Validate(req.Sandbox()); err != nil {
		cn.sendError(types.CodeInvalidRequest, err.Error())
		return
	}
	if !cn.busy.CompareAndSwap(false, true) {
		cn.sendError(types.CodeConcurrent, sandbox.ErrConcurrentExecution.Error())
		return
	}
	if state := cn.manager.State(); state.Terminal() {
		cn.busy.Store(false)
		err := &sandbox.StateError{Op: "execute", State: state}
		cn.sendError(types.CodeInvalidState, err.Error())
		return
	}

	execCtx, stop := context.WithCancel(ctx)
	cn.stopMu.Lock()
	cn.stop = stop
	cn.stopMu.Unlock()

	cn.running.Add(1)
	go func() {
		defer cn.running.Done()
		defer stop()

		sessionID := cn.manager.Session().ID
		cn.send(types.ServerMessage{Type: types.MsgStarted, SessionID: sessionID, State: sandbox.StatusRunning})
		result, err := cn.manager.Execute(execCtx, req.Sandbox())
		cn.busy.Store(false)
		if err != nil {
			_, code := types.Classify(err)
			cn.sendError(code, err.Error())
			return
		}
		cn.send(types.ServerMessage{Type: types.MsgResult, SessionID: result.SessionID, State: result.Status, Result: result})
	}()
}

func (cn *conn) terminate() {
	cn.stopMu.Lock()
	stop := cn.stop
	cn.stopMu.Unlock()
	if stop != nil {
		stop()
	}
	go cn.manager.Terminate()
}

func (cn *conn) send(msg types.ServerMessage) {
	msg.Timestamp = time.Now().Unix()
	data, err := sonic.Marshal(msg)
	if err != nil {
		cn.log.Error("Failed to encode message", zap.String("type", msg.Type), zap.Error(err))
		return
	}

	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()
	_ = cn.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := cn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		cn.log.Debug("WebSocket write failed", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	cn.record("out", msg.Type)
}

func (cn *conn) sendError(code, message string) {
	cn.send(types.ServerMessage{Type: types.MsgError, Code: code, Error: message})
}

func (cn *conn) record(direction, msgType string) {
	if cn.h.metrics != nil {
		cn.h.metrics.RecordWSMessage(direction, msgType)
	}
}

func (h *Handler) maxCodeBytes() int {
	if h.opts.MaxCodeBytes > 0 {
		return h.opts.MaxCodeBytes
	}
	return sandbox.DefaultMaxCodeBytes
}
