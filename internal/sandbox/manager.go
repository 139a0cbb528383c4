package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/sketchbox/internal/sandbox/governor"
	"github.com/GriffinCanCode/sketchbox/internal/sandbox/protocol"
	"github.com/GriffinCanCode/sketchbox/internal/shared/id"
)

// Manager defaults beyond the governor's limits.
const (
	DefaultSetupTimeout = 2 * time.Second
	DefaultGracePeriod  = 250 * time.Millisecond
	DefaultMaxCodeBytes = 256 * 1024
)

// Options configures a Manager.
type Options struct {
	// Limits fill zero limits of each request. Ceilings bound the limits
	// a request may ask for.
	Limits          governor.Limits
	Ceilings        governor.Limits
	HistoryCapacity int
	SetupTimeout    time.Duration
	GracePeriod     time.Duration
	MaxCodeBytes    int

	// Forwarded to the runtime with every execute message.
	RenderFrames   int
	SampleInterval time.Duration
	MaxCallStack   int

	Provisioner Provisioner
	Logger      *zap.Logger
}

// DefaultOptions returns the standard configuration with worker isolation.
func DefaultOptions() Options {
	return Options{
		Limits:          governor.DefaultLimits(),
		Ceilings:        governor.DefaultCeilings(),
		HistoryCapacity: DefaultHistoryCapacity,
		SetupTimeout:    DefaultSetupTimeout,
		GracePeriod:     DefaultGracePeriod,
		MaxCodeBytes:    DefaultMaxCodeBytes,
		SampleInterval:  governor.DefaultSampleInterval,
		Provisioner:     WorkerProvisioner{},
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	o.Limits = o.Limits.WithDefaults(d.Limits)
	o.Ceilings = o.Ceilings.WithDefaults(d.Ceilings).Raise(o.Limits)
	if o.HistoryCapacity <= 0 {
		o.HistoryCapacity = d.HistoryCapacity
	}
	if o.SetupTimeout <= 0 {
		o.SetupTimeout = d.SetupTimeout
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = d.GracePeriod
	}
	if o.MaxCodeBytes <= 0 {
		o.MaxCodeBytes = d.MaxCodeBytes
	}
	if o.SampleInterval <= 0 {
		o.SampleInterval = d.SampleInterval
	}
	if o.Provisioner == nil {
		o.Provisioner = d.Provisioner
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Manager owns one isolation boundary and drives executions on it, one at a
// time.
type Manager struct {
	opts    Options
	log     *zap.Logger
	metrics *monitoring.Metrics
	history *History

	protocolErrors atomic.Uint64

	// provisioning holds a token while a boundary is created or torn down.
	provisioning chan struct{}

	mu      sync.Mutex
	closed  bool
	session Session
	link    *link
	pending *pending
}

// NewManager creates a manager. No boundary exists until Create or the
// first Execute.
func NewManager(opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		opts:    opts,
		log:     opts.Logger.With(zap.String("component", "sandbox")),
		history: NewHistory(opts.HistoryCapacity),
		session: newSession(),

		provisioning: make(chan struct{}, 1),
	}
}

// WithMetrics adds metrics tracking to the manager
func (m *Manager) WithMetrics(metrics *monitoring.Metrics) *Manager {
	m.metrics = metrics
	return m
}

func newSession() Session {
	return Session{ID: id.NewSessionID().String(), State: StatusIdle}
}

// link is a provisioned boundary plus the goroutine reading from it.
type link struct {
	boundary Boundary
	ready    chan struct{}
	gone     chan struct{}
	cancel   context.CancelFunc

	readyOnce   sync.Once
	destroyOnce sync.Once
}

// pending is the single in-flight execution.
type pending struct {
	id        string
	events    chan outcome
	terminate chan struct{}
	resolved  chan struct{}

	deliverOnce   sync.Once
	terminateOnce sync.Once
}

func newPending() *pending {
	return &pending{
		id:        id.NewExecutionID().String(),
		events:    make(chan outcome, 1),
		terminate: make(chan struct{}),
		resolved:  make(chan struct{}),
	}
}

func (p *pending) deliver(o outcome) bool {
	delivered := false
	p.deliverOnce.Do(func() {
		p.events <- o
		delivered = true
	})
	return delivered
}

func (p *pending) requestTerminate() {
	p.terminateOnce.Do(func() { close(p.terminate) })
}

// outcome is a terminal event translated from the protocol.
type outcome struct {
	status Status
	calls  uint64
	memory uint64
	render *Render
	err    *ExecutionError
}

// Create provisions a fresh boundary, tearing down any previous one, and
// waits for the runtime's ready message. The session returns to idle.
func (m *Manager) Create(ctx context.Context) error {
	if err := m.lockProvisioning(ctx); err != nil {
		return err
	}
	defer m.unlockProvisioning()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.session.State == StatusRunning {
		m.mu.Unlock()
		return &StateError{Op: "create", State: StatusRunning}
	}
	old := m.link
	m.link = nil
	m.session = newSession()
	m.mu.Unlock()

	if old != nil {
		m.destroyLink(old, monitoring.BoundaryDestroyed)
	}
	_, err := m.provision(ctx)
	return err
}

func (m *Manager) lockProvisioning(ctx context.Context) error {
	select {
	case m.provisioning <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) unlockProvisioning() { <-m.provisioning }

// ensureLink returns the current boundary, provisioning one if needed.
// Waiting for another provisioning and the handshake both end with ctx.
func (m *Manager) ensureLink(ctx context.Context) (*link, error) {
	if err := m.lockProvisioning(ctx); err != nil {
		return nil, &LoadError{Isolation: m.opts.Provisioner.Isolation(), Err: err}
	}
	defer m.unlockProvisioning()

	m.mu.Lock()
	l := m.link
	m.mu.Unlock()
	if l != nil {
		select {
		case <-l.gone:
			m.destroyLink(l, monitoring.BoundaryDestroyed)
		default:
			return l, nil
		}
	}
	return m.provision(ctx)
}

// provision must be called holding the provisioning token.
func (m *Manager) provision(ctx context.Context) (*link, error) {
	isolation := m.opts.Provisioner.Isolation()
	fail := func(err error) (*link, error) {
		m.recordBoundary(isolation, monitoring.BoundaryFailed)
		m.log.Error("Failed to provision boundary", zap.String("isolation", isolation), zap.Error(err))
		return nil, &LoadError{Isolation: isolation, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.SetupTimeout)
	defer cancel()

	boundary, err := m.opts.Provisioner.Provision(ctx, RuntimeConfig{
		Token:  id.NewToken(),
		Logger: m.opts.Logger,
	})
	if err != nil {
		return fail(err)
	}

	watchCtx, stop := context.WithCancel(context.Background())
	l := &link{
		boundary: boundary,
		ready:    make(chan struct{}),
		gone:     make(chan struct{}),
		cancel:   stop,
	}
	go m.watch(watchCtx, l)

	select {
	case <-l.ready:
	case <-l.gone:
		m.destroyLink(l, monitoring.BoundaryFailed)
		return fail(errors.New("runtime exited before ready"))
	case <-ctx.Done():
		m.destroyLink(l, monitoring.BoundaryFailed)
		return fail(fmt.Errorf("ready handshake: %w", ctx.Err()))
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.destroyLink(l, monitoring.BoundaryDestroyed)
		return nil, ErrClosed
	}
	m.link = l
	m.mu.Unlock()

	m.recordBoundary(isolation, monitoring.BoundaryProvisioned)
	m.log.Info("Boundary ready",
		zap.String("boundary", boundary.ID()),
		zap.String("isolation", isolation))
	return l, nil
}

// Execute runs req and waits for its outcome. Limit breaches and code
// errors are reported in the result; the returned error is reserved for
// requests that never ran.
func (m *Manager) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if err := m.Validate(req); err != nil {
		return nil, err
	}
	limits := governor.Limits{
		Timeout:          req.Timeout,
		MemoryLimitBytes: req.MemoryLimitBytes,
		MaxFunctionCalls: req.MaxFunctionCalls,
	}.WithDefaults(m.opts.Limits)

	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return nil, ErrClosed
	case m.session.State == StatusRunning:
		m.mu.Unlock()
		return nil, ErrConcurrentExecution
	case m.session.State.Terminal():
		state := m.session.State
		m.mu.Unlock()
		return nil, &StateError{Op: "execute", State: state}
	}
	p := newPending()
	m.pending = p
	m.session.State = StatusRunning
	m.session.StartedAt = time.Now()
	sessionID := m.session.ID
	m.mu.Unlock()

	// Provisioning a boundary counts against the timeout.
	deadline := governor.Arm(limits.Timeout)
	defer deadline.Disarm()

	linkCtx, cancelLink := context.WithTimeout(ctx, limits.Timeout)
	l, err := m.ensureLink(linkCtx)
	cancelLink()
	if err == nil {
		err = m.send(l, protocol.TypeExecute, sessionID, protocol.Execute{
			Code:             req.Code,
			MemoryLimitBytes: limits.MemoryLimitBytes,
			MaxFunctionCalls: limits.MaxFunctionCalls,
			RenderFrames:     m.opts.RenderFrames,
			SampleIntervalMS: m.opts.SampleInterval.Milliseconds(),
			MaxCallStack:     m.opts.MaxCallStack,
		})
		if err != nil {
			m.destroyLink(l, monitoring.BoundaryFailed)
			err = &LoadError{Isolation: l.boundary.Isolation(), Err: err}
		}
	}
	if err != nil {
		m.mu.Lock()
		m.session.State = StatusIdle
		m.session.StartedAt = time.Time{}
		m.pending = nil
		m.mu.Unlock()
		close(p.resolved)
		return nil, err
	}

	log := m.log.With(
		zap.String("execution", p.id),
		zap.String("session", sessionID),
		zap.String("boundary", l.boundary.ID()))
	log.Debug("Execution started",
		zap.Int("code_bytes", len(req.Code)),
		zap.Duration("timeout", limits.Timeout),
		zap.Uint64("max_function_calls", limits.MaxFunctionCalls))
	if m.metrics != nil {
		m.metrics.ExecutionStarted()
		defer m.metrics.ExecutionFinished()
	}

	var out outcome
	select {
	case out = <-p.events:
	case <-deadline.C():
		out = m.abort(l, p, sessionID, KindTimeout,
			fmt.Sprintf("execution exceeded the %s timeout", limits.Timeout))
	case <-p.terminate:
		out = m.abort(l, p, sessionID, KindTerminated, "execution terminated")
	case <-ctx.Done():
		out = m.abort(l, p, sessionID, KindTerminated,
			fmt.Sprintf("execution cancelled: %v", ctx.Err()))
	case <-l.gone:
		m.destroyLink(l, monitoring.BoundaryDestroyed)
		out = outcome{
			status: StatusError,
			err:    &ExecutionError{Kind: KindException, Message: "runtime exited unexpectedly"},
		}
	}

	result := &ExecutionResult{
		ID:                p.id,
		SessionID:         sessionID,
		Status:            out.status,
		ExecutionTime:     deadline.Elapsed(),
		FunctionCallCount: out.calls,
		MemoryUsedBytes:   out.memory,
		Error:             out.err,
		Render:            out.render,
	}
	m.resolve(p, result)
	m.history.Record(*result, req.Code)

	if m.metrics != nil {
		m.metrics.RecordExecution(string(result.Status), result.ExecutionTime, result.FunctionCallCount, result.MemoryUsedBytes)
	}
	log.Info("Execution finished",
		zap.String("status", string(result.Status)),
		zap.Duration("duration", result.ExecutionTime),
		zap.Uint64("function_calls", result.FunctionCallCount))
	return result, nil
}

func (m *Manager) resolve(p *pending, result *ExecutionResult) {
	m.mu.Lock()
	m.session.State = result.Status
	m.session.FunctionCallCount = result.FunctionCallCount
	m.session.MemoryUsedBytes = result.MemoryUsedBytes
	if result.Error != nil {
		m.session.Errors = append(m.session.Errors, *result.Error)
	}
	if m.pending == p {
		m.pending = nil
	}
	m.mu.Unlock()
	close(p.resolved)
}

// abort runs the terminate path: ask the runtime to stop, wait out the
// grace period for any terminal acknowledgement, then destroy the boundary
// if none came.
func (m *Manager) abort(l *link, p *pending, sessionID string, kind ErrorKind, message string) outcome {
	status := StatusTerminated
	if kind == KindTimeout {
		status = StatusTimeout
	}
	out := outcome{
		status: status,
		err:    &ExecutionError{Kind: kind, Message: message},
	}

	if err := m.send(l, protocol.TypeTerminate, sessionID, protocol.Terminate{}); err != nil {
		m.log.Debug("Failed to send terminate", zap.String("boundary", l.boundary.ID()), zap.Error(err))
	}

	grace := time.NewTimer(m.opts.GracePeriod)
	defer grace.Stop()

	select {
	case ack := <-p.events:
		out.calls = ack.calls
		out.memory = ack.memory
	case <-l.gone:
		m.destroyLink(l, monitoring.BoundaryDestroyed)
	case <-grace.C:
		m.log.Warn("Runtime did not acknowledge terminate, destroying boundary",
			zap.String("boundary", l.boundary.ID()),
			zap.Duration("grace_period", m.opts.GracePeriod))
		m.destroyLink(l, monitoring.BoundaryForced)
	}
	return out
}

// Terminate stops the running execution, if any, and returns once its
// Execute call has resolved.
func (m *Manager) Terminate() {
	m.mu.Lock()
	p := m.pending
	m.mu.Unlock()
	if p == nil {
		return
	}
	p.requestTerminate()
	<-p.resolved
}

// Reset clears the session and returns it to idle. The boundary is kept.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.session.State == StatusRunning {
		return &StateError{Op: "reset", State: StatusRunning}
	}
	m.session = newSession()
	return nil
}

// State returns the session state.
func (m *Manager) State() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.State
}

// Session returns a copy of the session.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.session
	s.Errors = append([]ExecutionError(nil), m.session.Errors...)
	return s
}

// History returns past executions, oldest first.
func (m *Manager) History() []ExecutionHistoryEntry {
	return m.history.Entries()
}

// HistoryStats summarises the retained history.
func (m *Manager) HistoryStats() HistoryStats {
	return m.history.Stats()
}

// ProtocolErrors returns the number of frames dropped so far.
func (m *Manager) ProtocolErrors() uint64 {
	return m.protocolErrors.Load()
}

// Isolation returns the manager's isolation mode.
func (m *Manager) Isolation() string {
	return m.opts.Provisioner.Isolation()
}

// Close terminates any running execution and destroys the boundary. Every
// later call fails with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.Terminate()

	m.provisioning <- struct{}{}
	defer m.unlockProvisioning()
	m.mu.Lock()
	l := m.link
	m.link = nil
	m.mu.Unlock()
	if l != nil {
		m.destroyLink(l, monitoring.BoundaryDestroyed)
	}
	return nil
}

// Validate reports why req would be refused without running it. Execute
// applies the same checks.
func (m *Manager) Validate(req ExecutionRequest) error {
	if strings.TrimSpace(req.Code) == "" {
		return fmt.Errorf("%w: code is required", ErrInvalidRequest)
	}
	if len(req.Code) > m.opts.MaxCodeBytes {
		return fmt.Errorf("%w: code is %d bytes, limit is %d", ErrInvalidRequest, len(req.Code), m.opts.MaxCodeBytes)
	}
	if !utf8.ValidString(req.Code) {
		return fmt.Errorf("%w: code is not valid UTF-8", ErrInvalidRequest)
	}
	if req.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidRequest)
	}
	requested := governor.Limits{
		Timeout:          req.Timeout,
		MemoryLimitBytes: req.MemoryLimitBytes,
		MaxFunctionCalls: req.MaxFunctionCalls,
	}
	if err := requested.Within(m.opts.Ceilings); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if mt := mimetype.Detect([]byte(req.Code)); !isText(mt) {
		return fmt.Errorf("%w: code looks like %s, not text", ErrInvalidRequest, mt.String())
	}
	return nil
}

func isText(mt *mimetype.MIME) bool {
	for ; mt != nil; mt = mt.Parent() {
		if mt.Is("text/plain") {
			return true
		}
	}
	return false
}

func (m *Manager) send(l *link, typ protocol.Type, sessionID string, payload any) error {
	frame, err := protocol.Encode(typ, l.boundary.Token(), sessionID, payload)
	if err != nil {
		return err
	}
	return l.boundary.Transport().Send(frame)
}

func (m *Manager) destroyLink(l *link, event string) {
	l.destroyOnce.Do(func() {
		l.cancel()
		if err := l.boundary.Destroy(); err != nil {
			m.log.Warn("Failed to destroy boundary", zap.String("boundary", l.boundary.ID()), zap.Error(err))
		}
		m.recordBoundary(l.boundary.Isolation(), event)
		m.log.Debug("Boundary destroyed", zap.String("boundary", l.boundary.ID()), zap.String("event", event))
	})

	m.mu.Lock()
	if m.link == l {
		m.link = nil
	}
	m.mu.Unlock()
}

func (m *Manager) recordBoundary(isolation, event string) {
	if m.metrics != nil {
		m.metrics.RecordBoundary(isolation, event)
	}
}
