// Package session runs streaming sessions on behalf of the host: it
// starts sender and receiver pipelines, allows at most one per peer and
// role, restarts failed ones with backoff and fans state changes out to
// subscribers.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vishalkuo/bimap"
	"k8s.io/utils/clock"
	"k8s.io/utils/keymutex"

	"github.com/zsiec/vidlink/internal/certs"
	"github.com/zsiec/vidlink/internal/pipeline"
	"github.com/zsiec/vidlink/internal/sdp"
	"github.com/zsiec/vidlink/internal/transport"
)

const (
	defaultRestartBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
	defaultStableAfter    = time.Minute
	keyLockBuckets        = 64
)

// ManagerConfig controls restart behavior.
type ManagerConfig struct {
	// MaxRestarts is how many times a faulted session is recreated before
	// it is reported as finally failed. Zero disables restarts.
	MaxRestarts int
	// RestartBackoff is the first restart delay; it doubles per attempt up
	// to MaxBackoff.
	RestartBackoff time.Duration
	MaxBackoff     time.Duration
	// StableAfter resets the restart count once a run has lasted this long.
	StableAfter time.Duration
	// Identity is presented by QUIC receivers. One is generated per
	// session when nil.
	Identity *certs.Identity
	Clock    clock.WithTicker
	// NewPipeline builds the pipeline for a spec. Defaults to
	// pipeline.NewSender or pipeline.NewReceiver by role.
	NewPipeline func(Spec, pipeline.Options, *slog.Logger) (pipeline.Pipeline, error)
}

func newPipeline(spec Spec, opts pipeline.Options, log *slog.Logger) (pipeline.Pipeline, error) {
	if spec.Role == transport.RoleSend {
		return pipeline.NewSender(opts, spec.Source, log)
	}
	return pipeline.NewReceiver(opts, spec.Sink, log)
}

// Manager owns the lifecycle of all sessions.
type Manager struct {
	log    *slog.Logger
	cfg    ManagerConfig
	ctx    context.Context
	cancel context.CancelFunc
	keys   keymutex.KeyMutex

	mu       sync.RWMutex
	sessions map[string]*entry
	index    *bimap.BiMap[string, string] // (peer, role) key <-> session id
	closed   bool

	subMu         sync.Mutex
	subs          map[int]chan Event
	nextSub       int
	subsClosed    bool
	eventsDropped atomic.Int64
}

type entry struct {
	id        string
	key       string
	spec      Spec
	log       *slog.Logger
	startedAt time.Time

	mu          sync.Mutex
	gen         int
	pipe        pipeline.Pipeline
	cancel      context.CancelFunc
	done        chan struct{}
	state       transport.State
	lastErr     error
	restarts    int
	runStart    time.Time
	nextRestart time.Time
	stopping    bool
	final       bool
}

// NewManager creates a session manager. If log is nil, slog.Default() is used.
func NewManager(cfg ManagerConfig, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = defaultRestartBackoff
	}
	if cfg.MaxBackoff < cfg.RestartBackoff {
		cfg.MaxBackoff = max(defaultMaxBackoff, cfg.RestartBackoff)
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = defaultStableAfter
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.NewPipeline == nil {
		cfg.NewPipeline = newPipeline
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		log:      log.With("component", "session-manager"),
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		keys:     keymutex.NewHashed(keyLockBuckets),
		sessions: make(map[string]*entry),
		index:    bimap.NewBiMap[string, string](),
		subs:     make(map[int]chan Event),
	}
}

// Start validates spec, builds its pipeline and runs it in the
// background. ctx bounds only the start itself; the session lives until
// Stop, Close or final failure. A second session for the same peer and
// role is rejected with ErrDuplicate.
func (m *Manager) Start(ctx context.Context, spec Spec) (string, error) {
	if err := spec.validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key := spec.key()
	m.keys.LockKey(key)
	defer m.keys.UnlockKey(key)

	if err := m.claimable(key); err != nil {
		return "", err
	}

	e := &entry{
		id:        uuid.NewString(),
		key:       key,
		spec:      spec,
		startedAt: m.cfg.Clock.Now(),
		state:     transport.StateIdle,
	}
	e.log = m.log.With("session", e.id, "role", spec.Role.String())

	pipe, gen, err := m.build(e)
	if err != nil {
		return "", err
	}
	// Published entries always carry a pipeline for Debug and Describe.
	e.pipe = pipe

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	m.sessions[e.id] = e
	m.index.Insert(key, e.id)
	m.mu.Unlock()

	m.launch(e, pipe, gen)
	e.log.Info("session started", "peer", spec.Peer, "listen", spec.Listen, "transport", spec.Stream.Transport)
	return e.id, nil
}

func (m *Manager) claimable(key string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	if id, ok := m.index.Get(key); ok {
		m.log.Warn("session already active, rejecting duplicate", "key", key, "session", id)
		return fmt.Errorf("%w: %s (session %s)", ErrDuplicate, key, id)
	}
	return nil
}

// build constructs a fresh pipeline for e. Each restart gets a new
// generation so callbacks from an earlier run are ignored.
func (m *Manager) build(e *entry) (pipeline.Pipeline, int, error) {
	e.mu.Lock()
	e.gen++
	gen := e.gen
	e.mu.Unlock()

	opts := pipeline.Options{
		Stream:      e.spec.Stream,
		Peer:        e.spec.Peer,
		Listen:      e.spec.Listen,
		StreamID:    e.spec.StreamID,
		Fingerprint: e.spec.Fingerprint,
		Identity:    m.cfg.Identity,
		Clock:       m.cfg.Clock,
		OnState: func(st transport.State, err error) {
			m.onState(e, gen, st, err)
		},
	}
	pipe, err := m.cfg.NewPipeline(e.spec, opts, e.log)
	if err != nil {
		return nil, gen, err
	}
	return pipe, gen, nil
}

func (m *Manager) launch(e *entry, pipe pipeline.Pipeline, gen int) {
	ctx, cancel := context.WithCancel(m.ctx)
	done := make(chan struct{})

	e.mu.Lock()
	e.pipe, e.cancel, e.done = pipe, cancel, done
	e.runStart = m.cfg.Clock.Now()
	e.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		err := pipe.Run(ctx)
		m.exited(e, gen, err)
	}()
}

// onState forwards transport progress. Faults and closes are reported
// by exited and stop, which know whether the session will continue.
func (m *Manager) onState(e *entry, gen int, st transport.State, _ error) {
	if st != transport.StateConnecting && st != transport.StateStreaming {
		return
	}
	e.mu.Lock()
	if e.gen != gen || e.stopping || e.final {
		e.mu.Unlock()
		return
	}
	e.state = st
	e.mu.Unlock()
	m.emit(e, st, nil, false)
}

// exited records the end of a run that was not requested by Stop.
func (m *Manager) exited(e *entry, gen int, err error) {
	e.mu.Lock()
	if e.stopping || e.gen != gen {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	if err == nil {
		err = transport.ErrClosed
	}
	m.fail(e, err)
}

// fail moves e to Faulted and either schedules a restart or, once the
// restart budget is spent, removes it for good.
func (m *Manager) fail(e *entry, err error) {
	now := m.cfg.Clock.Now()

	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return
	}
	if now.Sub(e.runStart) >= m.cfg.StableAfter {
		e.restarts = 0
	}
	e.state = transport.StateFaulted
	e.lastErr = err
	final := e.restarts >= m.cfg.MaxRestarts
	var delay time.Duration
	if final {
		e.final = true
	} else {
		delay = m.backoff(e.restarts)
		e.nextRestart = now.Add(delay)
	}
	restarts := e.restarts
	e.mu.Unlock()

	if final {
		m.remove(e)
		e.log.Error("session failed", "error", err, "restarts", restarts)
	} else {
		e.log.Warn("session faulted, restart scheduled", "error", err, "in", delay, "attempt", restarts+1)
	}
	m.emit(e, transport.StateFaulted, err, final)
}

func (m *Manager) backoff(restarts int) time.Duration {
	d := m.cfg.RestartBackoff
	for range restarts {
		d *= 2
		if d >= m.cfg.MaxBackoff {
			return m.cfg.MaxBackoff
		}
	}
	return d
}

// Tick restarts faulted sessions whose backoff has elapsed at now.
func (m *Manager) Tick(now time.Time) {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	for _, e := range entries {
		if e.restartDue(now) {
			m.restart(e, now)
		}
	}
}

func (e *entry) restartDue(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == transport.StateFaulted && !e.final && !e.stopping && !now.Before(e.nextRestart)
}

// restart recreates the transport and codec for e under its key lock.
func (m *Manager) restart(e *entry, now time.Time) {
	m.keys.LockKey(e.key)
	defer m.keys.UnlockKey(e.key)

	if !e.restartDue(now) {
		return
	}
	e.mu.Lock()
	e.restarts++
	e.state = transport.StateIdle
	attempt := e.restarts
	e.mu.Unlock()

	pipe, gen, err := m.build(e)
	if err != nil {
		m.fail(e, fmt.Errorf("restart: %w", err))
		return
	}
	m.launch(e, pipe, gen)
	e.log.Info("session restarted", "attempt", attempt)
}

// Run calls Tick every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	t := m.cfg.Clock.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C():
			m.Tick(m.cfg.Clock.Now())
		}
	}
}

// Stop ends a session and releases its transport, encoder and decoder
// before returning.
func (m *Manager) Stop(id string) error {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	m.keys.LockKey(e.key)
	defer m.keys.UnlockKey(e.key)
	return m.stop(e)
}

func (m *Manager) stop(e *entry) error {
	e.mu.Lock()
	if e.stopping || e.final {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, e.id)
	}
	e.stopping = true
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	e.mu.Lock()
	e.state = transport.StateClosed
	e.mu.Unlock()
	m.remove(e)
	e.log.Info("session stopped")
	m.emit(e, transport.StateClosed, nil, true)
	return nil
}

func (m *Manager) remove(e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[e.id] == e {
		delete(m.sessions, e.id)
		m.index.Delete(e.key)
	}
}

// Close stops every session and ends all subscriptions. The manager
// rejects new sessions afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.keys.LockKey(e.key)
			defer m.keys.UnlockKey(e.key)
			m.stop(e)
		}()
	}
	wg.Wait()
	m.cancel()

	m.subMu.Lock()
	m.subsClosed = true
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.subMu.Unlock()
	return nil
}

// Subscribe returns a channel of session events and a function that
// ends the subscription. Events are dropped for subscribers whose buffer
// is full.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.subsClosed {
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	return ch, func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

// EventsDropped counts events not delivered to slow subscribers.
func (m *Manager) EventsDropped() int64 { return m.eventsDropped.Load() }

func (m *Manager) emit(e *entry, st transport.State, err error, final bool) {
	ev := Event{
		SessionID: e.id,
		Peer:      e.spec.Peer,
		Listen:    e.spec.Listen,
		Role:      e.spec.Role,
		State:     st,
		Final:     final,
		At:        m.cfg.Clock.Now(),
	}
	if err != nil {
		ev.Err = err.Error()
	}

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.eventsDropped.Add(1)
		}
	}
}

// List returns a snapshot of all sessions.
func (m *Manager) List() []Info {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, e.info())
	}
	return infos
}

// Get returns a snapshot of one session.
func (m *Manager) Get(id string) (Info, bool) {
	e, ok := m.lookup(id)
	if !ok {
		return Info{}, false
	}
	return e.info(), true
}

// Len returns the number of sessions that have not ended.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) lookup(id string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	return e, ok
}

func (e *entry) info() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	info := Info{
		ID:        e.id,
		Peer:      e.spec.Peer,
		Listen:    e.spec.Listen,
		Role:      e.spec.Role,
		Transport: e.spec.Stream.Transport,
		State:     e.state,
		Restarts:  e.restarts,
		StartedAt: e.startedAt,
	}
	if e.pipe != nil {
		info.LocalAddr = e.pipe.PipelineDebug().Transport.LocalAddr
	}
	if e.lastErr != nil {
		info.LastError = e.lastErr.Error()
	}
	return info
}

func (e *entry) pipeline() pipeline.Pipeline {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pipe
}

// Debug returns the pipeline counters of a session.
func (m *Manager) Debug(id string) (pipeline.Debug, error) {
	e, ok := m.lookup(id)
	if !ok {
		return pipeline.Debug{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.pipeline().PipelineDebug(), nil
}

// Describe renders an SDP description of a session's stream. Receivers
// describe their bound address, senders the peer they send to.
func (m *Manager) Describe(id string) ([]byte, error) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	pipe := e.pipeline()
	st := pipe.PipelineDebug().Transport

	addr := st.LocalAddr
	if e.spec.Role == transport.RoleSend {
		addr = e.spec.Peer
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: no address yet", sdp.ErrNotReady)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port == 0 {
		return nil, fmt.Errorf("%w: no port yet", sdp.ErrNotReady)
	}
	if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		host = ""
	}
	return sdp.Describe(sdp.Description{
		SessionName: "vidlink " + e.id,
		Address:     host,
		Port:        port,
		Params:      pipe.ParameterSets(),
	})
}
