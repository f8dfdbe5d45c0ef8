package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/continuia/secondopinion-chat/internal/agent"
	"github.com/continuia/secondopinion-chat/internal/domain"
)

// ErrConnectionFailed is reported to OnError whenever the socket drops or
// cannot be opened.
var ErrConnectionFailed = errors.New("agent connection failed")

// Conn is the subset of *websocket.Conn the manager uses.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens agent sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials with coder/websocket.
type WebSocketDialer struct {
	Options *websocket.DialOptions
}

// Dial implements Dialer.
func (d WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, d.Options)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Toucher refreshes session activity.
type Toucher interface {
	Touch(ctx context.Context) error
}

// Handlers receive manager notifications. Handlers run one at a time in
// event order and must not call Connect or Close synchronously.
type Handlers struct {
	OnMessage     func(domain.ChatMessage)
	OnStateChange func(domain.ConnectionState)
	OnError       func(error)
}

// URLFunc maps a session to its socket address.
type URLFunc func(sessionID, agentName string) string

// Config wires a Manager.
type Config struct {
	Policy  Policy
	Dialer  Dialer
	URL     URLFunc
	Toucher Toucher
}

// Manager owns the single agent WebSocket.
type Manager struct {
	policy  Policy
	dialer  Dialer
	urlFor  URLFunc
	toucher Toucher
	logger  *slog.Logger

	mu           sync.Mutex
	handlers     Handlers
	machine      Machine
	sessionID    string
	agentName    string
	conn         Conn
	gen          uint64
	dialCancel   context.CancelFunc
	connectTimer *time.Timer
	retryTimer   *time.Timer
	wg           sync.WaitGroup

	// notifyMu serialises event handling and handler calls.
	notifyMu sync.Mutex
}

// NewManager creates an idle manager.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Policy == (Policy{}) {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = WebSocketDialer{}
	}
	return &Manager{
		policy:  cfg.Policy,
		dialer:  cfg.Dialer,
		urlFor:  cfg.URL,
		toucher: cfg.Toucher,
		logger:  logger,
	}
}

// SetHandlers replaces the notification handlers.
func (m *Manager) SetHandlers(h Handlers) {
	m.mu.Lock()
	m.handlers = h
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machine.State
}

// Attempts returns the number of consecutive failed attempts.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machine.Attempts
}

// Connect opens a socket for the session. It is a no-op while a socket is
// already connecting or connected.
func (m *Manager) Connect(sessionID, agentName string) {
	m.mu.Lock()
	if m.machine.State != domain.ConnectionConnecting && m.machine.State != domain.ConnectionConnected {
		m.sessionID = sessionID
		m.agentName = agentName
	}
	m.mu.Unlock()

	m.dispatch(Event{Kind: EventConnect}, 0, nil)
}

// Close shuts the socket down, cancels pending timers, and waits for the
// socket goroutines to exit. The manager returns to idle and may be
// connected again.
func (m *Manager) Close() {
	m.dispatch(Event{Kind: EventShutdown}, 0, nil)
	m.wg.Wait()
}

// Send writes a frame to the agent. Sends while not connected are dropped
// with a warning.
func (m *Manager) Send(ctx context.Context, frame agent.OutboundFrame) error {
	m.mu.Lock()
	conn := m.conn
	state := m.machine.State
	sessionID := m.sessionID
	m.mu.Unlock()

	if state != domain.ConnectionConnected || conn == nil {
		m.logger.Warn("Dropping message, agent socket not connected", "state", state, "session_id", sessionID)
		return nil
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	m.touch()
	return nil
}

// dispatch runs one event through the policy. gen identifies the socket the
// event belongs to; 0 marks caller-originated events. conn carries a freshly
// dialled socket for EventOpened.
//
// Lock order is notifyMu then mu, so handlers may read State while another
// event waits its turn.
func (m *Manager) dispatch(ev Event, gen uint64, conn Conn) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if gen != 0 && gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "stale connection")
		}
		return
	}

	prev := m.machine.State
	next, effects := m.policy.Transition(m.machine, ev)
	m.machine = next

	if ev.Kind == EventOpened && conn != nil {
		m.conn = conn
		m.startReader(conn, m.gen)
	}

	var (
		toClose Conn
		touch   bool
		notify  bool
	)
	for _, eff := range effects {
		switch eff.Kind {
		case EffectDial:
			m.startDial()
		case EffectStartConnectTimer:
			m.startConnectTimer()
		case EffectStopConnectTimer:
			m.stopConnectTimer()
		case EffectScheduleRetry:
			m.scheduleRetry(eff.Delay)
		case EffectCancelRetry:
			m.cancelRetry()
		case EffectCloseSocket:
			toClose = m.detachSocket()
		case EffectTouch:
			touch = true
		case EffectNotifyError:
			notify = true
		}
	}

	handlers := m.handlers
	sessionID := m.sessionID
	m.mu.Unlock()

	if toClose != nil {
		if err := toClose.Close(websocket.StatusNormalClosure, "client closing"); err != nil {
			m.logger.Debug("Agent socket close", "error", err, "session_id", sessionID)
		}
	}

	if next.State != prev {
		m.logger.Info("Agent connection state changed",
			"session_id", sessionID,
			"event", ev.Kind.String(),
			"code", ev.Code,
			"from", prev.String(),
			"to", next.State.String(),
			"attempts", next.Attempts,
		)
		if handlers.OnStateChange != nil {
			handlers.OnStateChange(next.State)
		}
	}
	if touch {
		m.touch()
	}
	if notify && handlers.OnError != nil {
		handlers.OnError(fmt.Errorf("%w: %s (attempt %d)", ErrConnectionFailed, ev.Kind, next.Attempts))
	}
}

// startDial begins a new socket generation. Caller holds mu.
func (m *Manager) startDial() {
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.dialCancel = cancel

	var url string
	if m.urlFor != nil {
		url = m.urlFor(m.sessionID, m.agentName)
	}
	sessionID := m.sessionID

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()

		conn, err := m.dialer.Dial(ctx, url)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("Agent socket dial failed", "error", err, "session_id", sessionID)
			}
			m.dispatch(Event{Kind: EventTransportError}, gen, nil)
			return
		}
		m.dispatch(Event{Kind: EventOpened}, gen, conn)
	}()
}

// startReader pumps inbound frames for conn. Caller holds mu.
func (m *Manager) startReader(conn Conn, gen uint64) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.readLoop(conn, gen)
	}()
}

func (m *Manager) readLoop(conn Conn, gen uint64) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			code := websocket.CloseStatus(err)
			if code == -1 {
				code = websocket.StatusAbnormalClosure
			}
			m.logger.Debug("Agent socket read ended", "code", code, "error", err)
			m.dispatch(Event{Kind: EventClosed, Code: code}, gen, nil)
			return
		}
		m.handleFrame(data, gen)
	}
}

func (m *Manager) handleFrame(data []byte, gen uint64) {
	var frame agent.InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		m.logger.Warn("Dropping malformed agent frame", "error", err, "bytes", len(data))
		return
	}

	m.touch()
	if !frame.Visible() {
		m.logger.Debug("Ignoring agent frame", "type", frame.Type)
		return
	}

	msg := frame.ChatMessage(time.Now())

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	current := gen == m.gen
	onMessage := m.handlers.OnMessage
	m.mu.Unlock()

	if current && onMessage != nil {
		onMessage(msg)
	}
}

// Caller holds mu.
func (m *Manager) startConnectTimer() {
	m.stopConnectTimer()
	gen := m.gen
	m.connectTimer = time.AfterFunc(m.policy.ConnectTimeout, func() {
		m.logger.Warn("Agent socket connect timed out", "timeout", m.policy.ConnectTimeout)
		m.dispatch(Event{Kind: EventTimeout}, gen, nil)
	})
}

// Caller holds mu.
func (m *Manager) stopConnectTimer() {
	if m.connectTimer != nil {
		m.connectTimer.Stop()
		m.connectTimer = nil
	}
}

// Caller holds mu.
func (m *Manager) scheduleRetry(delay time.Duration) {
	m.cancelRetry()
	gen := m.gen
	m.logger.Info("Scheduling agent reconnect",
		"session_id", m.sessionID,
		"attempt", m.machine.Attempts,
		"delay", delay,
	)
	m.retryTimer = time.AfterFunc(delay, func() {
		m.dispatch(Event{Kind: EventRetryFire}, gen, nil)
	})
}

// Caller holds mu.
func (m *Manager) cancelRetry() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// detachSocket aborts any in-flight dial, invalidates the current socket
// generation, and returns the socket for closing. Caller holds mu.
func (m *Manager) detachSocket() Conn {
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	m.gen++
	conn := m.conn
	m.conn = nil
	return conn
}

func (m *Manager) touch() {
	if m.toucher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.toucher.Touch(ctx); err != nil {
		m.logger.Warn("Failed to refresh session activity", "error", err)
	}
}
