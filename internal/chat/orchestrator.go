// Package chat sequences session restore, creation, and messaging for the
// chat widget.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/continuia/secondopinion-chat/internal/agent"
	"github.com/continuia/secondopinion-chat/internal/connection"
	"github.com/continuia/secondopinion-chat/internal/domain"
	"github.com/continuia/secondopinion-chat/internal/store"
)

// ErrCreationInProgress is returned when a new conversation is requested while
// another creation is still running.
var ErrCreationInProgress = errors.New("conversation creation already in progress")

// ErrClosed is returned when the orchestrator is closed while a new
// conversation is being created.
var ErrClosed = errors.New("chat orchestrator closed")

// SessionClient provisions sessions and reads their history.
type SessionClient interface {
	CreateSession(ctx context.Context) (*agent.AutoSession, error)
	FetchHistory(ctx context.Context, agentName, sessionID string) ([]domain.ChatMessage, error)
}

// Connection is the agent socket as seen by the orchestrator.
type Connection interface {
	Connect(sessionID, agentName string)
	Close()
	Send(ctx context.Context, frame agent.OutboundFrame) error
	State() domain.ConnectionState
	SetHandlers(h connection.Handlers)
}

var _ Connection = (*connection.Manager)(nil)

// Phase is the orchestrator's lifecycle stage.
type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseRestoring     Phase = "restoring"
	PhaseCreating      Phase = "creating"
	PhaseActive        Phase = "active"
	PhaseFailed        Phase = "failed"
)

// Config holds the settle delays inserted before opening a socket.
type Config struct {
	RestoreSettle time.Duration
	CreateSettle  time.Duration
}

// DefaultConfig returns the production settle delays.
func DefaultConfig() Config {
	return Config{
		RestoreSettle: 3 * time.Second,
		CreateSettle:  1500 * time.Millisecond,
	}
}

// Snapshot is a read-only view of the orchestrator for the view layer.
// Version grows with every change; a snapshot with a lower Version is older.
type Snapshot struct {
	Version      uint64                 `json:"version"`
	Phase        Phase                  `json:"phase"`
	Connection   domain.ConnectionState `json:"connection"`
	Typing       bool                   `json:"typing"`
	Conversation *domain.Conversation   `json:"conversation"`
}

// Orchestrator is the single entry point for the chat widget. One instance
// lives for the lifetime of a widget.
type Orchestrator struct {
	client SessionClient
	conn   Connection
	store  store.SessionStore
	cfg    Config
	logger *slog.Logger

	initialized atomic.Bool
	creating    atomic.Bool

	// lifecycleMu orders the final Connect of a restore or create against
	// Close. It is never held while waiting on mu-holders.
	lifecycleMu sync.Mutex

	mu           sync.Mutex
	phase        Phase
	epoch        uint64
	version      uint64
	conversation *domain.Conversation
	typing       bool
	listeners    map[int]func(Snapshot)
	nextListener int
}

// New creates an orchestrator and takes over conn's handlers.
func New(client SessionClient, conn Connection, sessions store.SessionStore, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		client:    client,
		conn:      conn,
		store:     sessions,
		cfg:       cfg,
		logger:    logger,
		phase:     PhaseUninitialized,
		listeners: make(map[int]func(Snapshot)),
	}
	conn.SetHandlers(connection.Handlers{
		OnMessage:     o.handleMessage,
		OnStateChange: o.handleStateChange,
		OnError:       o.handleError,
	})
	return o
}

// Initialize restores the stored session if it is still valid and otherwise
// starts a new conversation. Only the first call does anything.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	if !o.initialized.CompareAndSwap(false, true) {
		o.logger.Debug("Chat already initialized")
		return nil
	}

	d := o.store.Load(ctx)
	if d != nil && o.store.IsValid(*d) {
		return o.restore(ctx, *d)
	}

	if d != nil {
		o.logger.Info("Discarding expired chat session", "session_id", d.SessionID)
	}
	if err := o.store.Clear(ctx); err != nil {
		o.logger.Warn("Failed to clear stale chat session", "error", err)
	}
	return o.CreateNewConversation(ctx)
}

func (o *Orchestrator) restore(ctx context.Context, d domain.SessionDescriptor) error {
	o.mu.Lock()
	o.epoch++
	epoch := o.epoch
	o.phase = PhaseRestoring
	o.mu.Unlock()
	o.notify()

	o.logger.Info("Restoring chat session", "session_id", d.SessionID, "agent_name", d.AgentName)

	history, err := o.client.FetchHistory(ctx, d.AgentName, d.SessionID)
	if err != nil {
		o.logger.Warn("Message history unavailable, continuing without it", "session_id", d.SessionID, "error", err)
		history = nil
	}

	o.mu.Lock()
	if o.epoch != epoch {
		o.mu.Unlock()
		return nil
	}
	o.conversation = domain.NewConversation(d.SessionID, history, time.Now())
	o.mu.Unlock()
	o.notify()

	if err := sleep(ctx, o.cfg.RestoreSettle); err != nil {
		return fmt.Errorf("restore session: %w", err)
	}

	o.lifecycleMu.Lock()
	o.mu.Lock()
	if o.epoch != epoch {
		// Replaced by a new conversation or closed while we waited.
		o.mu.Unlock()
		o.lifecycleMu.Unlock()
		return nil
	}
	o.phase = PhaseActive
	o.mu.Unlock()
	o.conn.Connect(d.SessionID, d.AgentName)
	o.lifecycleMu.Unlock()

	o.notify()
	return nil
}

// CreateNewConversation discards the current conversation and provisions a
// fresh session. Concurrent calls return ErrCreationInProgress. On failure no
// conversation is active and the caller decides whether to retry.
func (o *Orchestrator) CreateNewConversation(ctx context.Context) error {
	if !o.creating.CompareAndSwap(false, true) {
		o.logger.Warn("Conversation creation already in progress")
		return ErrCreationInProgress
	}
	defer o.creating.Store(false)

	o.mu.Lock()
	o.epoch++
	epoch := o.epoch
	o.phase = PhaseCreating
	o.mu.Unlock()
	o.notify()

	o.conn.Close()

	o.mu.Lock()
	o.conversation = nil
	o.typing = false
	o.mu.Unlock()
	if err := o.store.Clear(ctx); err != nil {
		o.logger.Warn("Failed to clear stored chat session", "error", err)
	}
	o.notify()

	session, err := o.client.CreateSession(ctx)
	if err != nil {
		o.fail(epoch)
		o.logger.Error("Failed to create chat session", "error", err)
		return fmt.Errorf("create session: %w", err)
	}

	if err := sleep(ctx, o.cfg.CreateSettle); err != nil {
		o.fail(epoch)
		return fmt.Errorf("create session: %w", err)
	}

	now := time.Now()
	descriptor := domain.SessionDescriptor{
		SessionID: session.SessionID,
		AgentID:   session.AgentID,
		AgentName: session.AgentName,
		CreatedAt: now,
	}

	o.lifecycleMu.Lock()
	o.mu.Lock()
	if o.epoch != epoch {
		o.mu.Unlock()
		o.lifecycleMu.Unlock()
		return ErrClosed
	}
	o.conversation = domain.NewConversation(session.SessionID, nil, now)
	o.phase = PhaseActive
	o.mu.Unlock()

	if err := o.store.Save(ctx, descriptor); err != nil {
		o.logger.Warn("Failed to persist chat session", "session_id", session.SessionID, "error", err)
	}
	o.conn.Connect(session.SessionID, session.AgentName)
	o.lifecycleMu.Unlock()

	o.notify()
	o.logger.Info("Chat conversation started", "session_id", session.SessionID, "agent_name", session.AgentName)
	return nil
}

func (o *Orchestrator) fail(epoch uint64) {
	o.mu.Lock()
	if o.epoch == epoch {
		o.phase = PhaseFailed
		o.conversation = nil
	}
	o.mu.Unlock()
	o.notify()
}

// SendMessage echoes content into the conversation and forwards it to the
// agent. It does nothing when there is no conversation or the socket is not
// connected.
func (o *Orchestrator) SendMessage(ctx context.Context, content string) error {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	state := o.conn.State()

	o.mu.Lock()
	if o.conversation == nil || state != domain.ConnectionConnected {
		o.mu.Unlock()
		o.logger.Warn("Cannot send message, chat not ready", "connection", state.String())
		return nil
	}
	o.conversation.Append(domain.NewMessage(domain.RoleUser, content, time.Now()))
	o.typing = true
	sessionID := o.conversation.ID
	o.mu.Unlock()
	o.notify()

	if err := o.conn.Send(ctx, agent.UserMessage(content)); err != nil {
		o.mu.Lock()
		o.typing = false
		o.mu.Unlock()
		o.notify()
		o.logger.Error("Failed to send chat message", "session_id", sessionID, "error", err)
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Snapshot returns the current view state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// snapshotLocked requires o.mu. conn.State never calls back into the
// orchestrator, so it is safe to read under the lock.
func (o *Orchestrator) snapshotLocked() Snapshot {
	snap := Snapshot{
		Version:    o.version,
		Phase:      o.phase,
		Connection: o.conn.State(),
		Typing:     o.typing,
	}
	if o.conversation != nil {
		c := o.conversation.Snapshot()
		snap.Conversation = &c
	}
	return snap
}

// Subscribe registers fn to receive a snapshot after every change. Changes
// made on different goroutines may reach fn out of order; fn should ignore a
// snapshot whose Version is below one it has already seen. The returned
// function removes the subscription.
func (o *Orchestrator) Subscribe(fn func(Snapshot)) func() {
	o.mu.Lock()
	id := o.nextListener
	o.nextListener++
	o.listeners[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.listeners, id)
		o.mu.Unlock()
	}
}

// Close releases the socket. Pending restores are abandoned and a creation
// in flight fails with ErrClosed.
func (o *Orchestrator) Close() {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	o.mu.Lock()
	o.epoch++
	o.mu.Unlock()
	o.conn.Close()
}

func (o *Orchestrator) handleMessage(msg domain.ChatMessage) {
	o.mu.Lock()
	if o.conversation == nil {
		o.mu.Unlock()
		o.logger.Debug("Dropping agent message without an active conversation")
		return
	}
	o.conversation.Append(msg)
	o.typing = false
	o.mu.Unlock()
	o.notify()
}

func (o *Orchestrator) handleStateChange(domain.ConnectionState) {
	o.notify()
}

func (o *Orchestrator) handleError(err error) {
	o.logger.Warn("Chat connection error", "error", err)
	o.mu.Lock()
	o.typing = false
	o.mu.Unlock()
	o.notify()
}

func (o *Orchestrator) notify() {
	o.mu.Lock()
	o.version++
	snap := o.snapshotLocked()
	listeners := make([]func(Snapshot), 0, len(o.listeners))
	for _, fn := range o.listeners {
		listeners = append(listeners, fn)
	}
	o.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
