// Package connection owns the agent WebSocket and its reconnection policy.
//
// The policy is a pure transition function over Machine values so it can be
// exercised without a socket. Manager applies the resulting effects to a real
// coder/websocket connection.
package connection

import (
	"time"

	"github.com/coder/websocket"

	"github.com/continuia/secondopinion-chat/internal/domain"
)

// Policy holds the reconnection budget and timing.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	ConnectTimeout time.Duration
}

// DefaultPolicy returns the production reconnection policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		MaxDelay:       3 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// RetryDelay is the linear backoff for the given attempt, capped at MaxDelay.
func (p Policy) RetryDelay(attempt int) time.Duration {
	d := p.BaseDelay * time.Duration(attempt)
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Machine is the connection state plus the consecutive failure count.
type Machine struct {
	State    domain.ConnectionState
	Attempts int
}

// EventKind enumerates the inputs of the state machine.
type EventKind int

const (
	EventConnect EventKind = iota
	EventOpened
	EventClosed
	EventTransportError
	EventTimeout
	EventRetryFire
	EventShutdown
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventOpened:
		return "opened"
	case EventClosed:
		return "closed"
	case EventTransportError:
		return "transport_error"
	case EventTimeout:
		return "timeout"
	case EventRetryFire:
		return "retry_fire"
	case EventShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Event is one input to Transition. Code is only meaningful for EventClosed.
type Event struct {
	Kind EventKind
	Code websocket.StatusCode
}

// EffectKind enumerates the side effects Transition can request.
type EffectKind int

const (
	EffectDial EffectKind = iota
	EffectStartConnectTimer
	EffectStopConnectTimer
	EffectScheduleRetry
	EffectCancelRetry
	EffectCloseSocket
	EffectTouch
	EffectNotifyError
)

func (k EffectKind) String() string {
	switch k {
	case EffectDial:
		return "dial"
	case EffectStartConnectTimer:
		return "start_connect_timer"
	case EffectStopConnectTimer:
		return "stop_connect_timer"
	case EffectScheduleRetry:
		return "schedule_retry"
	case EffectCancelRetry:
		return "cancel_retry"
	case EffectCloseSocket:
		return "close_socket"
	case EffectTouch:
		return "touch"
	case EffectNotifyError:
		return "notify_error"
	default:
		return "unknown"
	}
}

// Effect is a side effect requested by Transition. Delay is set for
// EffectScheduleRetry.
type Effect struct {
	Kind  EffectKind
	Delay time.Duration
}

// IsAbnormalClosure reports whether a close code is eligible for retry.
// Normal (1000) and going-away (1001) closures are deliberate.
func IsAbnormalClosure(code websocket.StatusCode) bool {
	return code != websocket.StatusNormalClosure && code != websocket.StatusGoingAway
}

// Transition computes the next machine and the effects to apply.
func (p Policy) Transition(m Machine, ev Event) (Machine, []Effect) {
	switch ev.Kind {
	case EventConnect:
		if m.State == domain.ConnectionConnecting || m.State == domain.ConnectionConnected {
			return m, nil
		}
		return Machine{State: domain.ConnectionConnecting}, []Effect{
			{Kind: EffectCancelRetry},
			{Kind: EffectDial},
			{Kind: EffectStartConnectTimer},
		}

	case EventRetryFire:
		if m.State != domain.ConnectionFailed {
			return m, nil
		}
		m.State = domain.ConnectionConnecting
		return m, []Effect{
			{Kind: EffectDial},
			{Kind: EffectStartConnectTimer},
		}

	case EventOpened:
		if m.State != domain.ConnectionConnecting {
			return m, nil
		}
		return Machine{State: domain.ConnectionConnected}, []Effect{
			{Kind: EffectStopConnectTimer},
			{Kind: EffectTouch},
		}

	case EventTimeout:
		if m.State != domain.ConnectionConnecting {
			return m, nil
		}
		return p.fail(m, websocket.StatusAbnormalClosure)

	case EventClosed:
		if m.State != domain.ConnectionConnecting && m.State != domain.ConnectionConnected {
			return m, nil
		}
		return p.fail(m, ev.Code)

	case EventTransportError:
		if m.State != domain.ConnectionConnecting && m.State != domain.ConnectionConnected {
			return m, nil
		}
		return p.fail(m, websocket.StatusAbnormalClosure)

	case EventShutdown:
		return Machine{State: domain.ConnectionIdle}, []Effect{
			{Kind: EffectCancelRetry},
			{Kind: EffectStopConnectTimer},
			{Kind: EffectCloseSocket},
		}
	}
	return m, nil
}

func (p Policy) fail(m Machine, code websocket.StatusCode) (Machine, []Effect) {
	effects := []Effect{
		{Kind: EffectStopConnectTimer},
		{Kind: EffectCloseSocket},
		{Kind: EffectNotifyError},
	}
	m.State = domain.ConnectionFailed
	if !IsAbnormalClosure(code) {
		return m, effects
	}
	m.Attempts++
	if m.Attempts < p.MaxAttempts {
		effects = append(effects, Effect{Kind: EffectScheduleRetry, Delay: p.RetryDelay(m.Attempts)})
	}
	return m, effects
}
