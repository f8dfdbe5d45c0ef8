package connection

import (
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/go-cmp/cmp"

	"github.com/continuia/secondopinion-chat/internal/domain"
)

func kinds(effects []Effect) []EffectKind {
	out := make([]EffectKind, 0, len(effects))
	for _, e := range effects {
		out = append(out, e.Kind)
	}
	return out
}

func retryDelay(effects []Effect) (time.Duration, bool) {
	for _, e := range effects {
		if e.Kind == EffectScheduleRetry {
			return e.Delay, true
		}
	}
	return 0, false
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	want := map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 3 * time.Second,
		4: 3 * time.Second,
		9: 3 * time.Second,
	}
	for attempt, d := range want {
		if got := p.RetryDelay(attempt); got != d {
			t.Errorf("RetryDelay(%d) = %v, want %v", attempt, got, d)
		}
	}
}

func TestIsAbnormalClosure(t *testing.T) {
	t.Parallel()

	if IsAbnormalClosure(websocket.StatusNormalClosure) || IsAbnormalClosure(websocket.StatusGoingAway) {
		t.Error("normal and going-away closures must not be retried")
	}
	for _, code := range []websocket.StatusCode{websocket.StatusAbnormalClosure, websocket.StatusInternalError, websocket.StatusPolicyViolation, 4000} {
		if !IsAbnormalClosure(code) {
			t.Errorf("code %d should be abnormal", code)
		}
	}
}

func TestTransitionConnect(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()

	m, effects := p.Transition(Machine{}, Event{Kind: EventConnect})
	if m.State != domain.ConnectionConnecting {
		t.Fatalf("state = %v, want connecting", m.State)
	}
	if diff := cmp.Diff([]EffectKind{EffectCancelRetry, EffectDial, EffectStartConnectTimer}, kinds(effects)); diff != "" {
		t.Errorf("effects mismatch (-want +got):\n%s", diff)
	}

	for _, state := range []domain.ConnectionState{domain.ConnectionConnecting, domain.ConnectionConnected} {
		before := Machine{State: state, Attempts: 1}
		after, effects := p.Transition(before, Event{Kind: EventConnect})
		if after != before || len(effects) != 0 {
			t.Errorf("Connect while %v should be a no-op, got %+v %v", state, after, kinds(effects))
		}
	}
}

func TestTransitionOpenedResetsAttempts(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	m, effects := p.Transition(Machine{State: domain.ConnectionConnecting, Attempts: 2}, Event{Kind: EventOpened})
	if m != (Machine{State: domain.ConnectionConnected}) {
		t.Fatalf("machine = %+v, want connected with 0 attempts", m)
	}
	if diff := cmp.Diff([]EffectKind{EffectStopConnectTimer, EffectTouch}, kinds(effects)); diff != "" {
		t.Errorf("effects mismatch (-want +got):\n%s", diff)
	}

	idle, effects := p.Transition(Machine{}, Event{Kind: EventOpened})
	if idle.State != domain.ConnectionIdle || len(effects) != 0 {
		t.Errorf("stray open should be ignored, got %+v %v", idle, kinds(effects))
	}
}

func TestTransitionFailures(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()

	tests := []struct {
		name         string
		from         Machine
		event        Event
		wantAttempts int
		wantRetry    bool
		wantDelay    time.Duration
	}{
		{
			name:         "abnormal close while connected",
			from:         Machine{State: domain.ConnectionConnected},
			event:        Event{Kind: EventClosed, Code: websocket.StatusAbnormalClosure},
			wantAttempts: 1,
			wantRetry:    true,
			wantDelay:    time.Second,
		},
		{
			name:         "normal close while connected",
			from:         Machine{State: domain.ConnectionConnected},
			event:        Event{Kind: EventClosed, Code: websocket.StatusNormalClosure},
			wantAttempts: 0,
		},
		{
			name:         "going away while connected",
			from:         Machine{State: domain.ConnectionConnected},
			event:        Event{Kind: EventClosed, Code: websocket.StatusGoingAway},
			wantAttempts: 0,
		},
		{
			name:         "transport error while connecting",
			from:         Machine{State: domain.ConnectionConnecting, Attempts: 1},
			event:        Event{Kind: EventTransportError},
			wantAttempts: 2,
			wantRetry:    true,
			wantDelay:    2 * time.Second,
		},
		{
			name:         "connect timeout counts toward budget",
			from:         Machine{State: domain.ConnectionConnecting},
			event:        Event{Kind: EventTimeout},
			wantAttempts: 1,
			wantRetry:    true,
			wantDelay:    time.Second,
		},
		{
			name:         "budget exhausted",
			from:         Machine{State: domain.ConnectionConnecting, Attempts: 2},
			event:        Event{Kind: EventClosed, Code: websocket.StatusInternalError},
			wantAttempts: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, effects := p.Transition(tt.from, tt.event)
			if m.State != domain.ConnectionFailed {
				t.Fatalf("state = %v, want failed", m.State)
			}
			if m.Attempts != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", m.Attempts, tt.wantAttempts)
			}
			delay, retry := retryDelay(effects)
			if retry != tt.wantRetry {
				t.Fatalf("retry scheduled = %v, want %v (effects %v)", retry, tt.wantRetry, kinds(effects))
			}
			if retry && delay != tt.wantDelay {
				t.Errorf("retry delay = %v, want %v", delay, tt.wantDelay)
			}
		})
	}
}

func TestTransitionIgnoresEventsOutsideLiveStates(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	for _, from := range []Machine{{State: domain.ConnectionIdle}, {State: domain.ConnectionFailed, Attempts: 2}} {
		for _, kind := range []EventKind{EventClosed, EventTransportError, EventTimeout, EventOpened} {
			m, effects := p.Transition(from, Event{Kind: kind, Code: websocket.StatusAbnormalClosure})
			if m != from || len(effects) != 0 {
				t.Errorf("%v from %+v: got %+v %v, want no-op", kind, from, m, kinds(effects))
			}
		}
	}

	m, effects := p.Transition(Machine{State: domain.ConnectionConnected}, Event{Kind: EventTimeout})
	if m.State != domain.ConnectionConnected || len(effects) != 0 {
		t.Errorf("timeout after open should be ignored, got %+v %v", m, kinds(effects))
	}
}

func TestRetryBudgetAndManualReset(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	m, _ := p.Transition(Machine{}, Event{Kind: EventConnect})

	var delays []time.Duration
	for i := 0; i < 3; i++ {
		var effects []Effect
		m, effects = p.Transition(m, Event{Kind: EventClosed, Code: websocket.StatusAbnormalClosure})
		if m.State != domain.ConnectionFailed {
			t.Fatalf("close %d: state = %v, want failed", i+1, m.State)
		}
		delay, retry := retryDelay(effects)
		if !retry {
			break
		}
		delays = append(delays, delay)
		m, _ = p.Transition(m, Event{Kind: EventRetryFire})
		if m.State != domain.ConnectionConnecting {
			t.Fatalf("retry %d: state = %v, want connecting", i+1, m.State)
		}
	}

	if diff := cmp.Diff([]time.Duration{time.Second, 2 * time.Second}, delays); diff != "" {
		t.Errorf("retry delays mismatch (-want +got):\n%s", diff)
	}
	if m.State != domain.ConnectionFailed || m.Attempts != 3 {
		t.Fatalf("after 3 abnormal closes: %+v, want failed with 3 attempts", m)
	}

	stale, effects := p.Transition(m, Event{Kind: EventClosed, Code: websocket.StatusAbnormalClosure})
	if stale != m || len(effects) != 0 {
		t.Errorf("failed manager should stay put, got %+v %v", stale, kinds(effects))
	}

	m, effects = p.Transition(m, Event{Kind: EventConnect})
	if m != (Machine{State: domain.ConnectionConnecting}) {
		t.Fatalf("manual connect: %+v, want connecting with 0 attempts", m)
	}
	if diff := cmp.Diff([]EffectKind{EffectCancelRetry, EffectDial, EffectStartConnectTimer}, kinds(effects)); diff != "" {
		t.Errorf("effects mismatch (-want +got):\n%s", diff)
	}
}

func TestTransitionShutdown(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	for _, state := range []domain.ConnectionState{domain.ConnectionIdle, domain.ConnectionConnecting, domain.ConnectionConnected, domain.ConnectionFailed} {
		m, effects := p.Transition(Machine{State: state, Attempts: 2}, Event{Kind: EventShutdown})
		if m != (Machine{State: domain.ConnectionIdle}) {
			t.Errorf("shutdown from %v: %+v, want idle", state, m)
		}
		if diff := cmp.Diff([]EffectKind{EffectCancelRetry, EffectStopConnectTimer, EffectCloseSocket}, kinds(effects)); diff != "" {
			t.Errorf("shutdown from %v effects mismatch (-want +got):\n%s", state, diff)
		}
	}

	m, effects := p.Transition(Machine{State: domain.ConnectionIdle}, Event{Kind: EventRetryFire})
	if m.State != domain.ConnectionIdle || len(effects) != 0 {
		t.Errorf("retry after shutdown should be ignored, got %+v %v", m, kinds(effects))
	}
}
