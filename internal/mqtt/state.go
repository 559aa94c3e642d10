package mqtt

import "sync"

// ConnState is the broker connection state as seen by the machine.
type ConnState int

const (
	// Disconnected is the initial state and the state between sessions.
	Disconnected ConnState = iota
	// Connected means a connack with reason code 0 was received.
	Connected
	// Terminated is absorbing: set on shutdown, it permits no further
	// transitions or publishes.
	Terminated
)

// String implements fmt.Stringer.
func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// state holds everything shared between the connection machine and the
// scheduler: connection state, the resend-availability flag and the
// countdown delay (in ticks). All access goes through its methods.
type state struct {
	mu     sync.Mutex
	conn   ConnState
	resend bool
	delay  int
}

func (s *state) connState() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// transition moves to next unless the current state is Terminated, and
// returns the previous state.
func (s *state) transition(next ConnState) ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.conn
	if prev != Terminated {
		s.conn = next
	}
	return prev
}

// connect moves Disconnected to Connected and clears the resend flag.
// It reports the previous state and whether the transition happened.
func (s *state) connect() (ConnState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.conn
	if prev != Disconnected {
		return prev, false
	}
	s.conn = Connected
	s.resend = false
	return prev, true
}

// terminate sets Terminated unconditionally and returns the previous state.
func (s *state) terminate() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.conn
	s.conn = Terminated
	return prev
}

func (s *state) setResend(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resend = v
}

// takeResend returns the resend flag and clears it.
func (s *state) takeResend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.resend
	s.resend = false
	return v
}

func (s *state) resendPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resend
}

// setDelay overrides the countdown. Values <= 0 make the next cycle due
// immediately. It reports whether the value changed.
func (s *state) setDelay(ticks int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticks = max(0, ticks)
	if s.delay == ticks {
		return false
	}
	s.delay = ticks
	return true
}

// countdown decrements the delay by one tick and reports whether the
// next cycle is due.
func (s *state) countdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delay > 0 {
		s.delay--
	}
	return s.delay == 0
}

func (s *state) currentDelay() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delay
}
