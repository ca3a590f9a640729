package ingest

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// State is the lifecycle position of one control connection.
type State int

const (
	StateConnected State = iota + 1
	StateAuthenticating
	StateAuthenticated
	StateIdle
	StateTransferring
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateIdle:
		return "idle"
	case StateTransferring:
		return "transferring"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event drives a State change.
type Event int

const (
	EventUser Event = iota + 1
	EventAuthSuccess
	EventAuthFailure
	EventTransferStart
	EventTransferEnd
	EventDisconnect
)

func (e Event) String() string {
	switch e {
	case EventUser:
		return "user"
	case EventAuthSuccess:
		return "auth_success"
	case EventAuthFailure:
		return "auth_failure"
	case EventTransferStart:
		return "transfer_start"
	case EventTransferEnd:
		return "transfer_end"
	case EventDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// ErrInvalidTransition is returned by Transition for events that are not
// allowed in the current state.
var ErrInvalidTransition = errors.New("invalid session transition")

// Transition returns the state reached from s on e.
func Transition(s State, e Event) (State, error) {
	if e == EventDisconnect {
		return StateClosed, nil
	}
	switch s {
	case StateConnected, StateAuthenticating:
		switch e {
		case EventUser:
			return StateAuthenticating, nil
		case EventAuthSuccess:
			if s == StateAuthenticating {
				return StateAuthenticated, nil
			}
		case EventAuthFailure:
			return StateClosed, nil
		}
	case StateAuthenticated, StateIdle:
		if e == EventTransferStart {
			return StateTransferring, nil
		}
	case StateTransferring:
		if e == EventTransferEnd {
			return StateIdle, nil
		}
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, s, e)
}

// session is the server-side record of one control connection.
type session struct {
	id     string
	remote string
	lg     *slog.Logger

	mu       sync.Mutex
	state    State
	username string
	uploads  int
}

func newSession(id, remote string, lg *slog.Logger) *session {
	return &session{id: id, remote: remote, lg: lg, state: StateConnected}
}

// fire applies e and logs the change.
func (s *session) fire(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := Transition(s.state, e)
	if err != nil {
		s.lg.Warn("session transition refused", "state", s.state.String(), "event", e.String())
		return err
	}
	if next != s.state {
		s.lg.Debug("session state", "from", s.state.String(), "to", next.String())
	}
	s.state = next
	return nil
}

func (s *session) current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) setUser(name string) {
	s.mu.Lock()
	s.username = name
	s.mu.Unlock()
}

func (s *session) user() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

func (s *session) countUpload() {
	s.mu.Lock()
	s.uploads++
	s.mu.Unlock()
}

func (s *session) uploadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads
}
