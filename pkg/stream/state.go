package stream

import "fmt"

// State of a stream engine
type State int32

const (
	// Idle - between lines, or not streaming
	Idle State = iota

	// Sending - a line is being written
	Sending

	// AwaitingAck - a line is on the wire and its ack has not been read
	AwaitingAck

	// Paused - holding before the next line
	Paused

	// Stopped - terminal, after an emergency stop or a rejected line
	Stopped
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sending:
		return "sending"
	case AwaitingAck:
		return "awaiting_ack"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText encodes the state as its name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name written by MarshalText
func (s *State) UnmarshalText(text []byte) error {
	for candidate := Idle; candidate <= Stopped; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown stream state %q", text)
}
