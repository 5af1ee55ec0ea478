package trading

import (
	"fmt"
	"strings"
)

// ExecutionMode says where approved orders go. Whether they go at all is
// AutoExecute's call.
type ExecutionMode int

const (
	Paper ExecutionMode = iota
	Simulated
	Live
)

func (m ExecutionMode) String() string {
	switch m {
	case Live:
		return "live"
	case Simulated:
		return "simulated"
	default:
		return "paper"
	}
}

func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "paper":
		return Paper, nil
	case "simulated", "sim", "mock":
		return Simulated, nil
	case "live", "real":
		return Live, nil
	default:
		return Paper, fmt.Errorf("unknown execution mode %q", s)
	}
}

func (m ExecutionMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *ExecutionMode) UnmarshalText(b []byte) error {
	v, err := ParseExecutionMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}
