package pool

import "fmt"

// Strategy selects how a pool behaves when no idle connection is available.
type Strategy int

const (
	// SoftLimit creates a new connection whenever none is idle, even past
	// the maximum pool size.
	SoftLimit Strategy = iota
	// Blocking creates connections up to the maximum pool size, then waits.
	Blocking
	// Shared keeps exactly the minimum pool size, then waits.
	Shared
)

func (s Strategy) String() string {
	switch s {
	case SoftLimit:
		return "soft_limit"
	case Blocking:
		return "blocking"
	case Shared:
		return "shared"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

func (s Strategy) valid() bool {
	return s >= SoftLimit && s <= Shared
}

// blocks reports whether check-out waits once the ceiling is reached.
func (s Strategy) blocks() bool {
	return s == Blocking || s == Shared
}

// ceiling returns the maximum number of connections the strategy allows.
// bounded is false when the pool may grow without limit.
func (s Strategy) ceiling(settings Settings) (limit int, bounded bool) {
	switch s {
	case Blocking:
		return settings.MaxPoolSize, true
	case Shared:
		return settings.MinPoolSize, true
	default:
		return 0, false
	}
}

func (s Strategy) validate(settings Settings) error {
	if !s.valid() {
		return fmt.Errorf("unknown pool strategy %d", int(s))
	}

	if s == Shared && settings.MinPoolSize < 1 {
		return fmt.Errorf("shared pool requires min_pool_size of at least 1, got %d", settings.MinPoolSize)
	}

	return nil
}
