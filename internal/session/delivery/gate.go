package delivery

import "context"

// Gate is the single-flight lock shared by the scheduler and the submission
// coordinator: at most one transmission for the attempt is outstanding.
type Gate struct {
	slot chan struct{}
}

func NewGate() *Gate {
	return &Gate{slot: make(chan struct{}, 1)}
}

// TryAcquire takes the gate if it is free.
func (g *Gate) TryAcquire() bool {
	select {
	case g.slot <- struct{}{}:
		return true
	default:
		return false
	}
}

// Acquire waits for the gate or for ctx to end.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the gate. Releasing a free gate is a no-op.
func (g *Gate) Release() {
	select {
	case <-g.slot:
	default:
	}
}
