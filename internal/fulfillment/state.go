package fulfillment

import (
	"fmt"

	"github.com/angelmondragon/esimhub-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
)

// State is the in-memory lifecycle of one provisioning attempt. Only
// pending, completed and failed are persisted.
type State string

const (
	StatePending      State = "pending"
	StateProvisioning State = "provisioning"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateRefunded     State = "refunded"
)

var transitions = map[State][]State{
	StatePending:      {StateProvisioning, StateFailed},
	StateProvisioning: {StateCompleted, StateFailed, StatePending},
	StateFailed:       {StateRefunded},
}

// Machine validates lifecycle transitions.
type Machine struct {
	state   State
	history []State
}

// NewMachine starts from the persisted order status.
func NewMachine(status enums.OrderStatus) *Machine {
	state := State(status)
	return &Machine{state: state, history: []State{state}}
}

func (m *Machine) State() State { return m.state }

// History lists every state visited, oldest first.
func (m *Machine) History() []State {
	out := make([]State, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Machine) To(next State) error {
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			m.history = append(m.history, next)
			return nil
		}
	}
	return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("cannot move order from %s to %s", m.state, next))
}

// Persisted maps the state onto the stored order status.
func (m *Machine) Persisted() enums.OrderStatus {
	switch m.state {
	case StateCompleted:
		return enums.OrderStatusCompleted
	case StateFailed, StateRefunded:
		return enums.OrderStatusFailed
	default:
		return enums.OrderStatusPending
	}
}
