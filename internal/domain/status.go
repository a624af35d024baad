package domain

import "fmt"

// Status is a message's delivery lifecycle state.
//
// Pending -> Sent -> Delivered -> Read, with Failed reachable from Pending,
// Sent, or Delivered. Read and Failed are terminal. Transitions are applied
// monotonically: a callback targeting a state at or behind the current one is
// a no-op, never a downgrade, so out-of-order provider callbacks are safe to
// replay.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == StatusFailed
}

func (s Status) Terminal() bool { return s == StatusRead || s == StatusFailed }

// AdvanceStatus decides how a requested transition applies to the current state.
//
// Returns (next, changed, nil) where changed reports whether the store should be
// written and an event emitted. A request that is already satisfied (target at
// or behind current) returns changed=false. Requests out of a terminal state
// are no-ops, including Failed-after-Read. An unknown status is an error.
func AdvanceStatus(current, target Status) (Status, bool, error) {
	if !current.Valid() {
		return current, false, fmt.Errorf("unknown status %q", current)
	}
	if !target.Valid() {
		return current, false, fmt.Errorf("unknown status %q", target)
	}
	if current.Terminal() {
		return current, false, nil
	}
	if target == StatusFailed {
		// Failed is reachable from any non-terminal state.
		return StatusFailed, true, nil
	}
	if statusRank[target] <= statusRank[current] {
		return current, false, nil
	}
	return target, true, nil
}

// PriorStatuses lists states from which a message may still move to target.
// The set feeds the store's conditional update so a write that raced a further
// transition is rejected rather than downgrading.
func PriorStatuses(target Status) []Status {
	if target == StatusFailed {
		return []Status{StatusPending, StatusSent, StatusDelivered}
	}
	rank, ok := statusRank[target]
	if !ok {
		return nil
	}
	var out []Status
	for s, r := range statusRank {
		if r < rank {
			out = append(out, s)
		}
	}
	return out
}
