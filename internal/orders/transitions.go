package orders

import "strings"

// transitions is the only authority on legal status edges.
var transitions = map[Status][]Status{
	StatusNew:       {StatusPending, StatusCancelled},
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusPreparing, StatusCancelled},
	StatusPreparing: {StatusReady, StatusCancelled},
	StatusReady:     {StatusPickedUp, StatusCancelled},
	StatusPickedUp:  {StatusCompleted, StatusCancelled},
	StatusCompleted: {},
	StatusCancelled: {},
}

// AllStatuses lists every status in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusNew, StatusPending, StatusConfirmed, StatusPreparing,
		StatusReady, StatusPickedUp, StatusCompleted, StatusCancelled,
	}
}

// ParseStatus converts s to a Status, rejecting unknown values.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := transitions[st]; !ok {
		return "", &UnknownStatusError{Value: s}
	}
	return st, nil
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether s has no outbound edges.
func IsTerminal(s Status) bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// ValidNext returns the statuses reachable from s in one step.
func ValidNext(s Status) []Status {
	next := transitions[s]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

// CanTransition reports whether current -> target is an edge of the table.
func CanTransition(current, target Status) bool {
	for _, next := range transitions[current] {
		if next == target {
			return true
		}
	}
	return false
}

// Validate returns nil when current -> target is a legal edge and an *InvalidTransitionError
// otherwise. It performs no I/O.
func Validate(current, target Status) error {
	if CanTransition(current, target) {
		return nil
	}
	return &InvalidTransitionError{Current: current, Target: target, ValidNext: ValidNext(current)}
}

// IsNoop reports whether a request for target on an order already in current should succeed
// without a write: re-delivery of a status the order already holds, outside terminal states.
func IsNoop(current, target Status) bool {
	return current == target && current.Valid() && !IsTerminal(current)
}

// PathTo returns the shortest sequence of legal steps that moves current to target without
// passing through cancelled. The returned slice excludes current. ok is false when target is
// unreachable.
func PathTo(current, target Status) (path []Status, ok bool) {
	if current == target {
		return nil, current.Valid()
	}
	prev := map[Status]Status{current: ""}
	queue := []Status{current}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for _, next := range transitions[s] {
			if next == StatusCancelled && target != StatusCancelled {
				continue
			}
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = s
			if next == target {
				for at := target; at != current; at = prev[at] {
					path = append([]Status{at}, path...)
				}
				return path, true
			}
			queue = append(queue, next)
		}
	}
	return nil, false
}
