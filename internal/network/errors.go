package network

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRecursionLimit is returned when a push would exceed the configured
	// execution stack depth.
	ErrRecursionLimit = errors.New("network: recursion limit exceeded")

	// ErrInconsistentStack is returned when a pop does not match the top of
	// the execution stack.
	ErrInconsistentStack = errors.New("network: inconsistent execution stack")

	// ErrUnknownSession is returned by lookups against a session that has no
	// network state. Read paths translate it into an empty export.
	ErrUnknownSession = errors.New("network: unknown session")

	// ErrMissingSession is returned when a call carries no session identity.
	ErrMissingSession = errors.New("network: session id is required")

	// ErrMissingAgent is returned when a call carries no agent name.
	ErrMissingAgent = errors.New("network: agent name is required")

	// ErrSessionRemoved is returned by a Session handle whose session was
	// removed or expired. Registry.Update retries on a fresh session.
	ErrSessionRemoved = errors.New("network: session removed")
)

// RecursionLimitError describes a rejected push.
type RecursionLimitError struct {
	Agent string
	Limit int
	Stack []string
}

func (e *RecursionLimitError) Error() string {
	return fmt.Sprintf("network: recursion limit %d exceeded pushing %q (stack: %s)",
		e.Limit, e.Agent, strings.Join(e.Stack, " > "))
}

// Is makes errors.Is(err, ErrRecursionLimit) match.
func (e *RecursionLimitError) Is(target error) bool {
	return target == ErrRecursionLimit
}

// InconsistentStackError describes a pop that did not match the stack top.
// Top is empty when the stack was empty.
type InconsistentStackError struct {
	Agent string
	Top   string
	Stack []string
}

func (e *InconsistentStackError) Error() string {
	if e.Top == "" {
		return fmt.Sprintf("network: cannot pop %q from an empty execution stack", e.Agent)
	}
	return fmt.Sprintf("network: pop %q does not match stack top %q (stack: %s)",
		e.Agent, e.Top, strings.Join(e.Stack, " > "))
}

// Is makes errors.Is(err, ErrInconsistentStack) match.
func (e *InconsistentStackError) Is(target error) bool {
	return target == ErrInconsistentStack
}
