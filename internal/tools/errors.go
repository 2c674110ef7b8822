package tools

import "fmt"

// InvocationError reports a tool call that never reached planning:
// unknown tool, unknown argument keys, or missing/ill-typed fields.
type InvocationError struct {
	Tool   string
	Reason string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoke %s: %s", e.Tool, e.Reason)
}

// NotReachableError reports a navigation target with no path from the
// player's position.
type NotReachableError struct {
	X, Y int
}

func (e *NotReachableError) Error() string {
	return fmt.Sprintf("no path to (%d,%d)", e.X, e.Y)
}

// UnsolvableError reports a puzzle with no push sequence reaching the
// target.
type UnsolvableError struct {
	Reason string
}

func (e *UnsolvableError) Error() string {
	return "puzzle unsolvable: " + e.Reason
}

// NoUsableItemError reports an inventory request nothing in the bag
// can satisfy.
type NoUsableItemError struct {
	Reason string
}

func (e *NoUsableItemError) Error() string {
	return "no usable item: " + e.Reason
}
