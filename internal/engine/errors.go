package engine

import (
	"errors"
	"fmt"

	"rake/internal/browser"
	"rake/internal/notation"
)

// ErrRepeatBudget marks a repeat condition that never terminated within
// the safety limit. It is fatal for the node, not a silent stop.
var ErrRepeatBudget = errors.New("repeat condition did not terminate within the safety limit")

// ErrTimeout marks a selector or action wait that ran out of time.
var ErrTimeout = errors.New("timeout")

// TaskError is the terminal error of one page task. The scheduler
// isolates it: sibling tasks keep running.
type TaskError struct {
	URL  string
	Node string
	Err  error
}

func (e *TaskError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("task %s: node %s: %v", e.URL, e.Node, e.Err)
	}
	return fmt.Sprintf("task %s: %v", e.URL, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// IsElementNotFound reports whether err stems from a missing element.
func IsElementNotFound(err error) bool {
	return errors.Is(err, notation.ErrElementNotFound)
}

// IsTimeout reports whether err is a wait that ran out of time, either
// our own sentinel or a driver-side timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || browser.IsTimeout(err)
}
