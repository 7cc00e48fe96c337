package scheduler

import (
	"errors"
	"fmt"
	"time"
)

// ErrDiscarded is returned by Future.Wait when the task was cancelled:
// before dispatch the callable never runs; after dispatch it runs to
// completion and its result is dropped.
var ErrDiscarded = errors.New("scheduler: task discarded before dispatch")

// RemoteTaskTimeout is returned as a task's error when it exceeds its
// deadline. The remote agent is not interrupted — it may still complete
// out-of-band; callers treat this as a transport fault.
type RemoteTaskTimeout struct {
	Hostname    string
	Description string
	Timeout     time.Duration
}

func (e *RemoteTaskTimeout) Error() string {
	return fmt.Sprintf("scheduler: task %q on host %q exceeded timeout %s", e.Description, e.Hostname, e.Timeout)
}
