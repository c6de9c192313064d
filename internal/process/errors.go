package process

import (
	"errors"
	"fmt"
)

// errTimeout is returned from Execute for a foreground execution that hit
// its timeout with return_partial_on_timeout unset (spec.md §4.7).
var errTimeout = errors.New("process: execution timed out")

// ErrCommandNotAllowed is returned when the live restrictions store's
// blocked_commands/allowed_commands/security_mode policy rejects a command
// (spec.md §7 "disallowed command in restrictive mode").
var ErrCommandNotAllowed = errors.New("process: command not allowed by current restrictions")

func processError(op string, err error) error {
	return fmt.Errorf("process: %s: %w", op, err)
}
