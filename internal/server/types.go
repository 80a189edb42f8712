package server

import (
	"fmt"
	"strings"
)

// PayloadError reports an inbound event whose payload does not have the
// expected shape. Such events are dropped.
type PayloadError struct {
	Event string
	Err   error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("malformed %q payload: %v", e.Event, e.Err)
}

func (e *PayloadError) Unwrap() error {
	return e.Err
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
