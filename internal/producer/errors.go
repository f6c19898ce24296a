package producer

import "fmt"

// DecodeError reports an upstream change that could not be normalized into an
// event. Nothing is appended for such a change; the caller decides between
// skipping (provably unprocessable input) and halting the stream (anything
// else), because silently dropping fields would break the payload-completeness
// contract downstream projectors rely on.
type DecodeError struct {
	Table  string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode change for table %q: %s", e.Table, e.Reason)
}
