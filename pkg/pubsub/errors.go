package pubsub

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrClosed is returned when operations are attempted on closed connections.
var ErrClosed = errors.New("pubsub: connections are closed")

// ErrNilPayload is the schema failure for a nil value on a non-nullable schema.
var ErrNilPayload = errors.New("pubsub: payload is nil")

// ErrSubscriberLost is returned once the subscriber connection stopped
// delivering messages without being closed.
var ErrSubscriberLost = errors.New("pubsub: subscriber connection lost")

// Issue is one failed schema rule.
type Issue struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Param string `json:"param,omitempty"`
}

// ValidationError reports a payload that does not satisfy the channel schema,
// either before publish or after receipt.
type ValidationError struct {
	Channel string
	Issues  []Issue
	Err     error
}

// NewValidationError wraps a schema failure, extracting validator field issues.
func NewValidationError(channel string, err error) *ValidationError {
	ve := &ValidationError{Channel: channel, Err: err}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		for _, fe := range fieldErrs {
			ve.Issues = append(ve.Issues, Issue{
				Field: fe.Namespace(),
				Rule:  fe.Tag(),
				Param: fe.Param(),
			})
		}
	}
	return ve
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("pubsub: invalid payload on %q: %v", e.Channel, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// DeserializationError reports a received payload that the codec could not decode.
type DeserializationError struct {
	Channel string
	Payload []byte
	Err     error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("pubsub: malformed payload on %q (%d bytes): %v", e.Channel, len(e.Payload), e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }

// TransportError reports a broker failure during publish, subscribe or
// unsubscribe.
type TransportError struct {
	Op      string
	Channel string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("pubsub: %s %q: %v", e.Op, e.Channel, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
