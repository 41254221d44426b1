package remote

import (
	"errors"
	"fmt"
)

// DeliveryError reports that the remote system declined a payload or could
// not be reached. The sync pass records the Reason for diagnostics and
// counts the record as failed.
type DeliveryError struct {
	// Reason is a human-readable cause, e.g. "network timeout".
	Reason string
	// StatusCode is the HTTP status for REST backends, 0 otherwise.
	StatusCode int
	// Err is the underlying transport or driver error, if any.
	Err error
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	msg := "delivery failed: " + e.Reason
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsDeliveryFailure reports whether err (or anything it wraps) is a
// DeliveryError.
func IsDeliveryFailure(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de)
}

// Reason extracts the delivery failure reason from err, falling back to the
// error text for errors that are not DeliveryErrors.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		if de.Reason != "" {
			return de.Reason
		}
		if de.Err != nil {
			return de.Err.Error()
		}
	}
	return err.Error()
}
