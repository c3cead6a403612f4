package lifecycle

import (
	"errors"
	"fmt"
)

// ErrUnauthorized is returned when the provider rejects the bot credential.
var ErrUnauthorized = errors.New("lifecycle: provider rejected credential")

// ProviderControlError reports a failed webhook control call.
// StatusCode is 0 when the provider could not be reached.
type ProviderControlError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *ProviderControlError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("lifecycle: %s failed: %s", e.Op, e.Body)
	}
	return fmt.Sprintf("lifecycle: %s failed (%d): %s", e.Op, e.StatusCode, e.Body)
}

func (e *ProviderControlError) Unwrap() error { return e.Err }
