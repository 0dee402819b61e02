package hosting

import (
	"errors"
	"fmt"
)

// Sentinel errors callers branch on with errors.Is. Only ErrAccessDenied may
// trigger credential deletion; ErrRequest must never discard a cached token.
var (
	// ErrNotAuthenticated reports that no usable credential is available.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrAccessDenied reports that the server explicitly rejected the credential.
	ErrAccessDenied = errors.New("access denied")
	// ErrInvalidArgument reports locally-detected bad input, raised before any
	// network call.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrRequest reports a network-layer failure: timeout, refused connection,
	// DNS. Safe to retry where a retry loop exists.
	ErrRequest = errors.New("request error")
	// ErrServer reports a malformed or unexpected server response: non-2xx,
	// decode failure, schema mismatch. Never retried blindly.
	ErrServer = errors.New("server error")
)

// RejectionError carries a reason the server deliberately returned for a
// request it refused, such as a deployment name conflict. The reason is shown
// to the user verbatim; infrastructure failures never take this form.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	if e.Reason == "" {
		return "rejected by server"
	}
	return e.Reason
}

func requestErr(err error) error {
	return fmt.Errorf("%w: %v", ErrRequest, err)
}

func serverErr(err error) error {
	return fmt.Errorf("%w: %v", ErrServer, err)
}
