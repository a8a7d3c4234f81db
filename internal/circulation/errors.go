// internal/circulation/errors.go
package circulation

import (
	"errors"

	"becirculation/internal/access"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnknownState    = errors.New("unknown stored state")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflicting intent in flight")
	ErrUpstream        = errors.New("backend of record unavailable")

	// ErrPolicyDenied is shared with the access gate so callers match one sentinel.
	ErrPolicyDenied = access.ErrPolicyDenied
)
