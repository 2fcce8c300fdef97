package auth

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("auth: not found")
	ErrAlreadyExists   = errors.New("auth: already exists")
	ErrConflict        = errors.New("auth: conflict")
	ErrForbidden       = errors.New("auth: insufficient permission")
	ErrUnauthenticated = errors.New("auth: could not validate credentials")
	ErrInvalidInput    = errors.New("auth: invalid input")
	ErrUnavailable     = errors.New("auth: unavailable")
)

var (
	// ErrAlreadyAssigned reports a duplicate user-role or role-permission grant.
	ErrAlreadyAssigned = fmt.Errorf("%w: already assigned", ErrAlreadyExists)
	// ErrNotAssigned reports removal of a grant that does not exist.
	ErrNotAssigned = fmt.Errorf("%w: not assigned", ErrNotFound)

	ErrInvalidResourceType = fmt.Errorf("%w: resource type", ErrInvalidInput)
	ErrInvalidAction       = fmt.Errorf("%w: action", ErrInvalidInput)
)
