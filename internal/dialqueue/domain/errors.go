package domain

import "errors"

var (
	// ErrNotFound indicates that a requested resource was not found.
	ErrNotFound = errors.New("resource not found")
	// ErrClaimedByOther indicates the number is currently held by a different operator.
	ErrClaimedByOther = errors.New("number claimed by another operator")
	// ErrInvalidStatus indicates an outcome outside answered/no_answer/rejected.
	ErrInvalidStatus = errors.New("invalid call status")
	// ErrDuplicateEntry indicates a unique constraint violation.
	ErrDuplicateEntry = errors.New("duplicate entry")
)
