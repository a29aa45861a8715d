package entity

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes business errors.
type ErrorCode string

const (
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeAlreadyPaired ErrorCode = "ALREADY_PAIRED"
	CodeSameValue     ErrorCode = "SAME_VALUE"
	CodeInvalidName   ErrorCode = "INVALID_NAME"
)

// Sentinels for errors.Is matching. The concrete error types below match
// their sentinel through Is.
var (
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyPaired = errors.New("entity already paired")
	ErrSameValue     = errors.New("value unchanged")
	ErrInvalidName   = errors.New("invalid entity name")
)

// NotFoundError is returned when a fetch targets an absent id.
type NotFoundError struct {
	ID ID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: no entity by id %d", CodeNotFound, e.ID)
}

// Is matches ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// Code returns the error category.
func (e *NotFoundError) Code() ErrorCode { return CodeNotFound }

// AlreadyPairedError is returned by link when either side already has a partner.
type AlreadyPairedError struct {
	ID        ID
	PartnerID ID
}

func (e *AlreadyPairedError) Error() string {
	return fmt.Sprintf("%s: entity %d already has partner %d", CodeAlreadyPaired, e.ID, e.PartnerID)
}

// Is matches ErrAlreadyPaired.
func (e *AlreadyPairedError) Is(target error) bool { return target == ErrAlreadyPaired }

// Code returns the error category.
func (e *AlreadyPairedError) Code() ErrorCode { return CodeAlreadyPaired }

// SameValueError is returned by update when the new name equals the stored one.
type SameValueError struct {
	ID    ID
	Value string
}

func (e *SameValueError) Error() string {
	return fmt.Sprintf("%s: entity %d already has name %q", CodeSameValue, e.ID, e.Value)
}

// Is matches ErrSameValue.
func (e *SameValueError) Is(target error) bool { return target == ErrSameValue }

// Code returns the error category.
func (e *SameValueError) Code() ErrorCode { return CodeSameValue }

// NewNotFound builds a NotFoundError.
func NewNotFound(id ID) *NotFoundError { return &NotFoundError{ID: id} }

// NewAlreadyPaired builds an AlreadyPairedError.
func NewAlreadyPaired(id, partner ID) *AlreadyPairedError {
	return &AlreadyPairedError{ID: id, PartnerID: partner}
}

// NewSameValue builds a SameValueError.
func NewSameValue(id ID, value string) *SameValueError {
	return &SameValueError{ID: id, Value: value}
}

// CodeOf extracts the business error code from err, if any.
// Uses errors.As to handle wrapped errors.
func CodeOf(err error) (ErrorCode, bool) {
	var coded interface{ Code() ErrorCode }
	if errors.As(err, &coded) {
		return coded.Code(), true
	}
	if errors.Is(err, ErrInvalidName) {
		return CodeInvalidName, true
	}
	return "", false
}

// IsBusinessError reports whether err is one of the recoverable business errors.
func IsBusinessError(err error) bool {
	_, ok := CodeOf(err)
	return ok
}
