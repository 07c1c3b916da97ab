package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/oire/internal/interaction"
)

// ErrEngineStopped is returned by calls made after Run has returned.
var ErrEngineStopped = errors.New("engine stopped")

// ToggleError is a rejected or failed toggle.
//
// Rejections (every code except ErrCodeRemoteWriteFailure) are returned by
// Toggle before any optimistic apply. A remote write failure is reported on
// the Ticket after the record has been rolled back.
type ToggleError struct {
	// Code identifies the error category.
	Code ToggleErrorCode

	// Message is a human-readable description.
	Message string

	ItemID string
	Kind   interaction.Kind

	// Err is the underlying cause, if any.
	Err error
}

// ToggleErrorCode categorizes toggle errors.
type ToggleErrorCode string

const (
	// ErrCodeForbiddenSelfInteraction: the author toggled an author-exclusive kind.
	ErrCodeForbiddenSelfInteraction ToggleErrorCode = "FORBIDDEN_SELF_INTERACTION"

	// ErrCodeOffline: an online-only kind was toggled while offline.
	ErrCodeOffline ToggleErrorCode = "OFFLINE"

	// ErrCodeRemoteWriteFailure: the write failed after the optimistic apply.
	ErrCodeRemoteWriteFailure ToggleErrorCode = "REMOTE_WRITE_FAILURE"

	// ErrCodeCategoryNotAllowed: the kind is not valid for the item's category.
	ErrCodeCategoryNotAllowed ToggleErrorCode = "CATEGORY_NOT_ALLOWED"

	// ErrCodeUnknownKind: the kind has no policy.
	ErrCodeUnknownKind ToggleErrorCode = "UNKNOWN_KIND"

	// ErrCodeItemNotVisible: the item has no materialized records.
	ErrCodeItemNotVisible ToggleErrorCode = "ITEM_NOT_VISIBLE"
)

// Error implements the error interface.
func (e *ToggleError) Error() string {
	msg := fmt.Sprintf("%s: %s (item=%s, kind=%s)", e.Code, e.Message, e.ItemID, e.Kind)
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ToggleError) Unwrap() error {
	return e.Err
}

func newToggleError(code ToggleErrorCode, key interaction.Key, msg string, cause error) *ToggleError {
	return &ToggleError{Code: code, Message: msg, ItemID: key.ItemID, Kind: key.Kind, Err: cause}
}

func hasCode(err error, code ToggleErrorCode) bool {
	var te *ToggleError
	if errors.As(err, &te) {
		return te.Code == code
	}
	return false
}

// IsForbiddenSelfInteraction reports whether err is an author self-toggle rejection.
func IsForbiddenSelfInteraction(err error) bool {
	return hasCode(err, ErrCodeForbiddenSelfInteraction)
}

// IsOffline reports whether err is an offline rejection.
func IsOffline(err error) bool {
	return hasCode(err, ErrCodeOffline)
}

// IsRemoteWriteFailure reports whether err is a rolled-back write failure.
func IsRemoteWriteFailure(err error) bool {
	return hasCode(err, ErrCodeRemoteWriteFailure)
}

// IsItemNotVisible reports whether err names an item without live records.
func IsItemNotVisible(err error) bool {
	return hasCode(err, ErrCodeItemNotVisible)
}
