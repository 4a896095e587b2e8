// Package services defines the business logic for the deal pipeline, the
// sourced-deal ledger, issuer profiles and settings documents. This file
// centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and translation
// into user-facing messages or HTTP status codes should be performed at the
// handler/controller layer.
package services

import "errors"

// Pipeline errors.
var (
	// ErrNotFound indicates that the referenced deal or entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateDeal is returned when a create or rename would give a second
	// pipeline entry the same (company, partner) pair.
	ErrDuplicateDeal = errors.New("a pipeline entry for this company and partner already exists")

	// ErrNoChanges is returned when an update request differs from the stored
	// deal in no recognized field.
	ErrNoChanges = errors.New("no changes")

	// ErrInvalidStage is returned for a stage outside the known set.
	ErrInvalidStage = errors.New("invalid stage")

	// ErrInvalidDeal is returned when input fails field validation (missing
	// company, unknown deal type, probability outside 0-100, ...). It is
	// usually wrapped with the offending field.
	ErrInvalidDeal = errors.New("invalid deal")
)

// Settings errors.
var (
	// ErrInvalidSettings is returned when a settings document fails validation.
	ErrInvalidSettings = errors.New("invalid settings")
)
