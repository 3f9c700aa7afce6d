// Package common defines shared sentinel errors used across the satellite
// components. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Admission / transfer boundary errors. ErrBusy is returned when a slot
	// limit would be exceeded, ErrTransferRejected for any other reason a
	// transfer cannot be created. Both get wrapped with a descriptive message.
	ErrBusy             = errors.New("server busy")
	ErrTransferRejected = errors.New("transfer rejected")

	// ErrInvalidToken means a token does not refer to a known transfer, or
	// was rejected by the master server.
	ErrInvalidToken = errors.New("invalid token")

	// ErrCorruptUpload is the terminal error of a transfer whose chunks kept
	// failing hash verification.
	ErrCorruptUpload = errors.New("uploaded data is corrupted - source possibly modified while transferring")

	// Generic internal flow control.
	ErrInternal = errors.New("internal error")

	// ErrAlreadyInProgress is returned when a check job for the same version
	// is already queued or running.
	ErrAlreadyInProgress = errors.New("already in progress")

	// ErrQueueFull is returned when a bounded job queue cannot accept more work.
	ErrQueueFull = errors.New("too many queued jobs")

	// ErrClosed is returned when work arrives at a component that has
	// already shut down.
	ErrClosed = errors.New("closed")
)
