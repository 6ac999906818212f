package dispatch

import "errors"

var (
	// ErrNotFound is returned for unknown notification ids. No state
	// is mutated.
	ErrNotFound = errors.New("notification not found")

	// ErrAlreadySent guards terminal-state operations: a sent
	// notification cannot be claimed, canceled, or updated.
	ErrAlreadySent = errors.New("notification already sent")

	// ErrTerminalState is returned when updating a notification that
	// has already reached a terminal status.
	ErrTerminalState = errors.New("notification in terminal state")

	// ErrNoRecipients marks a dispatch whose audience resolved to zero
	// reachable recipients. An empty audience is an explicit failure,
	// not a silent success.
	ErrNoRecipients = errors.New("audience matched no reachable recipients")

	// ErrDispatchFailed wraps any failure contained within a single
	// dispatch attempt.
	ErrDispatchFailed = errors.New("dispatch failed")
)
