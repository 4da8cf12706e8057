// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// WaitKind identifies what a bounded wait was waiting for.
type WaitKind int

const (
	// WaitMount is a wait for a client mount to become usable.
	WaitMount = WaitKind(iota)

	// WaitState is a wait for a metadata daemon to reach a lifecycle state.
	WaitState

	// WaitVisibility is a wait for a file to appear in a mount.
	WaitVisibility

	// WaitCondition is a wait for an arbitrary polled value.
	WaitCondition

	// WaitHealth is a wait for a cluster health message.
	WaitHealth
)

var waitDescription = map[WaitKind]string{
	WaitMount:      "mount",
	WaitState:      "daemon state",
	WaitVisibility: "file visibility",
	WaitCondition:  "condition",
	WaitHealth:     "health",
}

// String returns a human-readable description of the wait kind.
func (k WaitKind) String() string {
	if s, ok := waitDescription[k]; ok {
		return s
	}
	return fmt.Sprintf("unknown wait kind %d", int(k))
}

// TimeoutError is returned when a bounded wait expires.
type TimeoutError struct {
	Kind    WaitKind
	What    string        // The awaited condition, e.g. "up:active" or a file name.
	Elapsed time.Duration // How long we waited.
	Limit   time.Duration // The bound that was exceeded.
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for %s %q after %s (limit %s)", e.Kind, e.What, e.Elapsed.Round(time.Millisecond), e.Limit)
}

// UnexpectedStateError is returned when a wait observes a state it was told
// to reject.
type UnexpectedStateError struct {
	Daemon  string
	State   string
	Elapsed time.Duration
}

func (e *UnexpectedStateError) Error() string {
	return fmt.Sprintf("daemon %s entered unexpected state %q after %s", e.Daemon, e.State, e.Elapsed.Round(time.Millisecond))
}

// CommandFailedError is returned when a remote command exits with a nonzero
// status.
type CommandFailedError struct {
	Host       string
	Command    string
	ExitStatus int
	Stderr     string
}

func (e *CommandFailedError) Error() string {
	msg := fmt.Sprintf("command failed on %s with status %d: %s", e.Host, e.ExitStatus, e.Command)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// ConnectionLostError is returned when the transport to a remote host is lost
// before a command reports its exit status.
type ConnectionLostError struct {
	Host    string
	Command string
	Err     error
}

func (e *ConnectionLostError) Error() string {
	return fmt.Sprintf("connection to %s lost while running %q: %v", e.Host, e.Command, e.Err)
}

func (e *ConnectionLostError) Unwrap() error { return e.Err }

// AssertionError is returned when an observed cluster property does not match
// what a scenario expects.
type AssertionError struct {
	Msg      string
	Expected interface{}
	Actual   interface{}
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("%s: expected %v, got %v", e.Msg, e.Expected, e.Actual)
}

// SessionNotFoundError is returned when a session id is not in the daemon's
// session table.
type SessionNotFoundError struct {
	ID int64
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session %d not found", e.ID)
}

// MissingFileError is returned when a file expected in a mount is absent.
type MissingFileError struct {
	Path string
	Err  error
}

func (e *MissingFileError) Error() string {
	return fmt.Sprintf("file %s missing: %v", e.Path, e.Err)
}

func (e *MissingFileError) Unwrap() error { return e.Err }

// SkipError marks a test that cannot run in the current environment.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string { return "skipped: " + e.Reason }

// Skip returns a SkipError with a formatted reason.
func Skip(format string, args ...interface{}) error {
	return &SkipError{Reason: fmt.Sprintf(format, args...)}
}

// IsExpectedDisconnection returns true if err is the kind of failure a
// background process reports when its client was deliberately killed:
// either the command failed or the connection to its host went away.
func IsExpectedDisconnection(err error) bool {
	var cf *CommandFailedError
	var cl *ConnectionLostError
	return errors.As(err, &cf) || errors.As(err, &cl)
}

// IsSkip returns true if err marks a skipped test.
func IsSkip(err error) bool {
	var s *SkipError
	return errors.As(err, &s)
}
