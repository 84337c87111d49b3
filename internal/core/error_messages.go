package core

// error_messages.go maps technical errors to user-facing messages with codes
// for support reference.
//
// # Error Codes Reference
//
// # Snapshot Files (SNP001-SNP099)
//
//	SNP001 - Snapshot not found
//	         Action: List snapshots and pick an existing file name
//	SNP002 - Invalid snapshot name
//	         Action: Use a plain file name ending in .jsonl
//	SNP003 - Missing header: the file is empty or not a snapshot
//	         Action: Check that the file was produced by a snapshot dump
//	SNP004 - Unsupported format version
//	         Action: Restore with the release that wrote the snapshot
//	SNP005 - Newer schema version than this installation
//	         Action: Upgrade before restoring this snapshot
//	SNP006 - Restore request names no snapshot
//	         Action: Pass a snapshot file or a continuation token
//
// # Restores (RST001-RST099)
//
//	RST001 - Invalid continuation token
//	         Action: Start a new restore
//	RST002 - Token does not match the snapshot
//	         Action: Resume with the same snapshot that issued the token
//	RST003 - Clearing tables failed
//	RST004 - Writing rows failed
//	RST005 - Commit failed
//	RST006 - Integrity checks could not be switched
//	         Action: Grant the database role permission to set session_replication_role
//	RST007 - Other restore failure
//	RST008 - External file paths are disabled
//	         Action: Copy the file into the snapshot directory
//
// # Tree Repair (TREE001-TREE099)
//
//	TREE001 - Table is not configured as a tree
//	TREE002 - Configured tree column is missing
//	TREE003 - Tree table is read-only
//
// # Database Errors (DB001-DB099)
//
// Pattern-matched on the driver's message, case-insensitively:
//
//	DB001 - Duplicate key          "duplicate key"
//	DB003 - Foreign key            "foreign key"
//	DB004 - Connection refused     "connection refused"
//	DB005 - Connection reset       "connection reset"
//	DB007 - Deadlock               "deadlock"
//	DB008 - Permission denied      "permission denied"
//	DB009 - Unknown table          store.ErrUnknownTable
//
// # Operations (OP001-OP099)
//
//	OP001 - Another restore or repair is running
//	OP002 - Request cancelled
//	OP003 - Request timed out
//	OP004 - Rate limited
//	OP005 - Malformed request
//
// # Default Error (ERR000)
//
// Fallback when nothing matches. Check application logs for the original
// technical error.

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/tablesnap/internal/snapshot"
	"github.com/JonMunkholm/tablesnap/internal/store"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

type sentinelMessage struct {
	err error
	msg UserMessage
}

// sentinelMessages are checked with errors.Is, in order.
var sentinelMessages = []sentinelMessage{
	{snapshot.ErrSnapshotNotFound, UserMessage{
		Message: "Snapshot not found",
		Action:  "List snapshots and pick an existing file name",
		Code:    "SNP001",
	}},
	{snapshot.ErrInvalidName, UserMessage{
		Message: "Invalid snapshot name",
		Action:  "Use a plain file name ending in .jsonl",
		Code:    "SNP002",
	}},
	{snapshot.ErrMissingHeader, UserMessage{
		Message: "The file is empty or is not a snapshot",
		Action:  "Check that the file was produced by a snapshot dump",
		Code:    "SNP003",
	}},
	{snapshot.ErrUnsupportedFormatVersion, UserMessage{
		Message: "The snapshot was written in an unsupported format version",
		Action:  "Restore with the release that wrote the snapshot",
		Code:    "SNP004",
	}},
	{snapshot.ErrUnsupportedSchemaVersion, UserMessage{
		Message: "The snapshot comes from a newer schema version",
		Action:  "Upgrade before restoring this snapshot",
		Code:    "SNP005",
	}},
	{ErrNoSnapshot, UserMessage{
		Message: "No snapshot was given",
		Action:  "Pass a snapshot file or a continuation token",
		Code:    "SNP006",
	}},
	{snapshot.ErrInvalidToken, UserMessage{
		Message: "The continuation token is invalid",
		Action:  "Start a new restore",
		Code:    "RST001",
	}},
	{snapshot.ErrTokenMismatch, UserMessage{
		Message: "The continuation token does not match this snapshot",
		Action:  "Resume with the same snapshot that issued the token",
		Code:    "RST002",
	}},
	{ErrExternalFilesDisabled, UserMessage{
		Message: "Restoring from a path outside the snapshot directory is disabled",
		Action:  "Copy the file into the snapshot directory",
		Code:    "RST008",
	}},
	{ErrTreeNotConfigured, UserMessage{
		Message: "This table is not configured as a tree",
		Action:  "Add the table to NESTEDSET_TABLES",
		Code:    "TREE001",
	}},
	{ErrWriterBusy, UserMessage{
		Message: "Another restore or repair is running",
		Action:  "Please wait a moment and try again",
		Code:    "OP001",
	}},
	{ErrInvalidRequest, UserMessage{
		Message: "The request could not be read",
		Action:  "Check the request body and parameters",
		Code:    "OP005",
	}},
	{store.ErrUnknownTable, UserMessage{
		Message: "Unknown table",
		Action:  "Verify the table name is correct",
		Code:    "DB009",
	}},
	{context.Canceled, UserMessage{
		Message: "Request was cancelled",
		Action:  "Please try again",
		Code:    "OP002",
	}},
	{context.DeadlineExceeded, UserMessage{
		Message: "Request timed out",
		Action:  "Resume the restore with its token or raise the time budget",
		Code:    "OP003",
	}},
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns maps technical error text (case-insensitive) to user messages.
// The first matching pattern wins, so specific patterns come first.
var errorPatterns = []errorPattern{
	{
		pattern: "session_replication_role",
		msg: UserMessage{
			Message: "Integrity checks could not be switched off",
			Action:  "Grant the database role permission to set session_replication_role",
			Code:    "RST006",
		},
	},
	{
		pattern: "column not found",
		msg: UserMessage{
			Message: "A configured tree column is missing",
			Action:  "Check the NESTEDSET_*_COLUMN settings against the table",
			Code:    "TREE002",
		},
	},
	{
		pattern: "is read-only",
		msg: UserMessage{
			Message: "The table is read-only",
			Action:  "Remove it from SNAPSHOT_READONLY_TABLES to allow writes",
			Code:    "TREE003",
		},
	},
	{
		pattern: "duplicate key",
		msg: UserMessage{
			Message: "A record with this key already exists",
			Action:  "Check the snapshot for duplicate rows",
			Code:    "DB001",
		},
	},
	{
		pattern: "foreign key",
		msg: UserMessage{
			Message: "Referenced record does not exist",
			Action:  "Restore the parent tables as well",
			Code:    "DB003",
		},
	},
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to database",
			Action:  "Please try again in a few moments",
			Code:    "DB004",
		},
	},
	{
		pattern: "connection reset",
		msg: UserMessage{
			Message: "Database connection was interrupted",
			Action:  "Please try again",
			Code:    "DB005",
		},
	},
	{
		pattern: "deadlock",
		msg: UserMessage{
			Message: "Database was busy with conflicting operations",
			Action:  "Please try again",
			Code:    "DB007",
		},
	},
	{
		pattern: "permission denied",
		msg: UserMessage{
			Message: "The database role lacks a required permission",
			Action:  "Check the grants of the configured database user",
			Code:    "DB008",
		},
	},
	{
		pattern: "rate limit",
		msg: UserMessage{
			Message: "Too many requests",
			Action:  "Please wait a moment before trying again",
			Code:    "OP004",
		},
	},
}

// phaseMessages cover restore failures no sentinel or pattern explains.
var phaseMessages = map[snapshot.Phase]UserMessage{
	snapshot.PhaseClear: {
		Message: "Clearing tables before the restore failed",
		Action:  "Check the logs for the table that could not be cleared",
		Code:    "RST003",
	},
	snapshot.PhaseFlush: {
		Message: "Writing restored rows failed",
		Action:  "Check the logs for the failing table",
		Code:    "RST004",
	},
	snapshot.PhaseCommit: {
		Message: "Committing the restore failed",
		Action:  "Nothing was changed. Please try again",
		Code:    "RST005",
	},
	snapshot.PhaseIntegrity: {
		Message: "Integrity checks could not be switched",
		Action:  "Check the database role's permissions",
		Code:    "RST006",
	},
}

var restoreDefault = UserMessage{
	Message: "The restore failed and was rolled back",
	Action:  "Check the logs, then start the restore again",
	Code:    "RST007",
}

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
// Known sentinel errors win, then message patterns, then the phase of a
// restore failure. Anything else is ERR000.
//
// Example:
//
//	msg := MapError(fmt.Errorf("open: %w", snapshot.ErrSnapshotNotFound))
//	// msg.Code == "SNP001"
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	for _, sm := range sentinelMessages {
		if errors.Is(err, sm.err) {
			return sm.msg
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	var re *snapshot.RestoreError
	if errors.As(err, &re) {
		if msg, ok := phaseMessages[re.Phase]; ok {
			return msg
		}
		return restoreDefault
	}

	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to something more specific than ERR000.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError pairs a technical error with its user-facing message.
type UserError struct {
	Technical error       // Original technical error for logging
	User      UserMessage // User-friendly message for display
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err. Returns nil if err is nil.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{
		Technical: err,
		User:      MapError(err),
	}
}
