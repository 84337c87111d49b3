package snapshot

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedFormatVersion is returned for files written by a newer
	// format than FormatVersion.
	ErrUnsupportedFormatVersion = errors.New("unsupported snapshot format version")

	// ErrUnsupportedSchemaVersion is returned for files whose schema version
	// is newer than the live schema.
	ErrUnsupportedSchemaVersion = errors.New("unsupported snapshot schema version")

	// ErrTokenMismatch is returned when a continuation token does not fit
	// the snapshot it is resumed against.
	ErrTokenMismatch = errors.New("continuation token does not match snapshot")
)

// Phase names the restore step a fatal error occurred in.
type Phase string

const (
	PhaseHeader    Phase = "header"
	PhaseCatalog   Phase = "catalog"
	PhaseBegin     Phase = "begin"
	PhaseIntegrity Phase = "integrity"
	PhaseClear     Phase = "clear"
	PhaseStream    Phase = "stream"
	PhaseFlush     Phase = "flush"
	PhaseFinalize  Phase = "finalize"
	PhaseCommit    Phase = "commit"
)

// RestoreError is a fatal restore failure. The transaction was rolled back.
type RestoreError struct {
	Phase Phase
	Table string
	Err   error
}

func (e *RestoreError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("restore %s (%s): %v", e.Phase, e.Table, e.Err)
	}
	return fmt.Sprintf("restore %s: %v", e.Phase, e.Err)
}

func (e *RestoreError) Unwrap() error {
	return e.Err
}
