package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/JonMunkholm/tablesnap/internal/snapshot"
	"github.com/JonMunkholm/tablesnap/internal/store"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"nil error returns empty", nil, ""},
		{"snapshot not found", fmt.Errorf("open x: %w", snapshot.ErrSnapshotNotFound), "SNP001"},
		{"invalid name", snapshot.ErrInvalidName, "SNP002"},
		{"missing header inside restore error", &snapshot.RestoreError{Phase: snapshot.PhaseHeader, Err: snapshot.ErrMissingHeader}, "SNP003"},
		{"format version", &snapshot.RestoreError{Phase: snapshot.PhaseHeader, Err: fmt.Errorf("%w: 2", snapshot.ErrUnsupportedFormatVersion)}, "SNP004"},
		{"schema version", fmt.Errorf("%w: 9 > 3", snapshot.ErrUnsupportedSchemaVersion), "SNP005"},
		{"no snapshot", ErrNoSnapshot, "SNP006"},
		{"invalid request", fmt.Errorf("%w: unexpected EOF", ErrInvalidRequest), "OP005"},
		{"invalid token", snapshot.ErrInvalidToken, "RST001"},
		{"token mismatch", &snapshot.RestoreError{Phase: snapshot.PhaseStream, Err: snapshot.ErrTokenMismatch}, "RST002"},
		{"clear phase", &snapshot.RestoreError{Phase: snapshot.PhaseClear, Table: "users", Err: errors.New("boom")}, "RST003"},
		{"flush phase", &snapshot.RestoreError{Phase: snapshot.PhaseFlush, Err: errors.New("boom")}, "RST004"},
		{"commit phase", &snapshot.RestoreError{Phase: snapshot.PhaseCommit, Err: errors.New("boom")}, "RST005"},
		{"other phase", &snapshot.RestoreError{Phase: snapshot.PhaseFinalize, Err: errors.New("boom")}, "RST007"},
		{"pattern beats phase", &snapshot.RestoreError{Phase: snapshot.PhaseFlush, Err: errors.New("ERROR: duplicate key value violates unique constraint")}, "DB001"},
		{"replication role", errors.New(`permission denied to set parameter "session_replication_role"`), "RST006"},
		{"external path", ErrExternalFilesDisabled, "RST008"},
		{"tree not configured", fmt.Errorf("%w: pages", ErrTreeNotConfigured), "TREE001"},
		{"tree column", errors.New("tree table pages: column not found: depth"), "TREE002"},
		{"writer busy", ErrWriterBusy, "OP001"},
		{"unknown table", fmt.Errorf("%w: nope", store.ErrUnknownTable), "DB009"},
		{"cancelled", fmt.Errorf("restore stream: %w", context.Canceled), "OP002"},
		{"deadline", context.DeadlineExceeded, "OP003"},
		{"connection refused", errors.New("dial tcp: connection refused"), "DB004"},
		{"unknown falls back", errors.New("something odd"), "ERR000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("MapError() code = %q, want %q", got.Code, tt.wantCode)
			}
			if tt.err != nil && (got.Message == "" || got.Action == "") {
				t.Errorf("MapError() returned incomplete message %+v", got)
			}
		})
	}
}

func TestFormatUserError(t *testing.T) {
	got := FormatUserError(ErrWriterBusy)
	if !strings.Contains(got, "(Code: OP001)") {
		t.Errorf("FormatUserError() = %q, want code reference", got)
	}
	if FormatUserError(nil) != "" {
		t.Error("FormatUserError(nil) should be empty")
	}
}

func TestIsUserFacing(t *testing.T) {
	if IsUserFacing(nil) {
		t.Error("nil is not user facing")
	}
	if IsUserFacing(errors.New("random failure")) {
		t.Error("unmatched error is not user facing")
	}
	if !IsUserFacing(snapshot.ErrSnapshotNotFound) {
		t.Error("known sentinel should be user facing")
	}
}

func TestNewUserError(t *testing.T) {
	if NewUserError(nil) != nil {
		t.Error("NewUserError(nil) should return nil")
	}
	tech := fmt.Errorf("wrapped: %w", snapshot.ErrInvalidToken)
	ue := NewUserError(tech)
	if ue.Error() != "The continuation token is invalid" {
		t.Errorf("Error() = %q", ue.Error())
	}
	if !errors.Is(ue, snapshot.ErrInvalidToken) {
		t.Error("UserError should unwrap to the technical error")
	}
}
