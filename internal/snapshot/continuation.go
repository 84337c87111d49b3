package snapshot

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// tokenVersion is bumped whenever ContinuationToken changes incompatibly.
const tokenVersion = 1

// ErrInvalidToken is returned for continuation tokens that cannot be decoded.
var ErrInvalidToken = errors.New("invalid continuation token")

// ContinuationToken carries the progress of a suspended restore. A caller
// passes it back to resume in a new invocation with a fresh time budget.
type ContinuationToken struct {
	Version   int      `json:"v"`
	RestoreID string   `json:"restoreId"`
	Source    string   `json:"source"`
	Tables    []string `json:"tables,omitempty"`

	// MaxExecutionMS is the per-invocation budget the restore started with.
	MaxExecutionMS int64 `json:"maxExecutionMs,omitempty"`

	SchemaVersion    int    `json:"schemaVersion"`
	ResumeLineNumber int    `json:"resumeLineNumber"`
	ActiveTable      string `json:"activeTable,omitempty"`
	Invocations      int    `json:"invocations"`

	TotalLinesRead int `json:"totalLinesRead"`
	SkippedRows    int `json:"skippedRows"`
	FailedRows     int `json:"failedRows"`
	InsertedRows   int `json:"insertedRows"`
	VetoedRows     int `json:"vetoedRows"`
}

// Encode returns the token as an opaque URL-safe string.
func (t ContinuationToken) Encode() (string, error) {
	t.Version = tokenVersion
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeToken parses a string produced by ContinuationToken.Encode.
func DecodeToken(s string) (*ContinuationToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var t ContinuationToken
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if t.Version != tokenVersion {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidToken, t.Version)
	}
	if t.Source == "" || t.ResumeLineNumber < 0 {
		return nil, fmt.Errorf("%w: missing source or position", ErrInvalidToken)
	}
	return &t, nil
}

// Report returns the counters carried by the token.
func (t *ContinuationToken) Report() Report {
	return Report{
		TotalLinesRead: t.TotalLinesRead,
		SkippedRows:    t.SkippedRows,
		FailedRows:     t.FailedRows,
		InsertedRows:   t.InsertedRows,
		VetoedRows:     t.VetoedRows,
	}
}
