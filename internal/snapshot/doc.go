// Package snapshot dumps relational tables to a line-oriented snapshot file
// and restores them.
//
// A snapshot is UTF-8 text with one JSON object per line. The first line is
// a header naming the format version and the schema version of the data
// model that wrote it; every other line is one row:
//
//	{"header":{"version":1,"productName":"tablesnap","productVersion":"1.0.0","schemaVersion":3,"date":"2024-01-01 00:00:00"}}
//	{"table":"users","values":{"createdAt":"2024-01-01 00:00:00","id":1,"name":"Alice"}}
//
// Column names are written in camelCase and mapped back through the live
// catalog on restore.
//
// Restores run inside one store transaction per invocation. When an
// invocation exceeds its time budget it commits and returns a
// ContinuationToken; the next invocation skips the records already consumed
// and carries on with a fresh budget. Rows that fail individually are
// counted, not fatal.
package snapshot
