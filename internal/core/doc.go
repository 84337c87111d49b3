// Package core provides the operations of tablesnap independent of any
// transport. The HTTP server and the CLI both drive a [Service].
//
// # Operations
//
//   - Snapshots: [Service.WriteSnapshot] streams a dump to any writer,
//     [Service.CreateSnapshot] writes one into the snapshot directory, and
//     the list, open, delete and prune calls manage the files there.
//   - Restores: [Service.Restore] runs one bounded invocation. When the time
//     budget runs out the result is suspended and carries a continuation
//     token; a later call with that token picks up at the next record.
//   - Tree repair: [Service.RepairTree] recomputes nested-set bounds of a
//     registered table, as a dry run or applied.
//
// # Writers
//
// Restores and applied repairs take the [WriterGate], so at most one of them
// runs at a time. Dumps only read.
//
// # Error Handling
//
// Technical errors are mapped to user-facing messages with [MapError]. Each
// category has its own code prefix for support reference:
//
//   - SNP: snapshot files
//   - RST: restores
//   - TREE: tree repair
//   - DB: database errors
//   - OP: gate, cancellation and rate limits
//
// # Audit Log
//
// Every write is recorded in an in-process [AuditLog] with the caller's
// address, with severities from low (snapshot created) to critical (restore).
package core
