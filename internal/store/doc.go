// Package store implements the column-storage table mirroring one server
// table.
//
// # Overview
//
// A [Table] keeps raw rows ([RowData]) ordered by primary key. Each row is an
// array of (value, modified) slots indexed by field. Fields are activated by
// the schemas registered against the table and reference counted: a field
// whose count drops to zero is no longer requested from the server.
//
// # Subscribers
//
// Views register a [Subscriber] and receive a [Mapping] that translates their
// schema column order into field indexes. Every observable row change is
// fanned out to the live subscribers through RowChanged and RowRemoved, with
// a read-only [RowSource]. Subscribers report their own liveness; dead ones
// are pruned lazily the next time the subscriber list is walked, releasing
// their field references.
//
// # Concurrency
//
// A Table is not safe for concurrent use. It is owned by the sync engine
// worker, which is the only goroutine mutating it.
package store
