// Package view implements the consumer-facing projections of a table: the
// ordered, filtered [TableView] and the single-row [RowView].
//
// # Threading
//
// Views are mutated only on the sync engine worker, reached through [Host].
// Readers on other goroutines use the accessors (Len, At, Rows, Row), which
// take a read lock, and treat a [Row] as a snapshot between change events.
// Change events are delivered through Host.Dispatch in mutation order.
//
// # Lifetime
//
// A view stays alive until Close is called or the context it was created
// with is done. Table storage discovers dead views lazily and releases their
// columns; no explicit unregistration is needed.
//
// # Scoping
//
// A table view can be scoped by a parent table view over the same table, in
// which case its effective filter is the conjunction of both, or by a parent
// row view through a child relation, in which case it only holds the rows
// whose relation columns equal the parent row's primary key.
package view
