// Package schema describes row types: their columns, primary key and
// relations to other row types.
//
// # Overview
//
// Row types are declared as data ([Declaration]) and registered once at
// startup. A [Registry] turns declarations into [Schema] values lazily, the
// first time one is requested, and memoizes both successes and failures:
// configuration errors are never retried.
//
// # Relations
//
// A parent relation lets a child row locate its single parent row from its
// own column values. A child relation is the inverse: it enumerates the rows
// of another type whose listed columns equal this row's primary key. Both are
// stored as the same [Relation] value and interned process-wide so that
// structurally identical relations share one instance.
//
// Declarations may reference each other in both directions. Resolution walks
// relations recursively and detects cycles; a schema reached again while it
// is still being built is used as-is since its columns and primary key are
// already final at that point.
package schema
