// Package table provides the Table relation and its attached ChangeLog.
//
// A Table is an insertion-ordered collection of Rows. Every mutation applied
// to it (insert, update, or delete) is recorded as an Entry of its ChangeLog,
// under a sequence which increases monotonically from one. Consumers read
// Entries incrementally through Cursors: a Cursor marks the highest sequence
// its holder has consumed, and reads return only Entries beyond it, in order.
// Reads are non-destructive and any number of independent Cursors may consume
// the same log.
//
// A Cursor is pinned to a specific ChangeLog incarnation by the log's ID.
// Restoring a Table under a new log identity orphans previously-issued
// Cursors, which then read from the log's beginning.
package table
