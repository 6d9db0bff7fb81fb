package pipeline

import (
	"context"
	"time"

	"go.sluice.dev/core/table"
)

// Store is the durability boundary of a Stage. It owns the linchpin
// invariant of the engine: output rows and the advanced cursor become
// durable as one unit, or not at all, so that a crash or failed run leaves
// the stage in its pre-run state and a retry reproduces the same result.
type Store interface {
	// Recover rehydrates the stage's target Table (its ChangeLog identity
	// and entries) as of the most recent Commit, and returns the Cursor
	// committed with it. It's called once, before the stage's first run.
	Recover(ctx context.Context) (table.Cursor, error)
	// Commit durably records output |rows| and the advanced |cursor| as one
	// unit, and then applies |rows| to the live target Table. On error, no
	// rows are applied and the durable cursor is unchanged.
	Commit(ctx context.Context, rows []table.Row, cursor table.Cursor) error
	// Destroy releases resources of the Store.
	Destroy()
}

// MemStore is a Store without durability: commits apply directly to the
// live target Table, whose batched appends are already all-or-nothing. It's
// the default Store of library embeddings and tests.
type MemStore struct {
	Target *table.Table
}

// Recover returns a zero-valued Cursor: a MemStore pipeline always begins
// from its tables' current in-memory state.
func (s *MemStore) Recover(context.Context) (table.Cursor, error) {
	return table.Cursor{}, nil
}

// Commit appends |rows| to the target Table.
func (s *MemStore) Commit(ctx context.Context, rows []table.Row, _ table.Cursor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Target.Append(rows...)
}

// Destroy is a no-op.
func (s *MemStore) Destroy() {}

// pendingEntries derives the ChangeLog Entries which appending |rows| to
// |t| will record: insertions sequenced contiguously after the log's
// current head. Durable stores persist these entries before the live
// append is applied, so that a recovered Table replays identically.
func pendingEntries(t *table.Table, rows []table.Row) []table.Entry {
	var head = t.Log().Head()
	var now = time.Now()

	var entries = make([]table.Entry, len(rows))
	for i, r := range rows {
		entries[i] = table.Entry{
			Seq:  head + int64(i) + 1,
			Op:   table.OpInsert,
			Row:  r,
			Time: now,
		}
	}
	return entries
}
