package table

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var timeNow = time.Now

// Op is the operation of a ChangeLog Entry. Ops are bit-flags, so that
// consumers may match Entries against a mask of the operations they care
// about.
type Op int

const (
	// OpInsert is the insertion of a new Row.
	OpInsert Op = 1 << iota
	// OpUpdate is the replacement of an existing Row.
	OpUpdate
	// OpDelete is the removal of a Row.
	OpDelete

	// OpAll masks every operation.
	OpAll = OpInsert | OpUpdate | OpDelete
)

// String returns "insert", "update" or "delete" for a single Op, and joins
// the set bits of a mask as eg "insert|delete".
func (op Op) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	var parts []string
	for _, o := range []Op{OpInsert, OpUpdate, OpDelete} {
		if op&o != 0 {
			parts = append(parts, o.String())
		}
	}
	if parts == nil {
		return "invalid"
	}
	return strings.Join(parts, "|")
}

// ParseOp returns the single Op named by |s|.
func ParseOp(s string) (Op, error) {
	switch s {
	case "insert":
		return OpInsert, nil
	case "update":
		return OpUpdate, nil
	case "delete":
		return OpDelete, nil
	default:
		return 0, NewValidationError("unknown op (%s)", s)
	}
}

// Validate returns an error if the Op is not a valid mask: non-zero, and
// drawn only from OpInsert, OpUpdate and OpDelete.
func (op Op) Validate() error {
	if op == 0 {
		return NewValidationError("zero Op mask")
	} else if op&^OpAll != 0 {
		return NewValidationError("invalid Op mask (%d)", op)
	}
	return nil
}

// Entry is a single recorded mutation of a Table.
type Entry struct {
	// Seq is the Entry's sequence, increasing monotonically from one within
	// its ChangeLog.
	Seq int64 `json:"seq"`
	// Op is the mutation which produced the Entry.
	Op Op `json:"op"`
	// Row is a snapshot of the mutated Row: the inserted or updated value, or
	// the Row as of its deletion.
	Row Row `json:"row"`
	// Time is the wall time at which the mutation was applied.
	Time time.Time `json:"time"`
}

// Cursor is a consumer's bookmark into a ChangeLog: the highest sequence the
// consumer has consumed, pinned to a specific log incarnation by LogID. A
// Cursor holding a different LogID than the log it's read against is stale,
// and reads from the log's beginning. The zero-valued Cursor reads any log
// from its beginning.
type Cursor struct {
	LogID uuid.UUID `json:"logID"`
	Seq   int64     `json:"seq"`
}

// Next returns the Cursor advanced to sequence |seq| of log |id|.
func (c Cursor) Next(id uuid.UUID, seq int64) Cursor {
	return Cursor{LogID: id, Seq: seq}
}

// ChangeLog is the ordered record of every mutation applied to its Table.
// Entries are recorded atomically with the mutation itself, and reads are
// non-destructive: consumption is tracked externally, by each consumer's
// Cursor.
type ChangeLog struct {
	mu      *sync.RWMutex // The owning Table's lock.
	id      uuid.UUID
	entries []Entry
}

// ID returns the log incarnation ID to which Cursors are pinned.
func (l *ChangeLog) ID() uuid.UUID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.id
}

// Head returns the sequence of the most recent Entry, or zero if the log is
// empty.
func (l *ChangeLog) Head() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.entries))
}

// HasUnconsumed returns whether Entries beyond the Cursor exist. It's a cheap
// head comparison, suited to gating consumers before they attempt a read.
func (l *ChangeLog) HasUnconsumed(cur Cursor) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if cur.LogID != l.id {
		return len(l.entries) != 0
	}
	return int64(len(l.entries)) > cur.Seq
}

// Read returns an Iterator over Entries having sequence greater than the
// Cursor's, in ascending order. If |through| is non-zero the iteration is
// bounded to Entries with Seq <= |through|; zero reads through the current
// head. The Iterator is a fixed snapshot: Entries recorded after Read are not
// returned by it.
func (l *ChangeLog) Read(cur Cursor, through int64) *Iterator {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var from int64
	if cur.LogID == l.id {
		from = cur.Seq
	}
	var bound = int64(len(l.entries))
	if through != 0 && through < bound {
		bound = through
	}
	if from > bound {
		from = bound
	}
	// Entry i has Seq i+1, so entries[from:bound] is exactly (from, bound].
	// The backing array is append-only and recorded Entries never mutate,
	// making the re-slice a safe snapshot.
	return &Iterator{entries: l.entries[from:bound]}
}

// record appends an Entry of |op| and |row|. The owning Table holds the lock.
func (l *ChangeLog) record(op Op, row Row) {
	l.entries = append(l.entries, Entry{
		Seq:  int64(len(l.entries)) + 1,
		Op:   op,
		Row:  row,
		Time: timeNow(),
	})
}

// Iterator iterates over a bounded range of ChangeLog Entries.
type Iterator struct {
	entries []Entry
	next    int
}

// Next returns the next Entry of the iteration, or io.EOF if none remain.
func (it *Iterator) Next() (Entry, error) {
	if it.next == len(it.entries) {
		return Entry{}, io.EOF
	}
	var e = it.entries[it.next]
	it.next++
	return e, nil
}
