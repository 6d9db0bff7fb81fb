package table

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Errors returned by Table mutations.
var (
	// ErrTableFull is returned by appends which would grow the Table beyond
	// its MaxRows bound.
	ErrTableFull = errors.New("table is at capacity")
	// ErrNoSuchRow is returned by updates and deletes of a key which is not
	// present in the Table.
	ErrNoSuchRow = errors.New("row does not exist")
	// ErrDuplicateRow is returned by appends of a key which is already
	// present in the Table.
	ErrDuplicateRow = errors.New("row already exists")
	// ErrNoKey is returned by updates and deletes of a Table whose Spec
	// names no Key field.
	ErrNoKey = errors.New("table has no key field")
)

// Row is a single record of a Table. Rows are application-defined,
// JSON-marshalable field maps. A Row handed to or returned by a Table must be
// treated as immutable thereafter.
type Row map[string]interface{}

// Copy returns a copy of the Row. Field values are shared.
func (r Row) Copy() Row {
	var out = make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Spec describes a Table.
type Spec struct {
	// Name of the Table.
	Name string `yaml:"name"`
	// Key is the Row field which uniquely identifies a Row, enabling updates
	// and deletes. Key values are canonicalized to strings. Optional: a Table
	// without a Key is append-only and performs no uniqueness checks.
	Key string `yaml:"key,omitempty"`
	// MaxRows bounds the number of Rows the Table will hold. Appends which
	// would exceed it fail with ErrTableFull. Zero means unbounded.
	MaxRows int `yaml:"maxRows,omitempty"`
}

// Validate returns an error if the Spec is not well-formed.
func (s Spec) Validate() error {
	if err := ValidateName(s.Name); err != nil {
		return ExtendContext(err, "Name")
	} else if s.MaxRows < 0 {
		return NewValidationError("invalid MaxRows (%d; expected >= 0)", s.MaxRows)
	}
	return nil
}

// Table is an insertion-ordered relation of Rows. Every mutation is recorded
// by its attached ChangeLog as one Entry per Row, atomically with the
// mutation itself. Batched mutations are all-or-nothing: either every Row of
// the batch applies, or the Table and its log are unchanged.
type Table struct {
	spec Spec

	mu   sync.RWMutex
	rows []Row
	keys map[string]int // Key value => index into |rows|.
	log  *ChangeLog
}

// New returns an empty Table of the Spec, with a new attached ChangeLog.
func New(spec Spec) (*Table, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	var t = &Table{spec: spec}
	if spec.Key != "" {
		t.keys = make(map[string]int)
	}
	t.log = &ChangeLog{mu: &t.mu, id: uuid.New()}
	return t, nil
}

// Spec returns the Table's Spec.
func (t *Table) Spec() Spec { return t.spec }

// Log returns the Table's attached ChangeLog.
func (t *Table) Log() *ChangeLog { return t.log }

// Append inserts |rows| into the Table, recording one OpInsert Entry per Row.
func (t *Table) Append(rows ...Row) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkAppend(rows); err != nil {
		return err
	}
	for _, r := range rows {
		r = r.Copy()
		t.insert(r)
		t.log.record(OpInsert, r)
	}
	return nil
}

// CheckAppend reports whether Append(rows...) would currently succeed,
// without applying it.
func (t *Table) CheckAppend(rows ...Row) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.checkAppend(rows)
}

// Update replaces the Rows having |rows|'s respective keys, recording one
// OpUpdate Entry per Row. Rows keep their insertion position.
func (t *Table) Update(rows ...Row) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.spec.Key == "" {
		return ErrNoKey
	}
	var keys = make([]string, len(rows))
	for i, r := range rows {
		var k, err = t.rowKey(r)
		if err != nil {
			return err
		} else if _, ok := t.keys[k]; !ok {
			return errors.WithMessagef(ErrNoSuchRow, "key %q", k)
		}
		keys[i] = k
	}
	for i, r := range rows {
		r = r.Copy()
		t.rows[t.keys[keys[i]]] = r
		t.log.record(OpUpdate, r)
	}
	return nil
}

// Delete removes the Rows having |keys|, recording one OpDelete Entry per Row
// which snapshots the Row as of its deletion. Keys are in their canonical
// string form.
func (t *Table) Delete(keys ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.spec.Key == "" {
		return ErrNoKey
	}
	for _, k := range keys {
		if _, ok := t.keys[k]; !ok {
			return errors.WithMessagef(ErrNoSuchRow, "key %q", k)
		}
	}
	for _, k := range keys {
		var ind = t.keys[k]
		var snap = t.rows[ind]
		t.remove(ind)
		t.log.record(OpDelete, snap)
	}
	return nil
}

// Scan returns the full current contents of the Table, in insertion order.
// Returned Rows are copies and may be retained by the caller.
func (t *Table) Scan() []Row {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out = make([]Row, len(t.rows))
	for i, r := range t.rows {
		out[i] = r.Copy()
	}
	return out
}

// Get returns a copy of the Row having |key|, if present.
func (t *Table) Get(key string) (Row, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if ind, ok := t.keys[key]; ok {
		return t.rows[ind].Copy(), true
	}
	return nil, false
}

// Len returns the current number of Rows.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// Restore replaces the Table's contents and ChangeLog wholesale, by replaying
// |entries| against an emptied Table and installing them as the log of
// incarnation |id|. Entries must be sequenced contiguously from one. Restore
// is used by stores recovering a Table from a prior commit; Cursors pinned to
// the Table's previous log incarnation are orphaned by it.
func (t *Table) Restore(id uuid.UUID, entries []Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rows = t.rows[:0]
	if t.keys != nil {
		t.keys = make(map[string]int)
	}
	for i, e := range entries {
		if e.Seq != int64(i)+1 {
			return errors.Errorf("entry has sequence %d (expected %d)", e.Seq, i+1)
		}
		if err := t.replay(e); err != nil {
			return errors.WithMessagef(err, "replaying entry %d", e.Seq)
		}
	}
	t.log.id = id
	t.log.entries = append([]Entry(nil), entries...)
	return nil
}

func (t *Table) replay(e Entry) error {
	switch e.Op {
	case OpInsert:
		if err := t.checkAppend([]Row{e.Row}); err != nil {
			return err
		}
		t.insert(e.Row)
	case OpUpdate:
		var k, err = t.rowKey(e.Row)
		if err != nil {
			return err
		} else if ind, ok := t.keys[k]; !ok {
			return errors.WithMessagef(ErrNoSuchRow, "key %q", k)
		} else {
			t.rows[ind] = e.Row
		}
	case OpDelete:
		var k, err = t.rowKey(e.Row)
		if err != nil {
			return err
		} else if ind, ok := t.keys[k]; !ok {
			return errors.WithMessagef(ErrNoSuchRow, "key %q", k)
		} else {
			t.remove(ind)
		}
	default:
		return errors.Errorf("invalid op (%s)", e.Op)
	}
	return nil
}

func (t *Table) checkAppend(rows []Row) error {
	if t.spec.MaxRows != 0 && len(t.rows)+len(rows) > t.spec.MaxRows {
		return errors.WithMessagef(ErrTableFull, "MaxRows %d", t.spec.MaxRows)
	}
	if t.spec.Key == "" {
		return nil
	}
	var seen = make(map[string]struct{}, len(rows))
	for _, r := range rows {
		var k, err = t.rowKey(r)
		if err != nil {
			return err
		}
		if _, ok := t.keys[k]; ok {
			return errors.WithMessagef(ErrDuplicateRow, "key %q", k)
		} else if _, ok = seen[k]; ok {
			return errors.WithMessagef(ErrDuplicateRow, "key %q", k)
		}
		seen[k] = struct{}{}
	}
	return nil
}

// insert appends |r| under the Table lock. The caller has already validated.
func (t *Table) insert(r Row) {
	if t.keys != nil {
		var k, _ = t.rowKey(r)
		t.keys[k] = len(t.rows)
	}
	t.rows = append(t.rows, r)
}

// remove deletes the Row at |ind| under the Table lock, re-indexing the tail.
func (t *Table) remove(ind int) {
	var k, _ = t.rowKey(t.rows[ind])
	delete(t.keys, k)

	t.rows = append(t.rows[:ind], t.rows[ind+1:]...)
	for i := ind; i != len(t.rows); i++ {
		k, _ = t.rowKey(t.rows[i])
		t.keys[k] = i
	}
}

// rowKey canonicalizes |r|'s Key field to a string.
func (t *Table) rowKey(r Row) (string, error) {
	var v, ok = r[t.spec.Key]
	if !ok {
		return "", errors.Errorf("row has no %q field", t.spec.Key)
	}
	return fmt.Sprint(v), nil
}
