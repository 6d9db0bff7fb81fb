package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go.sluice.dev/core/table"
)

// SQLStore is a Store which utilizes a remote database having a
// "database/sql" compatible driver (eg lib/pq or mattn/go-sqlite3). Three
// tables are required, which the user is responsible for creating (exact
// data types may vary with the store dialect; see SQLSchema):
//
//	CREATE TABLE sluice_tables (
//	  table_name TEXT PRIMARY KEY NOT NULL,
//	  log_id     TEXT NOT NULL
//	);
//	CREATE TABLE sluice_changelog (
//	  table_name TEXT      NOT NULL,
//	  seq        INTEGER   NOT NULL,
//	  op         INTEGER   NOT NULL,
//	  row        BLOB      NOT NULL,
//	  time       TIMESTAMP NOT NULL,
//	  PRIMARY KEY (table_name, seq)
//	);
//	CREATE TABLE sluice_cursors (
//	  stage  TEXT    PRIMARY KEY NOT NULL,
//	  fence  INTEGER NOT NULL,
//	  log_id TEXT    NOT NULL,
//	  seq    INTEGER NOT NULL
//	);
//
// Recover increments the stage's "fence" column, and every Commit requires
// the fence still hold the incremented value: a concurrent process which
// recovers the same stage bumps the fence again, and the elder process's
// next Commit fails with ErrCursorFence rather than splitting cursor
// ownership.
type SQLStore struct {
	DB *sql.DB

	stage  string
	target *table.Table
	fence  int64
}

// SQLSchema is a dialect-neutral rendering of the schema SQLStore requires,
// suitable for SQLite and Postgres. It's provided as a convenience;
// production deployments typically manage the schema themselves.
const SQLSchema = `
CREATE TABLE IF NOT EXISTS sluice_tables (
  table_name TEXT PRIMARY KEY NOT NULL,
  log_id     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sluice_changelog (
  table_name TEXT      NOT NULL,
  seq        INTEGER   NOT NULL,
  op         INTEGER   NOT NULL,
  row        TEXT      NOT NULL,
  time       TIMESTAMP NOT NULL,
  PRIMARY KEY (table_name, seq)
);
CREATE TABLE IF NOT EXISTS sluice_cursors (
  stage  TEXT    PRIMARY KEY NOT NULL,
  fence  INTEGER NOT NULL,
  log_id TEXT    NOT NULL,
  seq    INTEGER NOT NULL
);
`

// NewSQLStore returns a SQLStore of |stage| and its |target| Table, using
// the *DB.
func NewSQLStore(db *sql.DB, stage string, target *table.Table) *SQLStore {
	return &SQLStore{DB: db, stage: stage, target: target}
}

// Recover restores the target Table from persisted ChangeLog entries,
// installs the stage's fence, and returns the cursor of the most recent
// Commit (or a zero Cursor if the stage has never committed).
func (s *SQLStore) Recover(ctx context.Context) (cur table.Cursor, err error) {
	var txn *sql.Tx
	if txn, err = s.DB.BeginTx(ctx, nil); err != nil {
		return cur, errors.WithMessage(err, "beginning recovery transaction")
	}
	defer func() {
		if err != nil {
			_ = txn.Rollback()
		}
	}()

	// Bump and read the fence, inserting the cursor row if this stage has
	// never been recovered before.
	if _, err = txn.ExecContext(ctx,
		`UPDATE sluice_cursors SET fence = fence + 1 WHERE stage = $1;`, s.stage); err != nil {
		return cur, errors.WithMessage(err, "updating fence")
	}
	var logID string
	err = txn.QueryRowContext(ctx,
		`SELECT fence, log_id, seq FROM sluice_cursors WHERE stage = $1;`, s.stage).
		Scan(&s.fence, &logID, &cur.Seq)

	if err == sql.ErrNoRows {
		s.fence, logID, cur.Seq = 1, uuid.Nil.String(), 0
		_, err = txn.ExecContext(ctx,
			`INSERT INTO sluice_cursors (stage, fence, log_id, seq) VALUES ($1, 1, $2, 0);`,
			s.stage, logID)
	}
	if err != nil {
		return cur, errors.WithMessage(err, "recovering cursor")
	} else if cur.LogID, err = uuid.Parse(logID); err != nil {
		return cur, errors.WithMessage(err, "parsing cursor log_id")
	}

	// Resolve the target Table's durable log identity, minting one if the
	// table has never been committed to.
	var target = s.target.Spec().Name
	var targetID uuid.UUID

	err = txn.QueryRowContext(ctx,
		`SELECT log_id FROM sluice_tables WHERE table_name = $1;`, target).Scan(&logID)

	if err == sql.ErrNoRows {
		targetID = uuid.New()
		_, err = txn.ExecContext(ctx,
			`INSERT INTO sluice_tables (table_name, log_id) VALUES ($1, $2);`,
			target, targetID.String())
	} else if err == nil {
		targetID, err = uuid.Parse(logID)
	}
	if err != nil {
		return cur, errors.WithMessage(err, "recovering table log identity")
	}

	var entries []table.Entry
	if entries, err = s.readEntries(ctx, txn, target); err != nil {
		return cur, err
	} else if err = txn.Commit(); err != nil {
		return cur, errors.WithMessage(err, "committing recovery transaction")
	} else if err = s.target.Restore(targetID, entries); err != nil {
		return cur, errors.WithMessagef(err, "restoring table %s", target)
	}
	return cur, nil
}

func (s *SQLStore) readEntries(ctx context.Context, txn *sql.Tx, target string) ([]table.Entry, error) {
	var rows, err = txn.QueryContext(ctx,
		`SELECT seq, op, row, time FROM sluice_changelog WHERE table_name = $1 ORDER BY seq;`, target)
	if err != nil {
		return nil, errors.WithMessage(err, "reading changelog")
	}
	defer rows.Close()

	var entries []table.Entry
	for rows.Next() {
		var e table.Entry
		var b []byte
		var ts time.Time

		if err = rows.Scan(&e.Seq, &e.Op, &b, &ts); err != nil {
			return nil, errors.WithMessage(err, "scanning changelog entry")
		} else if err = json.Unmarshal(b, &e.Row); err != nil {
			return nil, errors.WithMessagef(err, "decoding row of entry %d", e.Seq)
		}
		e.Time = ts
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Commit records |rows| as ChangeLog entries of the target Table together
// with the advanced |cursor|, in a single fenced SQL transaction, and then
// applies |rows| to the live Table.
func (s *SQLStore) Commit(ctx context.Context, rows []table.Row, cursor table.Cursor) (err error) {
	// Surface append violations before anything becomes durable. The stage
	// is the target's only writer, so the check cannot be invalidated
	// before the live append below.
	if err = s.target.CheckAppend(rows...); err != nil {
		return err
	}
	var pending = pendingEntries(s.target, rows)

	var txn *sql.Tx
	if txn, err = s.DB.BeginTx(ctx, nil); err != nil {
		return errors.WithMessage(err, "beginning commit transaction")
	}
	defer func() {
		if err != nil {
			_ = txn.Rollback()
		}
	}()

	var target = s.target.Spec().Name
	for _, e := range pending {
		var b []byte
		if b, err = json.Marshal(e.Row); err != nil {
			return errors.WithMessagef(err, "encoding row of entry %d", e.Seq)
		}
		if _, err = txn.ExecContext(ctx,
			`INSERT INTO sluice_changelog (table_name, seq, op, row, time) VALUES ($1, $2, $3, $4, $5);`,
			target, e.Seq, int(e.Op), b, e.Time); err != nil {
			return errors.WithMessagef(err, "inserting entry %d", e.Seq)
		}
	}

	var update sql.Result
	var affected int64

	update, err = txn.ExecContext(ctx,
		`UPDATE sluice_cursors SET log_id = $1, seq = $2 WHERE stage = $3 AND fence = $4;`,
		cursor.LogID.String(), cursor.Seq, s.stage, s.fence)

	if err != nil {
		return errors.WithMessage(err, "updating cursor")
	} else if affected, err = update.RowsAffected(); err != nil {
		return err
	} else if affected == 0 {
		return errors.WithMessage(ErrCursorFence, "ie, the stage was recovered by a new process")
	} else if err = txn.Commit(); err != nil {
		return errors.WithMessage(err, "committing")
	}
	return s.target.Append(rows...)
}

// Destroy is a no-op: the *DB was provided by the caller and remains open.
func (s *SQLStore) Destroy() {}

var _ Store = &SQLStore{} // SQLStore is-a Store.
