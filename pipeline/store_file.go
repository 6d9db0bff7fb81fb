package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"go.sluice.dev/core/table"
)

// FileStore is a Store which materializes the stage's target Table and
// cursor as a JSON snapshot file, re-written at every Commit. Commits write
// the complete snapshot to a temporary "next" file and then atomically
// rename it over the "current" one, so that recovery always observes a
// complete snapshot even if a process failure produced a partially-written
// file. A half-written "next" file is a rolled-back commit, and is simply
// overwritten by the next attempt.
type FileStore struct {
	// Dir into which snapshots are written.
	Dir string
	// Compress snapshots with gzip.
	Compress bool

	fs     afero.Fs
	target *table.Table
}

// fileSnapshot is the serialized form of a FileStore commit.
type fileSnapshot struct {
	LogID   uuid.UUID     `json:"logID"`
	Cursor  table.Cursor  `json:"cursor"`
	Entries []table.Entry `json:"entries"`
}

// NewFileStore returns a FileStore of the |target| Table, snapshotting into
// |dir| of |fs| (eg afero.NewOsFs, or afero.NewMemMapFs in tests).
func NewFileStore(fs afero.Fs, dir string, target *table.Table) *FileStore {
	return &FileStore{Dir: dir, fs: fs, target: target}
}

// Recover restores the target Table and cursor from the current snapshot,
// if one exists.
func (s *FileStore) Recover(context.Context) (table.Cursor, error) {
	var f, err = s.fs.Open(s.currentPath())
	if os.IsNotExist(err) {
		return table.Cursor{}, nil
	} else if err != nil {
		return table.Cursor{}, errors.WithMessage(err, "opening snapshot")
	}
	defer f.Close()

	var r io.Reader = f
	if s.Compress {
		var gz *gzip.Reader
		if gz, err = gzip.NewReader(f); err != nil {
			return table.Cursor{}, errors.WithMessage(err, "opening gzip reader")
		}
		defer gz.Close()
		r = gz
	}

	var snap fileSnapshot
	if err = json.NewDecoder(r).Decode(&snap); err != nil {
		return table.Cursor{}, errors.WithMessage(err, "decoding snapshot")
	} else if err = s.target.Restore(snap.LogID, snap.Entries); err != nil {
		return table.Cursor{}, errors.WithMessagef(err, "restoring table %s", s.target.Spec().Name)
	}
	return snap.Cursor, nil
}

// Commit snapshots the target Table's full ChangeLog extended with |rows|,
// along with the advanced |cursor|, and then applies |rows| to the live
// Table.
func (s *FileStore) Commit(ctx context.Context, rows []table.Row, cursor table.Cursor) error {
	if err := ctx.Err(); err != nil {
		return err
	} else if err = s.target.CheckAppend(rows...); err != nil {
		return err
	}

	var log = s.target.Log()
	var snap = fileSnapshot{
		LogID:  log.ID(),
		Cursor: cursor,
	}
	for it := log.Read(table.Cursor{}, 0); ; {
		var e, err = it.Next()
		if err == io.EOF {
			break
		}
		snap.Entries = append(snap.Entries, e)
	}
	snap.Entries = append(snap.Entries, pendingEntries(s.target, rows)...)

	if err := s.writeSnapshot(snap); err != nil {
		return err
	}
	return s.target.Append(rows...)
}

func (s *FileStore) writeSnapshot(snap fileSnapshot) error {
	// O_TRUNC rather than O_EXCL: an existing "next" file is a commit which
	// failed before its rename, and is overwritten.
	var f, err = s.fs.OpenFile(s.nextPath(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.WithMessage(err, "creating snapshot")
	}

	var w io.Writer = f
	var gz *gzip.Writer
	if s.Compress {
		gz = gzip.NewWriter(f)
		w = gz
	}

	if err = json.NewEncoder(w).Encode(snap); err != nil {
		err = errors.WithMessage(err, "encoding snapshot")
	} else if gz != nil {
		if err = gz.Close(); err != nil {
			err = errors.WithMessage(err, "closing gzip writer")
		}
	}
	if err == nil {
		err = errors.WithMessage(f.Close(), "closing snapshot")
	} else {
		_ = f.Close()
	}
	if err == nil {
		err = errors.WithMessage(s.fs.Rename(s.nextPath(), s.currentPath()), "renaming next => current")
	}
	return err
}

// Destroy removes the snapshot directory.
func (s *FileStore) Destroy() {
	if err := s.fs.RemoveAll(s.Dir); err != nil {
		log.WithFields(log.Fields{
			"dir": s.Dir,
			"err": err,
		}).Error("failed to remove file store directory")
	}
}

func (s *FileStore) currentPath() string { return filepath.Join(s.Dir, "state.json"+s.ext()) }
func (s *FileStore) nextPath() string    { return filepath.Join(s.Dir, "next.json"+s.ext()) }

func (s *FileStore) ext() string {
	if s.Compress {
		return ".gz"
	}
	return ""
}

var _ Store = &FileStore{} // FileStore is-a Store.
