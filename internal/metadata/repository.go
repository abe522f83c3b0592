package metadata

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	mlerrors "github.com/gmta/mountload/internal/errors"
)

// AddPath inserts a new path entry and returns its pathId. Fails if
// (dirname, basename) already exists.
func (s *Store) AddPath(dirname, basename string, typ EntryType, size int64, mode uint32, atime, mtime int64, isSynced bool) (int64, error) {
	res, err := s.conn.Exec(
		`INSERT INTO path (dirname, basename, type, size, mode, atime, mtime, isSynced) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		dirname, basename, string(typ), size, mode, atime, mtime, boolToInt(isSynced),
	)
	if err != nil {
		return 0, fmt.Errorf("add path %s%s: %w", dirname, basename, err)
	}
	return res.LastInsertId()
}

// SetPathSynced marks a path entry synced. Idempotent.
func (s *Store) SetPathSynced(pathID int64) error {
	if _, err := s.conn.Exec(`UPDATE path SET isSynced = 1 WHERE pathId = ?`, pathID); err != nil {
		return fmt.Errorf("set path %d synced: %w", pathID, err)
	}
	return nil
}

// GetPath looks up a path entry by (dirname, basename). Returns
// (nil, nil) when absent.
func (s *Store) GetPath(dirname, basename string) (*PathEntry, error) {
	row := s.conn.QueryRow(
		`SELECT pathId, dirname, basename, type, size, mode, atime, mtime, isSynced FROM path WHERE dirname = ? AND basename = ?`,
		dirname, basename,
	)
	entry, err := scanPathEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get path %s%s: %w", dirname, basename, err)
	}
	return entry, nil
}

// GetSubPaths returns every entry whose dirname equals the argument,
// excluding the root pseudo-entry (empty basename).
func (s *Store) GetSubPaths(dirname string) ([]*PathEntry, error) {
	rows, err := s.conn.Query(
		`SELECT pathId, dirname, basename, type, size, mode, atime, mtime, isSynced FROM path WHERE dirname = ? AND basename <> ''`,
		dirname,
	)
	if err != nil {
		return nil, fmt.Errorf("get sub-paths of %s: %w", dirname, err)
	}
	defer rows.Close()

	var out []*PathEntry
	for rows.Next() {
		entry, err := scanPathEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sub-path of %s: %w", dirname, err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// AddRemoteSegment records a pending-download byte range for a file.
func (s *Store) AddRemoteSegment(pathID int64, begin, end int64) error {
	if _, err := s.conn.Exec(`INSERT INTO remoteSegment (path, begin, end) VALUES (?, ?, ?)`, pathID, begin, end); err != nil {
		return fmt.Errorf("add remote segment [%d,%d] for path %d: %w", begin, end, pathID, err)
	}
	return nil
}

// GetRemoteSegments returns every remote segment of a file.
func (s *Store) GetRemoteSegments(pathID int64) ([]*RemoteSegment, error) {
	rows, err := s.conn.Query(`SELECT remoteSegmentId, path, begin, end FROM remoteSegment WHERE path = ?`, pathID)
	if err != nil {
		return nil, fmt.Errorf("get remote segments for path %d: %w", pathID, err)
	}
	defer rows.Close()
	return scanSegments(rows)
}

// GetRemoteSegmentsRange returns segments overlapping [rangeBegin,
// rangeEnd] inclusive, ordered by begin ascending.
func (s *Store) GetRemoteSegmentsRange(pathID int64, rangeBegin, rangeEnd int64) ([]*RemoteSegment, error) {
	rows, err := s.conn.Query(
		`SELECT remoteSegmentId, path, begin, end FROM remoteSegment WHERE path = ? AND begin <= ? AND end >= ? ORDER BY begin ASC`,
		pathID, rangeEnd, rangeBegin,
	)
	if err != nil {
		return nil, fmt.Errorf("get remote segments range [%d,%d] for path %d: %w", rangeBegin, rangeEnd, pathID, err)
	}
	defer rows.Close()
	return scanSegments(rows)
}

// RemoveRemoteSegments applies the four-way split/truncate/delete
// transformation to every segment overlapping [delBegin, delEnd],
// inside its own Begin/Commit pair so it composes correctly whether
// called standalone or nested inside the Controller's larger
// per-chunk transaction.
func (s *Store) RemoveRemoteSegments(pathID int64, delBegin, delEnd int64) error {
	return s.WithTransaction(func() error {
		segments, err := s.GetRemoteSegmentsRange(pathID, delBegin, delEnd)
		if err != nil {
			return err
		}

		for _, seg := range segments {
			switch {
			case seg.Begin >= delBegin && seg.End <= delEnd:
				// Contained by the deleted region: delete outright.
				if _, err := s.conn.Exec(`DELETE FROM remoteSegment WHERE remoteSegmentId = ?`, seg.RemoteSegmentID); err != nil {
					return fmt.Errorf("delete segment %d: %w", seg.RemoteSegmentID, err)
				}

			case delBegin > seg.Begin && delEnd < seg.End:
				// Deleted region is strictly inside the segment: split it.
				if _, err := s.conn.Exec(`UPDATE remoteSegment SET end = ? WHERE remoteSegmentId = ?`, delBegin-1, seg.RemoteSegmentID); err != nil {
					return fmt.Errorf("truncate segment %d: %w", seg.RemoteSegmentID, err)
				}
				if err := s.AddRemoteSegment(pathID, delEnd+1, seg.End); err != nil {
					return err
				}

			case delBegin > seg.Begin && delBegin <= seg.End && delEnd >= seg.End:
				// Deleted region overlaps the segment's tail: truncate.
				if _, err := s.conn.Exec(`UPDATE remoteSegment SET end = ? WHERE remoteSegmentId = ?`, delBegin-1, seg.RemoteSegmentID); err != nil {
					return fmt.Errorf("truncate segment %d: %w", seg.RemoteSegmentID, err)
				}

			case delBegin <= seg.Begin && delEnd >= seg.Begin && delEnd < seg.End:
				// Deleted region overlaps the segment's head: advance.
				if _, err := s.conn.Exec(`UPDATE remoteSegment SET begin = ? WHERE remoteSegmentId = ?`, delEnd+1, seg.RemoteSegmentID); err != nil {
					return fmt.Errorf("advance segment %d: %w", seg.RemoteSegmentID, err)
				}

			default:
				return mlerrors.NewMetadataCorrupt(
					fmt.Sprintf("segment [%d,%d] does not match any overlap shape against deletion [%d,%d]",
						seg.Begin, seg.End, delBegin, delEnd), nil)
			}
		}
		return nil
	})
}

// GetConfigString returns a config value, or nil if unset.
func (s *Store) GetConfigString(name string) (*string, error) {
	var value string
	err := s.conn.QueryRow(`SELECT value FROM config WHERE name = ?`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get config %q: %w", name, err)
	}
	return &value, nil
}

// GetConfigInteger returns a config value parsed as an integer, or
// nil if unset.
func (s *Store) GetConfigInteger(name string) (*int, error) {
	str, err := s.GetConfigString(name)
	if err != nil || str == nil {
		return nil, err
	}
	v, err := strconv.Atoi(*str)
	if err != nil {
		return nil, fmt.Errorf("config %q is not an integer: %w", name, err)
	}
	return &v, nil
}

// SetConfig upserts a config value.
func (s *Store) SetConfig(name, value string) error {
	if _, err := s.conn.Exec(
		`INSERT INTO config (name, value) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		name, value,
	); err != nil {
		return fmt.Errorf("set config %q: %w", name, err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanPathEntry(row scannable) (*PathEntry, error) {
	var entry PathEntry
	var typ string
	var synced int
	if err := row.Scan(&entry.PathID, &entry.Dirname, &entry.Basename, &typ, &entry.Size, &entry.Mode, &entry.Atime, &entry.Mtime, &synced); err != nil {
		return nil, err
	}
	entry.Type = EntryType(typ)
	entry.IsSynced = synced != 0
	return &entry, nil
}

func scanSegments(rows *sql.Rows) ([]*RemoteSegment, error) {
	var out []*RemoteSegment
	for rows.Next() {
		var seg RemoteSegment
		if err := rows.Scan(&seg.RemoteSegmentID, &seg.PathID, &seg.Begin, &seg.End); err != nil {
			return nil, err
		}
		out = append(out, &seg)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
