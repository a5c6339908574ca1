// ABOUTME: Append-only version store with temporal lookups
// ABOUTME: Sequence numbers come from the caller's transaction for atomicity

package version

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/nainya/coursetree/pkg/store"
)

// ErrNotFound indicates no snapshot matched the query.
var ErrNotFound = errors.New("version: not found")

// Store manages section content snapshots.
type Store struct {
	kv *store.Store
}

// NewStore creates a version store over the shared KV.
func NewStore(kv *store.Store) *Store {
	return &Store{kv: kv}
}

// AppendTxn archives a snapshot inside the caller's transaction. The
// sequence number is drawn from the section's version counter in the same
// transaction, so two concurrent editors either both append or conflict and
// retry; a committed update never loses its snapshot.
func AppendTxn(txn *badger.Txn, snap *Snapshot) error {
	seq, err := store.NextSeq(txn, store.VersionSeqKey(snap.CourseID, snap.SectionID))
	if err != nil {
		return err
	}
	snap.Seq = seq

	val, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("version: encode %s/%s: %w", snap.CourseID, snap.SectionID, err)
	}
	return txn.Set(store.VersionKey(snap.CourseID, snap.SectionID, seq), val)
}

// List returns a section's snapshots, newest first. limit <= 0 returns all.
func (vs *Store) List(ctx context.Context, courseID, sectionID string, limit int) ([]*Snapshot, error) {
	var snaps []*Snapshot
	err := vs.kv.View(ctx, func(txn *badger.Txn) error {
		return store.Scan(txn, store.VersionPrefix(courseID, sectionID), func(key, val []byte) (bool, error) {
			var snap Snapshot
			if err := json.Unmarshal(val, &snap); err != nil {
				return false, fmt.Errorf("version: decode %s: %w", key, err)
			}
			snaps = append(snaps, &snap)
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}

	// Keys scan oldest-first; reverse for a newest-first timeline.
	for i, j := 0, len(snaps)-1; i < j; i, j = i+1, j-1 {
		snaps[i], snaps[j] = snaps[j], snaps[i]
	}
	if limit > 0 && len(snaps) > limit {
		snaps = snaps[:limit]
	}
	return snaps, nil
}

// AsOf returns the latest snapshot taken at or before t.
func (vs *Store) AsOf(ctx context.Context, courseID, sectionID string, t time.Time) (*Snapshot, error) {
	var latest *Snapshot
	err := vs.kv.View(ctx, func(txn *badger.Txn) error {
		return store.Scan(txn, store.VersionPrefix(courseID, sectionID), func(key, val []byte) (bool, error) {
			var snap Snapshot
			if err := json.Unmarshal(val, &snap); err != nil {
				return false, fmt.Errorf("version: decode %s: %w", key, err)
			}
			if snap.CreatedAt.After(t) {
				return true, nil
			}
			if latest == nil || snap.CreatedAt.After(latest.CreatedAt) || snap.Seq > latest.Seq {
				latest = &snap
			}
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: %s/%s as of %s", ErrNotFound, courseID, sectionID, t.Format(time.RFC3339))
	}
	return latest, nil
}

// HistoryOf returns the complete timeline of one section, oldest first.
func (vs *Store) HistoryOf(ctx context.Context, courseID, sectionID string) (*History, error) {
	snaps, err := vs.List(ctx, courseID, sectionID, 0)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(snaps)-1; i < j; i, j = i+1, j-1 {
		snaps[i], snaps[j] = snaps[j], snaps[i]
	}
	return &History{CourseID: courseID, SectionID: sectionID, Snapshots: snaps}, nil
}
