package db

import (
	"context"
	"fmt"
	"time"

	sb "github.com/huandu/go-sqlbuilder"
	log "github.com/sirupsen/logrus"
)

// DefaultSnapshotMaxAge is how long a snapshot of an account that stopped syncing is kept
const DefaultSnapshotMaxAge = 90 * 24 * time.Hour

// Tidy removes snapshots that were not refreshed within maxAge
func Tidy(database string, maxAge time.Duration) (int64, error) {
	snapshots, err := NewSnapshots(database)
	if err != nil {
		return 0, err
	}
	defer snapshots.Close()

	return snapshots.Tidy(context.Background(), maxAge)
}

// Tidy removes snapshots not refreshed within maxAge. A non-positive maxAge uses DefaultSnapshotMaxAge.
func (s *Snapshots) Tidy(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		maxAge = DefaultSnapshotMaxAge
	}
	cutoff := time.Now().Add(-maxAge).Unix()
	deleteSnapshots := sb.SQLite.NewDeleteBuilder()
	query, args := deleteSnapshots.DeleteFrom("snapshots").Where(deleteSnapshots.LessThan("updated_at", cutoff)).Build()

	log.WithFields(log.Fields{
		"sql":  query,
		"args": args,
	}).Info("Tidying database")

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete error: %w", err)
	}
	return res.RowsAffected()
}
