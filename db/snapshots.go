package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	log "github.com/sirupsen/logrus"

	"skyfeeds/models"
)

// Snapshots stores the last known good saved feeds of each account
type Snapshots struct {
	db *sql.DB
}

func NewSnapshots(database string) (*Snapshots, error) {
	db, err := connection(database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	return &Snapshots{db: db}, nil
}

func (s *Snapshots) Close() error {
	return s.db.Close()
}

// LoadSnapshot returns false when no snapshot was ever saved for the account
func (s *Snapshots) LoadSnapshot(ctx context.Context, account string) (models.SavedFeedsState, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	exists := sqlbuilder.SQLite.NewSelectBuilder()
	exists.Select("updated_at").From("snapshots").Where(exists.Equal("account", account))
	query, args := exists.Build()

	var updatedAt int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SavedFeedsState{}, false, nil
	}
	if err != nil {
		return models.SavedFeedsState{}, false, fmt.Errorf("query error: %w", err)
	}

	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("feed_id", "pinned_position").From("saved_feeds").Where(sb.Equal("account", account))
	sb.OrderBy("position").Asc()
	query, args = sb.Build()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return models.SavedFeedsState{}, false, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	type pinnedRow struct {
		id       models.FeedID
		position int64
	}

	state := models.SavedFeedsState{All: []models.FeedID{}, Pinned: []models.FeedID{}}
	var pinned []pinnedRow
	for rows.Next() {
		var id string
		var pinnedPosition sql.NullInt64
		if err := rows.Scan(&id, &pinnedPosition); err != nil {
			return models.SavedFeedsState{}, false, fmt.Errorf("scan error: %w", err)
		}
		state.All = append(state.All, models.FeedID(id))
		if pinnedPosition.Valid {
			pinned = append(pinned, pinnedRow{id: models.FeedID(id), position: pinnedPosition.Int64})
		}
	}
	if err := rows.Err(); err != nil {
		return models.SavedFeedsState{}, false, fmt.Errorf("rows error: %w", err)
	}

	sort.Slice(pinned, func(i, j int) bool { return pinned[i].position < pinned[j].position })
	for _, p := range pinned {
		state.Pinned = append(state.Pinned, p.id)
	}

	return state, true, nil
}

// SaveSnapshot replaces the stored snapshot of the account
func (s *Snapshots) SaveSnapshot(ctx context.Context, account string, state models.SavedFeedsState) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	log.WithFields(log.Fields{
		"account": account,
		"feeds":   len(state.All),
		"pinned":  len(state.Pinned),
	}).Debug("Saving snapshot")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin error: %w", err)
	}
	defer tx.Rollback()

	upsert := sqlbuilder.SQLite.NewInsertBuilder()
	upsert.InsertInto("snapshots").Cols("account", "updated_at").Values(account, time.Now().Unix())
	upsert.SQL("ON CONFLICT (account) DO UPDATE SET updated_at = excluded.updated_at")
	query, args := upsert.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert error: %w", err)
	}

	del := sqlbuilder.SQLite.NewDeleteBuilder()
	del.DeleteFrom("saved_feeds").Where(del.Equal("account", account))
	query, args = del.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete error: %w", err)
	}

	if len(state.All) > 0 {
		pinnedPositions := make(map[models.FeedID]int, len(state.Pinned))
		for i, id := range state.Pinned {
			pinnedPositions[id] = i
		}

		ib := sqlbuilder.SQLite.NewInsertBuilder()
		ib.InsertInto("saved_feeds").Cols("account", "feed_id", "position", "pinned_position")
		for i, id := range state.All {
			var pinnedPosition interface{}
			if pos, ok := pinnedPositions[id]; ok {
				pinnedPosition = pos
			}
			ib.Values(account, string(id), i, pinnedPosition)
		}
		query, args = ib.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert error: %w", err)
		}
	}

	return tx.Commit()
}
