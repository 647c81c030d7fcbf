package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/lyzr/buildqueue/common/db"
	"github.com/lyzr/buildqueue/common/logger"
	"github.com/lyzr/buildqueue/common/models"
)

// TagIndexRepository maintains the secondary index mapping an indexable tag
// to the builds carrying it. Stored as plain (tag, build_id, bucket) rows
// rather than one capped list entity per tag, so hot tags do not contend on a
// single row and there is no artificial capacity ceiling.
//
// Index rows are written before (and independently of) the build records they
// reference. Readers must tolerate and skip ids with no corresponding record.
type TagIndexRepository struct {
	db  *db.DB
	log *logger.Logger
}

// NewTagIndexRepository creates a new tag index repository
func NewTagIndexRepository(database *db.DB, log *logger.Logger) *TagIndexRepository {
	return &TagIndexRepository{db: database, log: log}
}

// Add inserts index entries for one tag in a single transaction. Because
// build ids decrease over time, new entries are normally newer (smaller) than
// everything already indexed; an entry that is not indicates out-of-order id
// generation and is logged as the atypical path.
func (r *TagIndexRepository) Add(ctx context.Context, tag string, entries []models.TagIndexEntry) error {
	if len(entries) == 0 {
		return nil
	}

	err := r.db.RunInTx(ctx, func(tx pgx.Tx) error {
		var minIndexed *int64
		err := tx.QueryRow(ctx,
			`SELECT MIN(build_id) FROM tag_index WHERE tag = $1`, tag,
		).Scan(&minIndexed)
		if err != nil {
			return fmt.Errorf("failed to read index tail: %w", err)
		}

		for _, e := range entries {
			if minIndexed != nil && e.BuildID >= *minIndexed {
				r.log.Warn("out-of-order tag index insertion",
					"tag", tag,
					"build_id", e.BuildID,
					"newest_indexed", *minIndexed)
			}

			_, err := tx.Exec(ctx, `
				INSERT INTO tag_index (tag, build_id, bucket)
				VALUES ($1, $2, $3)
				ON CONFLICT (tag, build_id) DO NOTHING
			`, tag, e.BuildID, e.Bucket)
			if err != nil {
				return fmt.Errorf("failed to insert index entry: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update tag index for %q: %w", tag, err)
	}

	return nil
}

// Lookup returns index entries for tag, newest-first, optionally restricted
// to buckets, resuming after afterID (0 for the first page).
func (r *TagIndexRepository) Lookup(ctx context.Context, tag string, buckets []string, limit int, afterID int64) ([]models.TagIndexEntry, error) {
	query := `
		SELECT tag, build_id, bucket FROM tag_index
		WHERE tag = $1
		  AND ($2::text[] IS NULL OR bucket = ANY($2))
		  AND ($3::bigint = 0 OR build_id > $3)
		ORDER BY build_id ASC
		LIMIT $4
	`

	var bucketFilter []string
	if len(buckets) > 0 {
		bucketFilter = buckets
	}

	rows, err := r.db.Query(ctx, query, tag, bucketFilter, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to look up tag index: %w", err)
	}
	defer rows.Close()

	var entries []models.TagIndexEntry
	for rows.Next() {
		var e models.TagIndexEntry
		if err := rows.Scan(&e.Tag, &e.BuildID, &e.Bucket); err != nil {
			return nil, fmt.Errorf("failed to scan index entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating index entries: %w", err)
	}

	return entries, nil
}
