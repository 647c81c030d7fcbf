package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lyzr/buildqueue/common/db"
	buildqerrors "github.com/lyzr/buildqueue/common/errors"
	"github.com/lyzr/buildqueue/common/identity"
	"github.com/lyzr/buildqueue/common/models"
)

// BuildRepository handles database operations for build records
type BuildRepository struct {
	db *db.DB
}

// NewBuildRepository creates a new build repository
func NewBuildRepository(database *db.DB) *BuildRepository {
	return &BuildRepository{db: database}
}

const buildColumns = `
	id, bucket, tags, parameters, status, result, failure_reason,
	cancelation_reason, created_by, created_time, status_changed_time,
	complete_time, url, lease_key, leasee, lease_expiration_date,
	never_leased, retry_of, result_details,
	callback_topic, callback_user_data, callback_auth_token
`

// Create inserts a new build record
func (r *BuildRepository) Create(ctx context.Context, b *models.Build) error {
	query := `
		INSERT INTO build (` + buildColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22)
	`

	_, err := r.db.Exec(ctx, query, buildArgs(b)...)
	if err != nil {
		return fmt.Errorf("failed to create build: %w", err)
	}

	return nil
}

// GetByID retrieves a build by its id
func (r *BuildRepository) GetByID(ctx context.Context, id int64) (*models.Build, error) {
	query := `SELECT ` + buildColumns + ` FROM build WHERE id = $1`

	b, err := scanBuild(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &buildqerrors.BuildNotFoundError{ID: id}
		}
		return nil, fmt.Errorf("failed to get build: %w", err)
	}

	return b, nil
}

// GetMulti retrieves multiple builds by id. Missing ids are omitted from the
// result rather than treated as an error; the tag index may reference builds
// that were never created.
func (r *BuildRepository) GetMulti(ctx context.Context, ids []int64) (map[int64]*models.Build, error) {
	if len(ids) == 0 {
		return map[int64]*models.Build{}, nil
	}

	query := `SELECT ` + buildColumns + ` FROM build WHERE id = ANY($1)`

	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get builds: %w", err)
	}
	defer rows.Close()

	builds := make(map[int64]*models.Build, len(ids))
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan build: %w", err)
		}
		builds[b.ID] = b
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating builds: %w", err)
	}

	return builds, nil
}

// Mutate runs fn against the current record inside a single-record
// transaction. The row is locked for the duration, so concurrent mutations of
// the same build serialize; an error from fn aborts with no state change.
// Returns the build as persisted.
func (r *BuildRepository) Mutate(ctx context.Context, id int64, fn func(b *models.Build) error) (*models.Build, error) {
	var out *models.Build

	err := r.db.RunInTx(ctx, func(tx pgx.Tx) error {
		query := `SELECT ` + buildColumns + ` FROM build WHERE id = $1 FOR UPDATE`

		b, err := scanBuild(tx.QueryRow(ctx, query, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return &buildqerrors.BuildNotFoundError{ID: id}
			}
			return fmt.Errorf("failed to lock build: %w", err)
		}

		if err := fn(b); err != nil {
			return err
		}

		update := `
			UPDATE build SET
				tags = $2, status = $3, result = $4, failure_reason = $5,
				cancelation_reason = $6, status_changed_time = $7,
				complete_time = $8, url = $9, lease_key = $10, leasee = $11,
				lease_expiration_date = $12, never_leased = $13,
				result_details = $14
			WHERE id = $1
		`

		var leasee *string
		if b.Leasee != nil {
			s := string(*b.Leasee)
			leasee = &s
		}

		_, err = tx.Exec(ctx, update,
			b.ID,
			b.Tags,
			string(b.Status),
			string(b.Result),
			string(b.FailureReason),
			string(b.CancelationReason),
			b.StatusChangedTime,
			b.CompleteTime,
			b.URL,
			b.LeaseKey,
			leasee,
			b.LeaseExpirationDate,
			b.NeverLeased,
			b.ResultDetails,
		)
		if err != nil {
			return fmt.Errorf("failed to update build: %w", err)
		}

		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// Search scans builds matching q using keyset pagination. afterID is the last
// id of the previous page (0 for the first page); returns up to limit builds
// and the id to resume from, or 0 when exhausted.
func (r *BuildRepository) Search(ctx context.Context, q *models.BuildQuery, limit int, afterID int64) ([]*models.Build, int64, error) {
	var (
		conds []string
		args  []any
	)

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(q.Buckets) > 0 {
		conds = append(conds, "bucket = ANY("+arg(q.Buckets)+")")
	}
	if len(q.Tags) > 0 {
		conds = append(conds, "tags @> "+arg(q.Tags))
	}
	if q.Status != "" {
		conds = append(conds, "status = "+arg(string(q.Status)))
	}
	if q.Result != "" {
		conds = append(conds, "result = "+arg(string(q.Result)))
	}
	if q.FailureReason != "" {
		conds = append(conds, "failure_reason = "+arg(string(q.FailureReason)))
	}
	if q.CancelationReason != "" {
		conds = append(conds, "cancelation_reason = "+arg(string(q.CancelationReason)))
	}
	if q.CreatedBy != "" {
		conds = append(conds, "created_by = "+arg(string(q.CreatedBy)))
	}
	if q.RetryOf != 0 {
		conds = append(conds, "retry_of = "+arg(q.RetryOf))
	}
	if q.OnlyUnleased {
		conds = append(conds, "(lease_key IS NULL OR lease_expiration_date <= "+arg(time.Now().UTC())+")")
	}

	// Keyset pagination on id. Ascending id is newest-first because ids embed
	// an inverted timestamp; peek flips to descending for oldest-first.
	order := "ASC"
	cmp := ">"
	if q.OldestFirst {
		order = "DESC"
		cmp = "<"
	}
	if afterID != 0 {
		conds = append(conds, "id "+cmp+" "+arg(afterID))
	}

	query := `SELECT ` + buildColumns + ` FROM build`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id " + order + " LIMIT " + arg(limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to search builds: %w", err)
	}
	defer rows.Close()

	var builds []*models.Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan build: %w", err)
		}
		builds = append(builds, b)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating builds: %w", err)
	}

	var next int64
	if len(builds) == limit {
		next = builds[len(builds)-1].ID
	}

	return builds, next, nil
}

// ExpiredLeases returns ids of builds whose lease deadline has passed but
// which have not completed. Candidates only: each must be re-checked inside
// its own transaction before being reset.
func (r *BuildRepository) ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	query := `
		SELECT id FROM build
		WHERE lease_key IS NOT NULL
		  AND lease_expiration_date <= $1
		  AND status <> 'COMPLETED'
		ORDER BY lease_expiration_date ASC
		LIMIT $2
	`

	return r.scanIDs(ctx, query, now, limit)
}

// StaleBuilds returns ids of builds still active past the maximum build age.
func (r *BuildRepository) StaleBuilds(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	query := `
		SELECT id FROM build
		WHERE status <> 'COMPLETED'
		  AND created_time < $1
		ORDER BY created_time ASC
		LIMIT $2
	`

	return r.scanIDs(ctx, query, cutoff, limit)
}

func (r *BuildRepository) scanIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan build ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan build id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating build ids: %w", err)
	}

	return ids, nil
}

func buildArgs(b *models.Build) []any {
	var leasee *string
	if b.Leasee != nil {
		s := string(*b.Leasee)
		leasee = &s
	}

	var topic, userData, authToken *string
	if b.Callback != nil {
		topic = &b.Callback.Topic
		userData = &b.Callback.UserData
		authToken = &b.Callback.AuthToken
	}

	return []any{
		b.ID,
		b.Bucket,
		b.Tags,
		b.Parameters,
		string(b.Status),
		string(b.Result),
		string(b.FailureReason),
		string(b.CancelationReason),
		string(b.CreatedBy),
		b.CreatedTime,
		b.StatusChangedTime,
		b.CompleteTime,
		b.URL,
		b.LeaseKey,
		leasee,
		b.LeaseExpirationDate,
		b.NeverLeased,
		b.RetryOf,
		b.ResultDetails,
		topic,
		userData,
		authToken,
	}
}

func scanBuild(row pgx.Row) (*models.Build, error) {
	b := &models.Build{}

	var (
		status, result, failureReason, cancelationReason, createdBy string
		leasee, topic, userData, authToken                          *string
	)

	err := row.Scan(
		&b.ID,
		&b.Bucket,
		&b.Tags,
		&b.Parameters,
		&status,
		&result,
		&failureReason,
		&cancelationReason,
		&createdBy,
		&b.CreatedTime,
		&b.StatusChangedTime,
		&b.CompleteTime,
		&b.URL,
		&b.LeaseKey,
		&leasee,
		&b.LeaseExpirationDate,
		&b.NeverLeased,
		&b.RetryOf,
		&b.ResultDetails,
		&topic,
		&userData,
		&authToken,
	)
	if err != nil {
		return nil, err
	}

	b.Status = models.BuildStatus(status)
	b.Result = models.BuildResult(result)
	b.FailureReason = models.FailureReason(failureReason)
	b.CancelationReason = models.CancelationReason(cancelationReason)
	b.CreatedBy = identity.Identity(createdBy)

	if leasee != nil {
		id := identity.Identity(*leasee)
		b.Leasee = &id
	}

	if topic != nil && *topic != "" {
		b.Callback = &models.Callback{Topic: *topic}
		if userData != nil {
			b.Callback.UserData = *userData
		}
		if authToken != nil {
			b.Callback.AuthToken = *authToken
		}
	}

	return b, nil
}
