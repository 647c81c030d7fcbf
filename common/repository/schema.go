package repository

import (
	"context"
	"fmt"

	"github.com/lyzr/buildqueue/common/db"
)

// Schema for the build queue. Applied idempotently at startup via the
// bootstrap DB init hook.
const schema = `
CREATE TABLE IF NOT EXISTS build (
	id                    BIGINT PRIMARY KEY,
	bucket                TEXT NOT NULL,
	tags                  TEXT[] NOT NULL DEFAULT '{}',
	parameters            JSONB,
	status                TEXT NOT NULL,
	result                TEXT NOT NULL DEFAULT '',
	failure_reason        TEXT NOT NULL DEFAULT '',
	cancelation_reason    TEXT NOT NULL DEFAULT '',
	created_by            TEXT NOT NULL,
	created_time          TIMESTAMPTZ NOT NULL,
	status_changed_time   TIMESTAMPTZ NOT NULL,
	complete_time         TIMESTAMPTZ,
	url                   TEXT,
	lease_key             TEXT,
	leasee                TEXT,
	lease_expiration_date TIMESTAMPTZ,
	never_leased          BOOLEAN NOT NULL DEFAULT TRUE,
	retry_of              BIGINT NOT NULL DEFAULT 0,
	result_details        JSONB,
	callback_topic        TEXT,
	callback_user_data    TEXT,
	callback_auth_token   TEXT
);

CREATE INDEX IF NOT EXISTS build_bucket_status_idx
	ON build (bucket, status, id);

CREATE INDEX IF NOT EXISTS build_lease_expiration_idx
	ON build (lease_expiration_date)
	WHERE lease_key IS NOT NULL;

CREATE INDEX IF NOT EXISTS build_created_time_idx
	ON build (created_time)
	WHERE status <> 'COMPLETED';

CREATE TABLE IF NOT EXISTS tag_index (
	tag      TEXT NOT NULL,
	build_id BIGINT NOT NULL,
	bucket   TEXT NOT NULL,
	PRIMARY KEY (tag, build_id)
);
`

// InitSchema applies the schema. Safe to run on every startup.
func InitSchema(ctx context.Context, database *db.DB) error {
	if _, err := database.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
