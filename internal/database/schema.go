package database

var schema = []string{
	`CREATE TABLE IF NOT EXISTS stock_observation (
		id                     BIGSERIAL PRIMARY KEY,
		run_id                 UUID NOT NULL,
		slug                   TEXT NOT NULL,
		url                    TEXT NOT NULL,
		name                   TEXT NOT NULL DEFAULT '',
		brand                  TEXT NOT NULL DEFAULT '',
		price                  TEXT NOT NULL DEFAULT '',
		currency               TEXT NOT NULL DEFAULT '',
		availability           TEXT NOT NULL DEFAULT '',
		stock_amount           TEXT NOT NULL DEFAULT '',
		suggested_stock_amount TEXT NOT NULL DEFAULT '',
		confirmed              BOOLEAN NOT NULL DEFAULT FALSE,
		msg                    TEXT NOT NULL DEFAULT '',
		status                 TEXT NOT NULL,
		reason                 TEXT,
		observed_at            TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stock_observation_slug ON stock_observation (slug, observed_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_stock_observation_run ON stock_observation (run_id)`,
	`CREATE TABLE IF NOT EXISTS stock_latest (
		slug                   TEXT PRIMARY KEY,
		url                    TEXT NOT NULL,
		name                   TEXT NOT NULL DEFAULT '',
		brand                  TEXT NOT NULL DEFAULT '',
		price                  TEXT NOT NULL DEFAULT '',
		currency               TEXT NOT NULL DEFAULT '',
		availability           TEXT NOT NULL DEFAULT '',
		stock_amount           TEXT NOT NULL DEFAULT '',
		suggested_stock_amount TEXT NOT NULL DEFAULT '',
		confirmed              BOOLEAN NOT NULL DEFAULT FALSE,
		msg                    TEXT NOT NULL DEFAULT '',
		observed_at            TIMESTAMPTZ NOT NULL,
		published_at           TIMESTAMPTZ NOT NULL,
		run_id                 UUID NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS outbox_event (
		id             UUID PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		aggregate_id   TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		payload        JSONB NOT NULL,
		target_stream  TEXT NOT NULL,
		status         TEXT NOT NULL,
		retry_count    INT NOT NULL DEFAULT 0,
		error_message  TEXT,
		created_at     TIMESTAMPTZ NOT NULL,
		processed_at   TIMESTAMPTZ,
		next_retry_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_event_pending ON outbox_event (status, next_retry_at)`,
}
