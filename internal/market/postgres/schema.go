package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS market_control (
	name TEXT PRIMARY KEY,
	value BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	job_id BIGINT PRIMARY KEY,
	consumer BYTEA NOT NULL,
	resource_id BIGINT NOT NULL,
	description TEXT NOT NULL,
	hours INTEGER NOT NULL,
	amount BIGINT NOT NULL,
	provider BYTEA NOT NULL,
	status SMALLINT NOT NULL,
	created_at_ledger BIGINT NOT NULL,
	claimed_at_ledger BIGINT NOT NULL DEFAULT 0,
	completed_at_ledger BIGINT NOT NULL DEFAULT 0,
	result_hash TEXT NOT NULL DEFAULT '',

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT jobs_consumer_len CHECK (octet_length(consumer) = 20),
	CONSTRAINT jobs_provider_len CHECK (octet_length(provider) = 20),
	CONSTRAINT jobs_hours_positive CHECK (hours > 0),
	CONSTRAINT jobs_amount_positive CHECK (amount > 0),
	CONSTRAINT jobs_status_range CHECK (status >= 0 AND status <= 3)
);

CREATE INDEX IF NOT EXISTS jobs_consumer_idx ON jobs (consumer, job_id);

CREATE TABLE IF NOT EXISTS job_claims (
	provider BYTEA NOT NULL,
	job_id BIGINT NOT NULL REFERENCES jobs(job_id),
	position BIGSERIAL,

	PRIMARY KEY (provider, job_id),

	CONSTRAINT job_claims_provider_len CHECK (octet_length(provider) = 20)
);

CREATE INDEX IF NOT EXISTS job_claims_provider_idx ON job_claims (provider, job_id);
`
