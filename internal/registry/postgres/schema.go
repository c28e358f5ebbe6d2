package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS registry_control (
	name TEXT PRIMARY KEY,
	value BIGINT NOT NULL
);

INSERT INTO registry_control (name, value) VALUES ('next_resource_id', 0)
ON CONFLICT (name) DO NOTHING;

CREATE TABLE IF NOT EXISTS resources (
	resource_id BIGINT PRIMARY KEY,
	provider BYTEA NOT NULL,
	model TEXT NOT NULL,
	capacity_gb INTEGER NOT NULL,
	hourly_price BIGINT NOT NULL,
	available BOOLEAN NOT NULL,
	completed_jobs BIGINT NOT NULL DEFAULT 0,
	registered_at BIGINT NOT NULL,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT resources_provider_len CHECK (octet_length(provider) = 20),
	CONSTRAINT resources_model_nonempty CHECK (model <> ''),
	CONSTRAINT resources_capacity_positive CHECK (capacity_gb > 0),
	CONSTRAINT resources_price_positive CHECK (hourly_price > 0),
	CONSTRAINT resources_completed_nonneg CHECK (completed_jobs >= 0)
);

CREATE INDEX IF NOT EXISTS resources_provider_idx ON resources (provider, resource_id);
`
