package store

// Schema creates every table the PostgresStore needs. It is idempotent and
// applied by the migrate command.
const Schema = `
CREATE TABLE IF NOT EXISTS targets (
	tenant_id        TEXT        NOT NULL,
	controller_id    TEXT        NOT NULL,
	name             TEXT        NOT NULL DEFAULT '',
	description      TEXT        NOT NULL DEFAULT '',
	address          TEXT        NOT NULL DEFAULT '',
	update_status    TEXT        NOT NULL DEFAULT 'UNKNOWN',
	assigned_ds_id   BIGINT,
	installed_ds_id  BIGINT,
	installed_at     TIMESTAMPTZ,
	active_action_id BIGINT,
	last_seen_at     TIMESTAMPTZ,
	attributes       JSONB       NOT NULL DEFAULT '{}',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	revision         BIGINT      NOT NULL DEFAULT 1,
	PRIMARY KEY (tenant_id, controller_id)
);
CREATE INDEX IF NOT EXISTS targets_update_status_idx ON targets (tenant_id, update_status);

CREATE TABLE IF NOT EXISTS tags (
	tenant_id   TEXT        NOT NULL,
	name        TEXT        NOT NULL,
	description TEXT        NOT NULL DEFAULT '',
	colour      TEXT        NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (tenant_id, name)
);

CREATE TABLE IF NOT EXISTS target_tags (
	tenant_id     TEXT NOT NULL,
	controller_id TEXT NOT NULL,
	tag_name      TEXT NOT NULL,
	PRIMARY KEY (tenant_id, controller_id, tag_name),
	FOREIGN KEY (tenant_id, controller_id) REFERENCES targets (tenant_id, controller_id) ON DELETE CASCADE,
	FOREIGN KEY (tenant_id, tag_name) REFERENCES tags (tenant_id, name) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS software_modules (
	id         BIGSERIAL   PRIMARY KEY,
	tenant_id  TEXT        NOT NULL,
	type_key   TEXT        NOT NULL,
	name       TEXT        NOT NULL,
	version    TEXT        NOT NULL,
	vendor     TEXT        NOT NULL DEFAULT '',
	metadata   JSONB       NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (tenant_id, type_key, name, version)
);
ALTER TABLE software_modules ADD COLUMN IF NOT EXISTS metadata JSONB NOT NULL DEFAULT '{}';

CREATE TABLE IF NOT EXISTS distribution_set_types (
	tenant_id   TEXT        NOT NULL,
	key         TEXT        NOT NULL,
	name        TEXT        NOT NULL DEFAULT '',
	description TEXT        NOT NULL DEFAULT '',
	mandatory   TEXT[]      NOT NULL DEFAULT '{}',
	optional    TEXT[]      NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (tenant_id, key)
);

CREATE TABLE IF NOT EXISTS distribution_sets (
	id                      BIGSERIAL   PRIMARY KEY,
	tenant_id               TEXT        NOT NULL,
	name                    TEXT        NOT NULL,
	version                 TEXT        NOT NULL,
	description             TEXT        NOT NULL DEFAULT '',
	type_key                TEXT        NOT NULL,
	complete                BOOLEAN     NOT NULL DEFAULT FALSE,
	deleted                 BOOLEAN     NOT NULL DEFAULT FALSE,
	required_migration_step BOOLEAN     NOT NULL DEFAULT FALSE,
	metadata                JSONB       NOT NULL DEFAULT '{}',
	created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	revision                BIGINT      NOT NULL DEFAULT 1,
	UNIQUE (tenant_id, name, version)
);
ALTER TABLE distribution_sets ADD COLUMN IF NOT EXISTS metadata JSONB NOT NULL DEFAULT '{}';

CREATE TABLE IF NOT EXISTS distribution_set_modules (
	distribution_set_id BIGINT NOT NULL REFERENCES distribution_sets (id) ON DELETE CASCADE,
	module_id           BIGINT NOT NULL REFERENCES software_modules (id),
	position            INT    NOT NULL,
	PRIMARY KEY (distribution_set_id, module_id)
);

CREATE TABLE IF NOT EXISTS distribution_set_tags (
	distribution_set_id BIGINT NOT NULL REFERENCES distribution_sets (id) ON DELETE CASCADE,
	tenant_id           TEXT   NOT NULL,
	tag_name            TEXT   NOT NULL,
	PRIMARY KEY (distribution_set_id, tag_name),
	FOREIGN KEY (tenant_id, tag_name) REFERENCES tags (tenant_id, name) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS actions (
	id                  BIGSERIAL   PRIMARY KEY,
	tenant_id           TEXT        NOT NULL,
	controller_id       TEXT        NOT NULL,
	distribution_set_id BIGINT      NOT NULL REFERENCES distribution_sets (id),
	action_type         TEXT        NOT NULL,
	forced_time         TIMESTAMPTZ,
	status              TEXT        NOT NULL,
	active              BOOLEAN     NOT NULL,
	superseded          BOOLEAN     NOT NULL DEFAULT FALSE,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_modified_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	revision            BIGINT      NOT NULL DEFAULT 1,
	FOREIGN KEY (tenant_id, controller_id) REFERENCES targets (tenant_id, controller_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS actions_target_idx ON actions (tenant_id, controller_id, id);
CREATE INDEX IF NOT EXISTS actions_active_idx ON actions (tenant_id, controller_id) WHERE active;
CREATE INDEX IF NOT EXISTS actions_distribution_set_idx ON actions (distribution_set_id);

CREATE TABLE IF NOT EXISTS action_status (
	id          BIGSERIAL   PRIMARY KEY,
	action_id   BIGINT      NOT NULL REFERENCES actions (id) ON DELETE CASCADE,
	status      TEXT        NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	messages    TEXT[]      NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS action_status_action_idx ON action_status (action_id, occurred_at, id);
`
