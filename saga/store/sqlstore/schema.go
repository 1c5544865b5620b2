package sqlstore

// Schema 建表语句，sqlite 与 postgres 通用；时间戳存储为 Unix 纳秒
const Schema = `
CREATE TABLE IF NOT EXISTS saga_executions (
	saga_id       TEXT PRIMARY KEY,
	saga_type     TEXT NOT NULL,
	state         TEXT NOT NULL,
	payload       TEXT,
	error_message TEXT NOT NULL DEFAULT '',
	created_at    BIGINT NOT NULL,
	updated_at    BIGINT NOT NULL,
	completed_at  BIGINT,
	version       BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_saga_executions_state_updated ON saga_executions (state, updated_at);
CREATE INDEX IF NOT EXISTS idx_saga_executions_type_created ON saga_executions (saga_type, created_at);
CREATE TABLE IF NOT EXISTS saga_step_executions (
	step_id                 TEXT PRIMARY KEY,
	saga_id                 TEXT NOT NULL,
	seq                     INTEGER NOT NULL,
	step_name               TEXT NOT NULL,
	service_target          TEXT NOT NULL,
	status                  TEXT NOT NULL,
	request_payload         TEXT,
	response_payload        TEXT,
	error_message           TEXT NOT NULL DEFAULT '',
	compensation_action     TEXT,
	started_at              BIGINT,
	completed_at            BIGINT,
	duration_millis         BIGINT,
	compensation_started_at BIGINT,
	compensated_at          BIGINT,
	UNIQUE (saga_id, seq)
);
CREATE TABLE IF NOT EXISTS saga_state_history (
	saga_id    TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	from_state TEXT NOT NULL DEFAULT '',
	to_state   TEXT NOT NULL,
	changed_at BIGINT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (saga_id, seq)
)`

const (
	executionColumns = "saga_id, saga_type, state, payload, error_message, created_at, updated_at, completed_at, version"
	stepColumns      = "step_id, saga_id, seq, step_name, service_target, status, request_payload, response_payload, " +
		"error_message, compensation_action, started_at, completed_at, duration_millis, compensation_started_at, compensated_at"
)
