package repository

// Схема PostgreSQL
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		token      VARCHAR(64) PRIMARY KEY,
		name       TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS members (
		id               TEXT PRIMARY KEY,
		session_token    VARCHAR(64) NOT NULL REFERENCES sessions(token),
		name             TEXT NOT NULL,
		role             VARCHAR(32) NOT NULL,
		status           VARCHAR(16) NOT NULL,
		current_file     TEXT,
		joined_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_activity    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		tasks_assigned   INTEGER NOT NULL DEFAULT 0,
		tasks_completed  INTEGER NOT NULL DEFAULT 0,
		commits_total    INTEGER NOT NULL DEFAULT 0,
		commits_accepted INTEGER NOT NULL DEFAULT 0,
		UNIQUE (session_token, name)
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		seq           BIGSERIAL,
		id            TEXT NOT NULL,
		session_token VARCHAR(64) NOT NULL REFERENCES sessions(token),
		title         TEXT NOT NULL,
		status        VARCHAR(32) NOT NULL,
		assignee      TEXT,
		description   TEXT,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (session_token, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_session_title ON tasks (session_token, title)`,
	`CREATE TABLE IF NOT EXISTS reviews (
		seq           BIGSERIAL,
		id            TEXT PRIMARY KEY,
		session_token VARCHAR(64) NOT NULL REFERENCES sessions(token),
		submitted_by  TEXT NOT NULL,
		author_name   TEXT NOT NULL,
		task_id       TEXT,
		task_name     TEXT,
		file_path     TEXT NOT NULL,
		language      TEXT NOT NULL DEFAULT '',
		content       TEXT NOT NULL,
		analysis      JSONB,
		status        VARCHAR(32) NOT NULL,
		feedback      TEXT,
		reviewed_by   TEXT,
		submitted_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		reviewed_at   TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reviews_session ON reviews (session_token, seq)`,
}

// Схема SQLite. Время хранится в миллисекундах Unix.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		token      TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS members (
		id               TEXT PRIMARY KEY,
		session_token    TEXT NOT NULL REFERENCES sessions(token),
		name             TEXT NOT NULL,
		role             TEXT NOT NULL,
		status           TEXT NOT NULL,
		current_file     TEXT,
		joined_at        INTEGER NOT NULL,
		last_activity    INTEGER NOT NULL,
		tasks_assigned   INTEGER NOT NULL DEFAULT 0,
		tasks_completed  INTEGER NOT NULL DEFAULT 0,
		commits_total    INTEGER NOT NULL DEFAULT 0,
		commits_accepted INTEGER NOT NULL DEFAULT 0,
		UNIQUE (session_token, name)
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		seq           INTEGER PRIMARY KEY AUTOINCREMENT,
		id            TEXT NOT NULL,
		session_token TEXT NOT NULL REFERENCES sessions(token),
		title         TEXT NOT NULL,
		status        TEXT NOT NULL,
		assignee      TEXT,
		description   TEXT,
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL,
		UNIQUE (session_token, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_session_title ON tasks (session_token, title)`,
	`CREATE TABLE IF NOT EXISTS reviews (
		seq           INTEGER PRIMARY KEY AUTOINCREMENT,
		id            TEXT NOT NULL UNIQUE,
		session_token TEXT NOT NULL REFERENCES sessions(token),
		submitted_by  TEXT NOT NULL,
		author_name   TEXT NOT NULL,
		task_id       TEXT,
		task_name     TEXT,
		file_path     TEXT NOT NULL,
		language      TEXT NOT NULL DEFAULT '',
		content       TEXT NOT NULL,
		analysis      TEXT,
		status        TEXT NOT NULL,
		feedback      TEXT,
		reviewed_by   TEXT,
		submitted_at  INTEGER NOT NULL,
		reviewed_at   INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reviews_session ON reviews (session_token, seq)`,
}
