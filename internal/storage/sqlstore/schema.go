package sqlstore

// sqliteSchema is the record schema for the embedded SQLite backend.
// Timestamps are stored as TEXT (see formatTime); the specification is JSON.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS results (
    id TEXT PRIMARY KEY,
    meta_analysis_id TEXT NOT NULL DEFAULT '',
    meta_analysis_name TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    source_url TEXT NOT NULL DEFAULT '',
    specification TEXT,
    output_dir TEXT NOT NULL DEFAULT '',
    cluster_table TEXT NOT NULL DEFAULT '',
    collection_id TEXT,
    collection_name TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS image_uploads (
    id TEXT PRIMARY KEY,
    result_id TEXT NOT NULL,
    path TEXT NOT NULL DEFAULT '',
    filename TEXT NOT NULL DEFAULT '',
    value_type TEXT NOT NULL DEFAULT '',
    image_id INTEGER,
    url TEXT NOT NULL DEFAULT '',
    collection_id TEXT,
    status TEXT NOT NULL DEFAULT 'PENDING',
    traceback TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_image_uploads_result ON image_uploads(result_id);

CREATE TABLE IF NOT EXISTS study_uploads (
    id TEXT PRIMARY KEY,
    result_id TEXT NOT NULL,
    external_id TEXT,
    status TEXT NOT NULL DEFAULT 'PENDING',
    traceback TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_study_uploads_result ON study_uploads(result_id);
`

// mysqlSchema mirrors sqliteSchema in the MySQL dialect:
// - TEXT keys become VARCHAR (MySQL cannot index unbounded TEXT)
// - INTEGER becomes BIGINT
// - indexes are declared inline (no CREATE INDEX IF NOT EXISTS)
const mysqlSchema = `
CREATE TABLE IF NOT EXISTS results (
    id VARCHAR(255) PRIMARY KEY,
    meta_analysis_id VARCHAR(255) NOT NULL DEFAULT '',
    meta_analysis_name TEXT NOT NULL,
    description TEXT NOT NULL,
    source_url TEXT NOT NULL,
    specification TEXT,
    output_dir TEXT NOT NULL,
    cluster_table TEXT NOT NULL,
    collection_id VARCHAR(255),
    collection_name TEXT NOT NULL,
    created_at VARCHAR(64) NOT NULL,
    updated_at VARCHAR(64) NOT NULL
);

CREATE TABLE IF NOT EXISTS image_uploads (
    id VARCHAR(512) PRIMARY KEY,
    result_id VARCHAR(255) NOT NULL,
    path TEXT NOT NULL,
    filename VARCHAR(1024) NOT NULL DEFAULT '',
    value_type VARCHAR(32) NOT NULL DEFAULT '',
    image_id BIGINT,
    url TEXT NOT NULL,
    collection_id VARCHAR(255),
    status VARCHAR(16) NOT NULL DEFAULT 'PENDING',
    traceback TEXT,
    created_at VARCHAR(64) NOT NULL,
    updated_at VARCHAR(64) NOT NULL,
    INDEX idx_image_uploads_result (result_id)
);

CREATE TABLE IF NOT EXISTS study_uploads (
    id VARCHAR(512) PRIMARY KEY,
    result_id VARCHAR(255) NOT NULL,
    external_id VARCHAR(255),
    status VARCHAR(16) NOT NULL DEFAULT 'PENDING',
    traceback TEXT,
    created_at VARCHAR(64) NOT NULL,
    updated_at VARCHAR(64) NOT NULL,
    INDEX idx_study_uploads_result (result_id)
);
`
