package tablestore

type migration struct {
	version int
	sql     string
}

// migrations must be numbered sequentially from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS records (
	id         TEXT PRIMARY KEY,
	tbl        TEXT NOT NULL,
	fields     TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_records_tbl ON records(tbl);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
