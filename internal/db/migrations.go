package db

// AgentMigrations returns the schema for the field-device database: the
// durable operation queue and the local response cache.
func AgentMigrations() []Migration {
	return []Migration{
		{
			Version: "001_queued_operations",
			SQL: `
				CREATE TABLE IF NOT EXISTS queued_operations (
					id TEXT PRIMARY KEY,
					target_endpoint TEXT NOT NULL,
					resource TEXT NOT NULL DEFAULT '',
					seq INTEGER NOT NULL DEFAULT 0,
					payload_json TEXT NOT NULL,
					status TEXT NOT NULL DEFAULT 'pending',
					attempt_count INTEGER NOT NULL DEFAULT 0,
					last_attempt_at DATETIME,
					last_error TEXT NOT NULL DEFAULT '',
					created_at DATETIME NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_queued_operations_status
					ON queued_operations (status, created_at);
				CREATE INDEX IF NOT EXISTS idx_queued_operations_resource
					ON queued_operations (resource, seq);
			`,
		},
		{
			Version: "002_cache_entries",
			SQL: `
				CREATE TABLE IF NOT EXISTS cache_entries (
					bucket TEXT NOT NULL,
					cache_key TEXT NOT NULL,
					status_code INTEGER NOT NULL,
					headers_json TEXT NOT NULL,
					body BLOB NOT NULL,
					stored_at DATETIME NOT NULL,
					PRIMARY KEY (bucket, cache_key)
				);
				CREATE TABLE IF NOT EXISTS cache_buckets (
					bucket TEXT PRIMARY KEY,
					version TEXT NOT NULL
				);
			`,
		},
	}
}

// ServerMigrations returns the schema for the office-side database: jobs,
// their photos and audit trail, and technician accounts.
func ServerMigrations() []Migration {
	return []Migration{
		{
			Version: "001_jobs",
			SQL: `
				CREATE TABLE IF NOT EXISTS jobs (
					id TEXT PRIMARY KEY,
					org_id TEXT NOT NULL DEFAULT '',
					technician_id TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL DEFAULT 'scheduled',
					scheduled_date TEXT NOT NULL,
					notes TEXT NOT NULL DEFAULT '',
					skip_reason TEXT NOT NULL DEFAULT '',
					started_at DATETIME,
					completed_at DATETIME,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_jobs_status
					ON jobs (status, scheduled_date);
			`,
		},
		{
			Version: "002_job_photos",
			SQL: `
				CREATE TABLE IF NOT EXISTS job_photos (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					job_id TEXT NOT NULL,
					photo_type TEXT NOT NULL,
					content_hash TEXT NOT NULL,
					content_type TEXT NOT NULL,
					size_bytes INTEGER NOT NULL,
					operation_id TEXT NOT NULL UNIQUE,
					created_at DATETIME NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_job_photos_job
					ON job_photos (job_id, id);
			`,
		},
		{
			Version: "003_job_audit",
			SQL: `
				CREATE TABLE IF NOT EXISTS job_audit (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					job_id TEXT NOT NULL,
					previous_status TEXT NOT NULL,
					new_status TEXT NOT NULL,
					actor TEXT NOT NULL,
					recorded_at DATETIME NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_job_audit_job
					ON job_audit (job_id, id);
			`,
		},
		{
			Version: "004_technicians",
			SQL: `
				CREATE TABLE IF NOT EXISTS technicians (
					id TEXT PRIMARY KEY,
					username TEXT NOT NULL UNIQUE,
					password_hash TEXT NOT NULL,
					created_at DATETIME NOT NULL
				);
				CREATE TABLE IF NOT EXISTS settings (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL
				);
			`,
		},
	}
}
