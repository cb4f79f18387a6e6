package protocol

// SchemaDDL defines the SQLite schema for the hive state database.
// Tables: combs, quests, jobs, job_deps, bees, cells, waggles, costs.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Tracked repositories
CREATE TABLE IF NOT EXISTS combs (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    repo_url TEXT NOT NULL DEFAULT '',
    path TEXT NOT NULL,
    merge_policy TEXT NOT NULL DEFAULT 'manual'
        CHECK (merge_policy IN ('manual', 'auto_merge', 'pr_branch')),
    validation_command TEXT NOT NULL DEFAULT '',
    base_branch TEXT NOT NULL DEFAULT 'main',
    created_at TEXT NOT NULL
);

-- Objectives decomposed into jobs
CREATE TABLE IF NOT EXISTS quests (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK (status IN ('pending', 'active', 'completed', 'failed', 'cancelled')),
    comb_id TEXT REFERENCES combs(id),
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Units of work; rowid order is assignment order
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK (status IN ('pending', 'assigned', 'running', 'done', 'failed', 'blocked')),
    quest_id TEXT NOT NULL REFERENCES quests(id),
    comb_id TEXT NOT NULL REFERENCES combs(id),
    bee_id TEXT REFERENCES bees(id),
    reason TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS jobs_comb_status ON jobs(comb_id, status);

-- Dependency edges: job_id may not start before depends_on is done
CREATE TABLE IF NOT EXISTS job_deps (
    job_id TEXT NOT NULL REFERENCES jobs(id),
    depends_on TEXT NOT NULL REFERENCES jobs(id),
    PRIMARY KEY (job_id, depends_on)
);

-- Agent instances
CREATE TABLE IF NOT EXISTS bees (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    comb_id TEXT NOT NULL REFERENCES combs(id),
    status TEXT NOT NULL DEFAULT 'starting'
        CHECK (status IN ('starting', 'idle', 'working', 'paused', 'stopped', 'crashed')),
    job_id TEXT,
    cell_id TEXT,
    pid INTEGER NOT NULL DEFAULT 0,
    session_id TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Isolated worktrees
CREATE TABLE IF NOT EXISTS cells (
    id TEXT PRIMARY KEY,
    bee_id TEXT NOT NULL REFERENCES bees(id),
    comb_id TEXT NOT NULL REFERENCES combs(id),
    path TEXT NOT NULL,
    branch TEXT NOT NULL,
    base_sha TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'active'
        CHECK (status IN ('active', 'merged', 'removed')),
    created_at TEXT NOT NULL,
    removed_at TEXT
);

-- One active cell per bee
CREATE UNIQUE INDEX IF NOT EXISTS cells_one_active_per_bee ON cells(bee_id) WHERE status = 'active';

-- Durable message log; rowid is send order
CREATE TABLE IF NOT EXISTS waggles (
    id TEXT PRIMARY KEY,
    sender TEXT NOT NULL,
    recipient TEXT NOT NULL,
    subject TEXT NOT NULL DEFAULT '',
    body TEXT NOT NULL DEFAULT '',
    read INTEGER NOT NULL DEFAULT 0,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS waggles_recipient ON waggles(recipient, read);

-- Append-only usage records
CREATE TABLE IF NOT EXISTS costs (
    id TEXT PRIMARY KEY,
    bee_id TEXT NOT NULL REFERENCES bees(id),
    input_tokens INTEGER NOT NULL DEFAULT 0 CHECK (input_tokens >= 0),
    output_tokens INTEGER NOT NULL DEFAULT 0 CHECK (output_tokens >= 0),
    cache_read_tokens INTEGER NOT NULL DEFAULT 0 CHECK (cache_read_tokens >= 0),
    cache_write_tokens INTEGER NOT NULL DEFAULT 0 CHECK (cache_write_tokens >= 0),
    cost_usd REAL NOT NULL DEFAULT 0 CHECK (cost_usd >= 0),
    model TEXT NOT NULL DEFAULT '',
    recorded_at TEXT NOT NULL
);

CREATE TRIGGER IF NOT EXISTS costs_no_update BEFORE UPDATE ON costs BEGIN
    SELECT RAISE(ABORT, 'cost records are append-only');
END;

CREATE TRIGGER IF NOT EXISTS costs_no_delete BEFORE DELETE ON costs BEGIN
    SELECT RAISE(ABORT, 'cost records are append-only');
END;
`
