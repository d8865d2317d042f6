package store

// schema is executed statement-by-statement at open. Everything is
// CREATE IF NOT EXISTS so reopening an existing database is a no-op.
const schema = `
CREATE TABLE IF NOT EXISTS miners (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	name               TEXT    NOT NULL,
	family             TEXT    NOT NULL,
	host               TEXT    NOT NULL,
	port               INTEGER,
	current_mode       TEXT,
	firmware_version   TEXT    NOT NULL DEFAULT '',
	manual_power_watts REAL,
	enabled            INTEGER NOT NULL DEFAULT 1,
	config             TEXT    NOT NULL DEFAULT '{}',
	last_mode_change   TIMESTAMP,
	created_at         TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS pools (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	name               TEXT    NOT NULL,
	host               TEXT    NOT NULL,
	port               INTEGER NOT NULL,
	user               TEXT    NOT NULL DEFAULT '',
	password           TEXT    NOT NULL DEFAULT '',
	enabled            INTEGER NOT NULL DEFAULT 1,
	priority           INTEGER NOT NULL DEFAULT 0,
	network_difficulty REAL,
	difficulty_updated TIMESTAMP,
	best_share         REAL
);

CREATE TABLE IF NOT EXISTS miner_pool_slots (
	miner_id    INTEGER NOT NULL REFERENCES miners(id) ON DELETE CASCADE,
	slot_number INTEGER NOT NULL,
	pool_id     INTEGER REFERENCES pools(id) ON DELETE SET NULL,
	pool_url    TEXT    NOT NULL,
	pool_port   INTEGER NOT NULL,
	pool_user   TEXT    NOT NULL DEFAULT '',
	is_active   INTEGER NOT NULL DEFAULT 0,
	last_seen   TIMESTAMP NOT NULL,
	PRIMARY KEY (miner_id, slot_number)
);

CREATE TABLE IF NOT EXISTS telemetry (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	miner_id        INTEGER NOT NULL,
	timestamp       TIMESTAMP NOT NULL,
	hashrate        REAL    NOT NULL,
	hashrate_unit   TEXT    NOT NULL,
	temperature     REAL,
	power_watts     REAL,
	shares_accepted INTEGER,
	shares_rejected INTEGER,
	pool_in_use     TEXT    NOT NULL DEFAULT '',
	data            TEXT    NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_telemetry_miner_ts ON telemetry(miner_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_telemetry_ts ON telemetry(timestamp);

CREATE TABLE IF NOT EXISTS energy_prices (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	region      TEXT    NOT NULL,
	valid_from  TIMESTAMP NOT NULL,
	valid_to    TIMESTAMP NOT NULL,
	price_pence REAL    NOT NULL,
	UNIQUE (region, valid_from)
);

CREATE TABLE IF NOT EXISTS agile_strategy (
	id                 INTEGER PRIMARY KEY CHECK (id = 1),
	enabled            INTEGER NOT NULL DEFAULT 0,
	current_price_band INTEGER,
	hysteresis_counter INTEGER NOT NULL DEFAULT 0,
	last_action_time   TIMESTAMP,
	last_price_checked REAL,
	state_data         TEXT    NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS agile_strategy_bands (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy_id   INTEGER NOT NULL REFERENCES agile_strategy(id) ON DELETE CASCADE,
	sort_order    INTEGER NOT NULL,
	min_price     REAL,
	max_price     REAL,
	target_coin   TEXT    NOT NULL,
	mode_avalon   TEXT    NOT NULL DEFAULT '',
	mode_bitaxe   TEXT    NOT NULL DEFAULT '',
	mode_nerdqaxe TEXT    NOT NULL DEFAULT '',
	UNIQUE (strategy_id, sort_order)
);

CREATE TABLE IF NOT EXISTS miner_strategies (
	miner_id         INTEGER PRIMARY KEY REFERENCES miners(id) ON DELETE CASCADE,
	strategy_enabled INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS pool_strategies (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	name               TEXT    NOT NULL,
	strategy_type      TEXT    NOT NULL,
	enabled            INTEGER NOT NULL DEFAULT 0,
	pool_ids           TEXT    NOT NULL DEFAULT '[]',
	miner_ids          TEXT    NOT NULL DEFAULT '[]',
	config             TEXT    NOT NULL DEFAULT '{}',
	current_pool_index INTEGER NOT NULL DEFAULT 0,
	last_switch        TIMESTAMP
);

CREATE TABLE IF NOT EXISTS strategy_logs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy_id INTEGER NOT NULL,
	timestamp   TIMESTAMP NOT NULL,
	action      TEXT    NOT NULL,
	details     TEXT    NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS automation_rules (
	id                     INTEGER PRIMARY KEY AUTOINCREMENT,
	name                   TEXT    NOT NULL,
	enabled                INTEGER NOT NULL DEFAULT 1,
	trigger_type           TEXT    NOT NULL,
	trigger_config         TEXT    NOT NULL DEFAULT '{}',
	action_type            TEXT    NOT NULL,
	action_config          TEXT    NOT NULL DEFAULT '{}',
	priority               INTEGER NOT NULL DEFAULT 0,
	last_executed_at       TIMESTAMP,
	last_execution_context TEXT    NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS high_diff_shares (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	miner_id           INTEGER NOT NULL,
	miner_name         TEXT    NOT NULL,
	coin               TEXT    NOT NULL,
	pool_name          TEXT    NOT NULL,
	difficulty         REAL    NOT NULL,
	network_difficulty REAL,
	hashrate           REAL    NOT NULL DEFAULT 0,
	mode               TEXT    NOT NULL DEFAULT '',
	was_block_solve    INTEGER NOT NULL DEFAULT 0,
	timestamp          TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_high_diff_miner ON high_diff_shares(miner_id, difficulty);

CREATE TABLE IF NOT EXISTS blocks_found (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	miner_id           INTEGER NOT NULL,
	miner_name         TEXT    NOT NULL,
	coin               TEXT    NOT NULL,
	pool_name          TEXT    NOT NULL,
	difficulty         REAL    NOT NULL,
	network_difficulty REAL,
	timestamp          TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS pool_health (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	pool_id          INTEGER NOT NULL,
	timestamp        TIMESTAMP NOT NULL,
	is_reachable     INTEGER NOT NULL,
	response_time_ms INTEGER NOT NULL DEFAULT 0,
	reject_rate      REAL    NOT NULL DEFAULT 0,
	shares_accepted  INTEGER NOT NULL DEFAULT 0,
	shares_rejected  INTEGER NOT NULL DEFAULT 0,
	health_score     REAL    NOT NULL DEFAULT 0,
	luck_percentage  REAL,
	error_message    TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_pool_health_pool_ts ON pool_health(pool_id, timestamp);

CREATE TABLE IF NOT EXISTS health_scores (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	miner_id       INTEGER NOT NULL,
	timestamp      TIMESTAMP NOT NULL,
	overall_score  REAL NOT NULL,
	uptime_score   REAL NOT NULL DEFAULT 0,
	thermal_score  REAL NOT NULL DEFAULT 0,
	share_score    REAL NOT NULL DEFAULT 0,
	hashrate_score REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp  TIMESTAMP NOT NULL,
	event_type TEXT    NOT NULL,
	source     TEXT    NOT NULL,
	message    TEXT    NOT NULL,
	data       TEXT    NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(timestamp);

CREATE TABLE IF NOT EXISTS audit_logs (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp     TIMESTAMP NOT NULL,
	actor         TEXT    NOT NULL,
	action        TEXT    NOT NULL,
	resource_type TEXT    NOT NULL DEFAULT '',
	resource_id   INTEGER,
	resource_name TEXT    NOT NULL DEFAULT '',
	changes       TEXT    NOT NULL DEFAULT '{}',
	status        TEXT    NOT NULL DEFAULT '',
	error_message TEXT    NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS daily_stats (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	miner_id        INTEGER NOT NULL,
	day             TIMESTAMP NOT NULL,
	avg_hashrate    REAL NOT NULL DEFAULT 0,
	hashrate_unit   TEXT NOT NULL DEFAULT '',
	avg_power_watts REAL NOT NULL DEFAULT 0,
	energy_cost     REAL NOT NULL DEFAULT 0,
	samples         INTEGER NOT NULL DEFAULT 0,
	UNIQUE (miner_id, day)
);
`
