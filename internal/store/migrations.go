package store

// Timestamps are unix milliseconds so ordering never depends on driver time formats.
const schema = `
CREATE TABLE IF NOT EXISTS items (
    id            TEXT PRIMARY KEY,
    platform      TEXT NOT NULL,
    source_id     TEXT NOT NULL,
    title         TEXT NOT NULL DEFAULT '',
    url           TEXT NOT NULL DEFAULT '',
    author        TEXT NOT NULL DEFAULT '',
    engagement    REAL NOT NULL DEFAULT 0,
    heat          REAL NOT NULL DEFAULT 0,
    content_hash  TEXT NOT NULL DEFAULT '',
    published_at  INTEGER NOT NULL DEFAULT 0,
    scraped_at    INTEGER NOT NULL DEFAULT 0,
    payload       TEXT NOT NULL DEFAULT '{}',
    UNIQUE(platform, source_id)
);

CREATE INDEX IF NOT EXISTS idx_items_platform ON items(platform);
CREATE INDEX IF NOT EXISTS idx_items_scraped_at ON items(scraped_at);
CREATE INDEX IF NOT EXISTS idx_items_heat ON items(heat);
CREATE INDEX IF NOT EXISTS idx_items_content_hash ON items(content_hash);

CREATE TABLE IF NOT EXISTS heat_snapshots (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    item_id     TEXT NOT NULL REFERENCES items(id),
    heat        REAL NOT NULL,
    engagement  REAL NOT NULL,
    checked_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_item ON heat_snapshots(item_id);
CREATE INDEX IF NOT EXISTS idx_snapshots_checked ON heat_snapshots(checked_at);

CREATE TABLE IF NOT EXISTS scraper_state (
    source      TEXT PRIMARY KEY,
    state       TEXT NOT NULL DEFAULT '{}',
    updated_at  INTEGER NOT NULL
);
`
