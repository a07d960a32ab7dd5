package audit

// Schema creates the append-only event table. There is deliberately no
// DELETE anywhere in this package; size bounds are an external rotation
// concern.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
    id          TEXT PRIMARY KEY,
    created_at  TIMESTAMP NOT NULL,
    kind        TEXT NOT NULL,
    trigger     TEXT NOT NULL DEFAULT '',
    outcome     TEXT NOT NULL DEFAULT '',
    severity    TEXT NOT NULL DEFAULT '',
    message     TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
`
