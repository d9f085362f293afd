package store

// schemaMutable creates the durable entity table, the write-queue staging
// table, and the index allocator, per spec.md §4.5. Grounded on the
// teacher's db.go:createSchema split between a "schemaMut" and an
// "schemaImmutable" string, executed as two Exec calls against the pooled
// handle rather than one.
const schemaMutable = `
CREATE TABLE IF NOT EXISTS entities (
	"index" INTEGER NOT NULL,
	iter INTEGER NOT NULL,
	uuid TEXT,
	state INTEGER,
	name TEXT,
	description TEXT,
	positionX INTEGER,
	positionY INTEGER,
	aesthetics TEXT,
	ownership TEXT,
	minted INTEGER,
	timestamp INTEGER,
	PRIMARY KEY ("index", iter)
);
CREATE INDEX IF NOT EXISTS idx_entities_uuid ON entities(uuid);
CREATE INDEX IF NOT EXISTS idx_entities_position ON entities(positionX, positionY);
CREATE INDEX IF NOT EXISTS idx_entities_index_iter ON entities("index", iter DESC);
CREATE INDEX IF NOT EXISTS idx_entities_ownership ON entities(ownership, "index", iter DESC);

CREATE TABLE IF NOT EXISTS write_queue (
	queue_id INTEGER PRIMARY KEY AUTOINCREMENT,
	"index" INTEGER,
	iter INTEGER NOT NULL,
	uuid TEXT,
	state INTEGER,
	name TEXT,
	description TEXT,
	positionX INTEGER,
	positionY INTEGER,
	aesthetics TEXT,
	ownership TEXT,
	minted INTEGER,
	timestamp INTEGER
);

CREATE TABLE IF NOT EXISTS index_seq (
	id INTEGER PRIMARY KEY AUTOINCREMENT
);
`
