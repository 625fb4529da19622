package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// vec0 virtual table dimension.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Brokers, keyed by lowercased e-mail
CREATE TABLE IF NOT EXISTS brokers (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL,
    name TEXT,
    phone TEXT,
    gci_3_years_raw TEXT,
    gci_3_years_clean REAL
);

CREATE TABLE IF NOT EXISTS associates (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL
);

-- seq is the rowid shared with vec_listings; id is the stable node id
CREATE TABLE IF NOT EXISTS listings (
    seq INTEGER PRIMARY KEY,
    id TEXT NOT NULL UNIQUE,
    address_raw TEXT NOT NULL,
    address_canonical TEXT NOT NULL,
    address_number TEXT,
    address_street TEXT,
    floor TEXT,
    suite TEXT,
    size_sf_raw TEXT,
    size_sf_clean REAL,
    rent_raw TEXT,
    rent_clean REAL,
    annual_rent_raw TEXT,
    annual_rent_clean REAL,
    rent_sf_year_raw TEXT,
    rent_sf_year_clean REAL
);

-- Broker -[MANAGES]-> Listing
CREATE TABLE IF NOT EXISTS manages (
    broker_id TEXT NOT NULL REFERENCES brokers(id),
    listing_id TEXT NOT NULL REFERENCES listings(id),
    PRIMARY KEY (broker_id, listing_id)
);

-- Broker -[WORKS_WITH]-> Associate
CREATE TABLE IF NOT EXISTS works_with (
    broker_id TEXT NOT NULL REFERENCES brokers(id),
    associate_id TEXT NOT NULL REFERENCES associates(id),
    PRIMARY KEY (broker_id, associate_id)
);

-- Listing -[CO_LOCATED]- Listing, one row per unordered pair
CREATE TABLE IF NOT EXISTS co_located (
    listing_a TEXT NOT NULL REFERENCES listings(id),
    listing_b TEXT NOT NULL REFERENCES listings(id),
    PRIMARY KEY (listing_a, listing_b),
    CHECK (listing_a < listing_b)
);

-- Canonical address embeddings via sqlite-vec
CREATE VIRTUAL TABLE IF NOT EXISTS vec_listings USING vec0(
    listing_seq INTEGER PRIMARY KEY,
    embedding float[%d] distance_metric=cosine
);

-- Build-time schema description handed to the query generator
CREATE TABLE IF NOT EXISTS schema_artifact (
    dialect TEXT PRIMARY KEY,
    version TEXT NOT NULL,
    body TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_manages_listing ON manages(listing_id);
CREATE INDEX IF NOT EXISTS idx_works_with_associate ON works_with(associate_id);
CREATE INDEX IF NOT EXISTS idx_co_located_b ON co_located(listing_b);
`, embeddingDim)
}
