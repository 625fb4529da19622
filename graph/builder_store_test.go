//go:build cgo

package graph

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/brunobiangulo/hybridqa/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(dbPath, 4)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBuildIntoSQLiteStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rep, err := NewBuilder(s, &fakeEmbedder{}, 2).Build(ctx, sampleRecords())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Listings != 4 || st.Embeddings != 4 || st.CoLocated != 1 || st.Manages != 3 {
		t.Errorf("stats = %+v", *st)
	}

	schema, err := LoadSchema(ctx, s, DialectSQL)
	if err != nil {
		t.Fatalf("LoadSchema: %v", err)
	}
	if schema.Version != rep.SchemaVersion {
		t.Errorf("loaded version %s, built %s", schema.Version, rep.SchemaVersion)
	}

	// The generated schema description must match the physical tables.
	res, err := s.Execute(ctx, `
		SELECT l.id, l.rent_clean, b.email
		FROM listings l
		JOIN manages m ON m.listing_id = l.id
		JOIN brokers b ON b.id = m.broker_id
		WHERE l.address_canonical = '36 W 36th St'
		ORDER BY l.id`)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(res.Rows) != 2 || res.Rows[0]["id"] != "L1" || res.Rows[1]["rent_clean"] != nil {
		t.Errorf("rows = %v", res.Rows)
	}

	if _, err := NewBuilder(s, &fakeEmbedder{}, 2).Build(ctx, sampleRecords()); err == nil {
		t.Error("second build into the same store should fail")
	}
}
