package neo4jstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/brunobiangulo/hybridqa/store"
)

// writeBatch is the number of rows sent per UNWIND statement.
const writeBatch = 500

func constraintStatements(dim int) []string {
	return []string{
		"CREATE CONSTRAINT broker_id IF NOT EXISTS FOR (n:Broker) REQUIRE n.id IS UNIQUE",
		"CREATE CONSTRAINT listing_id IF NOT EXISTS FOR (n:Listing) REQUIRE n.id IS UNIQUE",
		"CREATE CONSTRAINT associate_id IF NOT EXISTS FOR (n:Associate) REQUIRE n.id IS UNIQUE",
		"CREATE CONSTRAINT schema_artifact_dialect IF NOT EXISTS FOR (n:SchemaArtifact) REQUIRE n.dialect IS UNIQUE",
		"CREATE INDEX listing_address_canonical IF NOT EXISTS FOR (n:Listing) ON (n.address_canonical)",
		fmt.Sprintf("CREATE VECTOR INDEX %s IF NOT EXISTS FOR (n:Listing) ON (n.embedding) "+
			"OPTIONS {indexConfig: {`vector.dimensions`: %d, `vector.similarity_function`: 'cosine'}}",
			vectorIndex, dim),
	}
}

// edgeStatement returns the UNWIND statement creating relationships of
// kind between existing endpoints. Relationship types cannot be
// parameterised, so each kind has its own statement.
func edgeStatement(kind string) (string, error) {
	var from, to string
	switch kind {
	case store.RelManages:
		from, to = "Broker", "Listing"
	case store.RelWorksWith:
		from, to = "Broker", "Associate"
	case store.RelCoLocated:
		from, to = "Listing", "Listing"
	default:
		return "", fmt.Errorf("neo4jstore: unknown relationship kind %q", kind)
	}
	return fmt.Sprintf(`UNWIND $rows AS r
		MATCH (a:%s {id: r.from})
		MATCH (b:%s {id: r.to})
		MERGE (a)-[:%s]->(b)
		RETURN count(*) AS n`, from, to, kind), nil
}

// WriteGraph creates constraints and the vector index, then writes every
// node and relationship of g and the schema artifact a in one transaction.
// The graph is write-once: a second call fails with store.ErrAlreadyBuilt.
func (s *Store) WriteGraph(ctx context.Context, g *store.Graph, a store.SchemaArtifact) error {
	if s.readOnly {
		return store.ErrReadOnly
	}
	if a.Dialect != s.Dialect() {
		return fmt.Errorf("neo4jstore: schema artifact dialect %q, store speaks %q", a.Dialect, s.Dialect())
	}
	start := time.Now()

	for _, l := range g.Listings {
		if len(l.Embedding) != s.embeddingDim {
			return fmt.Errorf("%w: listing %s has %d dims, want %d",
				store.ErrDimensionMismatch, l.ID, len(l.Embedding), s.embeddingDim)
		}
	}

	sess := s.session(ctx, neo4j.AccessModeWrite)
	defer sess.Close(ctx)

	// Schema operations cannot share a transaction with data writes.
	for _, stmt := range constraintStatements(s.embeddingDim) {
		res, err := sess.Run(ctx, stmt, nil)
		if err == nil {
			_, err = res.Consume(ctx)
		}
		if err != nil {
			return fmt.Errorf("creating constraints: %w", classify(ctx, err))
		}
	}

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		n, err := single(ctx, tx, "MATCH (n) WHERE n:Listing OR n:SchemaArtifact RETURN count(n) AS n", nil)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			return nil, store.ErrAlreadyBuilt
		}

		if err := unwind(ctx, tx, `UNWIND $rows AS r CREATE (n:Broker) SET n = r`, brokerRows(g.Brokers)); err != nil {
			return nil, err
		}
		if err := unwind(ctx, tx, `UNWIND $rows AS r CREATE (n:Associate) SET n = r`, associateRows(g.Associates)); err != nil {
			return nil, err
		}
		if err := unwind(ctx, tx, `UNWIND $rows AS r CREATE (n:Listing) SET n = r`, listingRows(g.Listings)); err != nil {
			return nil, err
		}

		byKind := make(map[string][]map[string]any)
		var kinds []string
		for _, e := range g.Edges {
			if _, ok := byKind[e.Kind]; !ok {
				kinds = append(kinds, e.Kind)
			}
			from, to := e.From, e.To
			if e.Kind == store.RelCoLocated && from > to {
				from, to = to, from
			}
			byKind[e.Kind] = append(byKind[e.Kind], map[string]any{"from": from, "to": to})
		}
		for _, kind := range kinds {
			stmt, err := edgeStatement(kind)
			if err != nil {
				return nil, err
			}
			rows := byKind[kind]
			for i := 0; i < len(rows); i += writeBatch {
				batch := rows[i:min(i+writeBatch, len(rows))]
				n, err := single(ctx, tx, stmt, map[string]any{"rows": batch})
				if err != nil {
					return nil, err
				}
				if int(n) != len(batch) {
					return nil, fmt.Errorf("neo4jstore: %d of %d %s relationships reference missing nodes",
						len(batch)-int(n), len(batch), kind)
				}
			}
		}

		res, err := tx.Run(ctx, `CREATE (:SchemaArtifact {dialect: $dialect, version: $version, body: $body, created_at: datetime()})`,
			map[string]any{"dialect": a.Dialect, "version": a.Version, "body": a.Body})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	if err != nil {
		if errors.Is(err, store.ErrAlreadyBuilt) {
			return err
		}
		return fmt.Errorf("writing graph: %w", err)
	}

	slog.Info("neo4jstore: graph written",
		"brokers", len(g.Brokers), "associates", len(g.Associates),
		"listings", len(g.Listings), "edges", len(g.Edges),
		"schema_version", a.Version, "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// LoadSchema returns the persisted schema artifact for dialect.
func (s *Store) LoadSchema(ctx context.Context, dialect string) (*store.SchemaArtifact, error) {
	sess := s.session(ctx, neo4j.AccessModeRead)
	defer sess.Close(ctx)

	out, err := sess.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, "MATCH (s:SchemaArtifact {dialect: $dialect}) RETURN s.version AS version, s.body AS body",
			map[string]any{"dialect": dialect})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			return nil, nil
		}
		version, _ := records[0].Get("version")
		body, _ := records[0].Get("body")
		a := &store.SchemaArtifact{Dialect: dialect}
		a.Version, _ = version.(string)
		a.Body, _ = body.(string)
		return a, nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading schema artifact: %w", classify(ctx, err))
	}
	if out == nil {
		return nil, fmt.Errorf("%w: no schema artifact for dialect %s", store.ErrNotBuilt, dialect)
	}
	return out.(*store.SchemaArtifact), nil
}

// single runs a statement returning one integer column named n.
func single(ctx context.Context, tx neo4j.ManagedTransaction, stmt string, params map[string]any) (int64, error) {
	res, err := tx.Run(ctx, stmt, params)
	if err != nil {
		return 0, err
	}
	rec, err := res.Single(ctx)
	if err != nil {
		return 0, err
	}
	v, _ := rec.Get("n")
	n, _ := v.(int64)
	return n, nil
}

func unwind(ctx context.Context, tx neo4j.ManagedTransaction, stmt string, rows []map[string]any) error {
	for i := 0; i < len(rows); i += writeBatch {
		res, err := tx.Run(ctx, stmt, map[string]any{"rows": rows[i:min(i+writeBatch, len(rows))]})
		if err != nil {
			return err
		}
		if _, err := res.Consume(ctx); err != nil {
			return err
		}
	}
	return nil
}

// putString and putFloat leave absent values unset; Neo4j has no NULL
// properties.
func putString(m map[string]any, k, v string) {
	if v != "" {
		m[k] = v
	}
}

func putFloat(m map[string]any, k string, v *float64) {
	if v != nil {
		m[k] = *v
	}
}

func brokerRows(brokers []store.Broker) []map[string]any {
	rows := make([]map[string]any, len(brokers))
	for i, b := range brokers {
		m := map[string]any{"id": b.ID, "email": b.Email}
		putString(m, "name", b.Name)
		putString(m, "phone", b.Phone)
		putString(m, "gci_3_years_raw", b.GCI3YearsRaw)
		putFloat(m, "gci_3_years_clean", b.GCI3YearsClean)
		rows[i] = m
	}
	return rows
}

func associateRows(associates []store.Associate) []map[string]any {
	rows := make([]map[string]any, len(associates))
	for i, a := range associates {
		rows[i] = map[string]any{"id": a.ID, "name": a.Name}
	}
	return rows
}

func listingRows(listings []store.Listing) []map[string]any {
	rows := make([]map[string]any, len(listings))
	for i, l := range listings {
		m := map[string]any{
			"id":                l.ID,
			"address_raw":       l.AddressRaw,
			"address_canonical": l.AddressCanonical,
			"embedding":         toFloat64s(l.Embedding),
		}
		putString(m, "address_number", l.AddressNumber)
		putString(m, "address_street", l.AddressStreet)
		putString(m, "floor", l.Floor)
		putString(m, "suite", l.Suite)
		putString(m, "size_sf_raw", l.SizeSFRaw)
		putFloat(m, "size_sf_clean", l.SizeSFClean)
		putString(m, "rent_raw", l.RentRaw)
		putFloat(m, "rent_clean", l.RentClean)
		putString(m, "annual_rent_raw", l.AnnualRentRaw)
		putFloat(m, "annual_rent_clean", l.AnnualRentClean)
		putString(m, "rent_sf_year_raw", l.RentSFYearRaw)
		putFloat(m, "rent_sf_year_clean", l.RentSFYearClean)
		rows[i] = m
	}
	return rows
}
