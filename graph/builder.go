package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/brunobiangulo/hybridqa/parser"
	"github.com/brunobiangulo/hybridqa/store"
)

// ErrDanglingEdge is returned when a relationship references a node that
// is not part of the graph.
var ErrDanglingEdge = errors.New("graph: relationship endpoint missing")

// defaultConcurrency is the default semaphore size for parallel embedding batches.
const defaultConcurrency = 4

// defaultBatchSize is the number of addresses sent per embedding call.
const defaultBatchSize = 96

// perBatchTimeout caps how long a single embedding batch can take.
const perBatchTimeout = 90 * time.Second

// Embedder produces one vector per input text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Writer persists a built graph and its schema artifact.
type Writer interface {
	// WriteGraph persists g and its schema artifact atomically.
	WriteGraph(ctx context.Context, g *store.Graph, a store.SchemaArtifact) error
	Dialect() string
}

// Report summarises a completed build.
type Report struct {
	Brokers       int           `json:"brokers"`
	Associates    int           `json:"associates"`
	Listings      int           `json:"listings"`
	Edges         int           `json:"edges"`
	Skipped       int           `json:"skipped"`
	SchemaVersion string        `json:"schema_version"`
	Elapsed       time.Duration `json:"elapsed"`
}

// Builder turns tabular listing records into the broker/listing/associate graph.
type Builder struct {
	writer      Writer
	embed       Embedder
	concurrency int
	batchSize   int
}

// NewBuilder creates a new graph builder.
func NewBuilder(w Writer, embed Embedder, concurrency int) *Builder {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Builder{
		writer:      w,
		embed:       embed,
		concurrency: concurrency,
		batchSize:   defaultBatchSize,
	}
}

// Build derives the graph from records, embeds every canonical address,
// validates relationship endpoints and writes the result together with the
// schema artifact for the writer's dialect.
func (b *Builder) Build(ctx context.Context, records []parser.Record) (*Report, error) {
	start := time.Now()

	g, skipped, err := Derive(records)
	if err != nil {
		return nil, err
	}
	if len(g.Listings) == 0 {
		return nil, fmt.Errorf("graph.Build: no listings with an address among %d records", len(records))
	}

	if err := b.embedListings(ctx, g); err != nil {
		return nil, err
	}

	if err := Validate(g); err != nil {
		return nil, err
	}

	schema, err := NewSchema(b.writer.Dialect())
	if err != nil {
		return nil, err
	}
	artifact, err := schema.Artifact()
	if err != nil {
		return nil, err
	}

	if err := b.writer.WriteGraph(ctx, g, artifact); err != nil {
		return nil, fmt.Errorf("graph.Build: writing graph: %w", err)
	}

	rep := &Report{
		Brokers:       len(g.Brokers),
		Associates:    len(g.Associates),
		Listings:      len(g.Listings),
		Edges:         len(g.Edges),
		Skipped:       skipped,
		SchemaVersion: schema.Version,
		Elapsed:       time.Since(start).Round(time.Millisecond),
	}
	slog.Info("graph: build complete",
		"listings", rep.Listings, "brokers", rep.Brokers, "associates", rep.Associates,
		"edges", rep.Edges, "skipped", rep.Skipped, "schema_version", rep.SchemaVersion,
		"elapsed", rep.Elapsed)
	return rep, nil
}

// Derive builds nodes and relationships from records without embeddings.
// Records with no address are skipped and counted.
func Derive(records []parser.Record) (*store.Graph, int, error) {
	g := &store.Graph{}
	brokers := make(map[string]int)
	associates := make(map[string]bool)
	listings := make(map[string]bool)
	edges := make(map[store.Edge]bool)
	byAddress := make(map[string][]string)
	skipped := 0

	addEdge := func(e store.Edge) {
		if !edges[e] {
			edges[e] = true
			g.Edges = append(g.Edges, e)
		}
	}

	for i, rec := range records {
		raw := rec.Get(colAddress...)
		canonical := CanonicalAddress(raw)
		if canonical == "" {
			slog.Warn("graph: skipping record without address", "row", i+1)
			skipped++
			continue
		}

		id := rec.Get(colUniqueID...)
		if id == "" {
			id = fmt.Sprintf("listing-%05d", i+1)
		}
		if listings[id] {
			return nil, 0, fmt.Errorf("graph: duplicate listing id %q at row %d", id, i+1)
		}
		listings[id] = true

		number, street := SplitAddress(canonical)
		l := store.Listing{
			ID:               id,
			AddressRaw:       raw,
			AddressCanonical: canonical,
			AddressNumber:    number,
			AddressStreet:    street,
			Floor:            rec.Get(colFloor...),
			Suite:            rec.Get(colSuite...),
			SizeSFRaw:        rec.Get(colSize...),
			RentRaw:          rec.Get(colMonthlyRent...),
			AnnualRentRaw:    rec.Get(colAnnualRent...),
			RentSFYearRaw:    rec.Get(colRentSFYear...),
		}
		l.SizeSFClean = CleanNumber(l.SizeSFRaw)
		l.RentClean = CleanNumber(l.RentRaw)
		l.AnnualRentClean = CleanNumber(l.AnnualRentRaw)
		l.RentSFYearClean = CleanNumber(l.RentSFYearRaw)
		g.Listings = append(g.Listings, l)

		key := strings.ToLower(canonical)
		byAddress[key] = append(byAddress[key], id)

		email := rec.Get(colBrokerEmail...)
		if email == "" {
			continue
		}
		brokerID := BrokerID(email)
		if _, ok := brokers[brokerID]; !ok {
			gciRaw := rec.Get(colGCI...)
			brokers[brokerID] = len(g.Brokers)
			g.Brokers = append(g.Brokers, store.Broker{
				ID:             brokerID,
				Email:          email,
				Name:           rec.Get(colBrokerName...),
				Phone:          rec.Get(colBrokerPhone...),
				GCI3YearsRaw:   gciRaw,
				GCI3YearsClean: CleanNumber(gciRaw),
			})
		}
		addEdge(store.Edge{Kind: RelManages, From: brokerID, To: id})

		for _, col := range associateColumns(rec) {
			name := strings.Join(strings.Fields(rec[col]), " ")
			if name == "" {
				continue
			}
			aid := AssociateID(name)
			if !associates[aid] {
				associates[aid] = true
				g.Associates = append(g.Associates, store.Associate{ID: aid, Name: name})
			}
			addEdge(store.Edge{Kind: RelWorksWith, From: brokerID, To: aid})
		}
	}

	keys := make([]string, 0, len(byAddress))
	for k := range byAddress {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ids := byAddress[k]
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				a, c := ids[i], ids[j]
				if a > c {
					a, c = c, a
				}
				addEdge(store.Edge{Kind: RelCoLocated, From: a, To: c})
			}
		}
	}

	return g, skipped, nil
}

func associateColumns(rec parser.Record) []string {
	var cols []string
	for k := range rec {
		if associateColumn.MatchString(k) {
			cols = append(cols, k)
		}
	}
	sort.Slice(cols, func(i, j int) bool {
		if len(cols[i]) != len(cols[j]) {
			return len(cols[i]) < len(cols[j])
		}
		return cols[i] < cols[j]
	})
	return cols
}

// Validate checks that every relationship joins nodes of the right kinds.
func Validate(g *store.Graph) error {
	brokers := make(map[string]bool, len(g.Brokers))
	for _, n := range g.Brokers {
		brokers[n.ID] = true
	}
	listings := make(map[string]bool, len(g.Listings))
	for _, n := range g.Listings {
		listings[n.ID] = true
	}
	associates := make(map[string]bool, len(g.Associates))
	for _, n := range g.Associates {
		associates[n.ID] = true
	}

	for _, e := range g.Edges {
		var fromOK, toOK bool
		switch e.Kind {
		case RelManages:
			fromOK, toOK = brokers[e.From], listings[e.To]
		case RelWorksWith:
			fromOK, toOK = brokers[e.From], associates[e.To]
		case RelCoLocated:
			fromOK, toOK = listings[e.From], listings[e.To]
		default:
			return fmt.Errorf("graph: unknown relationship kind %q", e.Kind)
		}
		if !fromOK || !toOK {
			return fmt.Errorf("%w: %s %s->%s", ErrDanglingEdge, e.Kind, e.From, e.To)
		}
	}
	return nil
}

// embedListings computes one embedding per distinct canonical address and
// assigns it to every listing at that address. Batches run concurrently.
func (b *Builder) embedListings(ctx context.Context, g *store.Graph) error {
	index := make(map[string][]int)
	var texts []string
	for i, l := range g.Listings {
		if _, ok := index[l.AddressCanonical]; !ok {
			texts = append(texts, l.AddressCanonical)
		}
		index[l.AddressCanonical] = append(index[l.AddressCanonical], i)
	}

	slog.Info("graph: embedding addresses", "listings", len(g.Listings),
		"distinct", len(texts), "batch_size", b.batchSize, "concurrency", b.concurrency)

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		sem     = make(chan struct{}, b.concurrency)
		vectors = make([][]float32, len(texts))
		errs    []error
	)

	for start := 0; start < len(texts); start += b.batchSize {
		end := min(start+b.batchSize, len(texts))
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				mu.Lock()
				errs = append(errs, ctx.Err())
				mu.Unlock()
				return
			}

			batchCtx, cancel := context.WithTimeout(ctx, perBatchTimeout)
			defer cancel()

			vecs, err := b.embed.Embed(batchCtx, texts[start:end])
			if err == nil && len(vecs) != end-start {
				err = fmt.Errorf("embedder returned %d vectors for %d addresses", len(vecs), end-start)
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("batch %d-%d: %w", start, end, err))
				mu.Unlock()
				return
			}
			copy(vectors[start:end], vecs)
		}(start, end)
	}
	wg.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("graph.Build: embedding failed in %d batches: %w", len(errs), errors.Join(errs...))
	}

	for i, text := range texts {
		for _, li := range index[text] {
			g.Listings[li].Embedding = vectors[i]
		}
	}
	return nil
}
