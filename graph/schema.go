package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/brunobiangulo/hybridqa/store"
)

// Query dialects a schema can be rendered for.
const (
	DialectSQL    = "sql"
	DialectCypher = "cypher"
)

// Property describes one node property / column.
type Property struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// NodeKind describes one node label.
type NodeKind struct {
	Label       string     `json:"label"`
	Table       string     `json:"table,omitempty"`
	Key         string     `json:"key"`
	Description string     `json:"description"`
	Properties  []Property `json:"properties"`
}

// RelKind describes one relationship type.
type RelKind struct {
	Type        string `json:"type"`
	From        string `json:"from"`
	To          string `json:"to"`
	Directed    bool   `json:"directed"`
	Table       string `json:"table,omitempty"`
	FromColumn  string `json:"from_column,omitempty"`
	ToColumn    string `json:"to_column,omitempty"`
	Description string `json:"description"`
}

// Schema is the immutable description of the graph handed to the query
// generator. It is produced once at build time and persisted next to the
// data; nothing introspects the store at query time.
type Schema struct {
	Dialect       string     `json:"dialect"`
	Version       string     `json:"version"`
	Nodes         []NodeKind `json:"nodes"`
	Relationships []RelKind  `json:"relationships"`
	Notes         []string   `json:"notes"`
}

// SchemaSource loads persisted schema artifacts.
type SchemaSource interface {
	LoadSchema(ctx context.Context, dialect string) (*store.SchemaArtifact, error)
}

func listingProperties(text, num string) []Property {
	return []Property{
		{"id", text, "stable listing id"},
		{"address_raw", text, "address as supplied"},
		{"address_canonical", text, "whitespace-normalised address; the text that was embedded"},
		{"address_number", text, "house number, NULL when absent"},
		{"address_street", text, "street part of the address"},
		{"floor", text, ""},
		{"suite", text, ""},
		{"size_sf_raw", text, "size in square feet as supplied"},
		{"size_sf_clean", num, "numeric size in square feet, NULL when unparseable"},
		{"rent_raw", text, "monthly rent as supplied"},
		{"rent_clean", num, "numeric monthly rent, NULL when unparseable"},
		{"annual_rent_raw", text, "annual rent as supplied"},
		{"annual_rent_clean", num, "numeric annual rent, NULL when unparseable"},
		{"rent_sf_year_raw", text, "rent per square foot per year as supplied"},
		{"rent_sf_year_clean", num, "numeric rent per square foot per year, NULL when unparseable"},
	}
}

// NewSchema returns the schema for dialect with its content-derived version.
func NewSchema(dialect string) (Schema, error) {
	text, num := "TEXT", "REAL"
	switch dialect {
	case DialectSQL:
	case DialectCypher:
		text, num = "STRING", "FLOAT"
	default:
		return Schema{}, fmt.Errorf("graph: unknown dialect %q", dialect)
	}

	s := Schema{
		Dialect: dialect,
		Nodes: []NodeKind{
			{
				Label: LabelBroker, Table: "brokers", Key: "id",
				Description: "a broker, identified by lowercased e-mail",
				Properties: []Property{
					{"id", text, "lowercased e-mail"},
					{"email", text, ""},
					{"name", text, ""},
					{"phone", text, ""},
					{"gci_3_years_raw", text, "gross commission income over three years as supplied"},
					{"gci_3_years_clean", num, "numeric gross commission income, NULL when unparseable"},
				},
			},
			{
				Label: LabelListing, Table: "listings", Key: "id",
				Description: "a leasable space at a street address",
				Properties:  listingProperties(text, num),
			},
			{
				Label: LabelAssociate, Table: "associates", Key: "id",
				Description: "an associate working with brokers",
				Properties: []Property{
					{"id", text, "associate: followed by the lowercased name"},
					{"name", text, ""},
				},
			},
		},
		Relationships: []RelKind{
			{Type: RelManages, From: LabelBroker, To: LabelListing, Directed: true,
				Table: "manages", FromColumn: "broker_id", ToColumn: "listing_id",
				Description: "the broker manages the listing"},
			{Type: RelWorksWith, From: LabelBroker, To: LabelAssociate, Directed: true,
				Table: "works_with", FromColumn: "broker_id", ToColumn: "associate_id",
				Description: "the broker works with the associate"},
			{Type: RelCoLocated, From: LabelListing, To: LabelListing, Directed: false,
				Table: "co_located", FromColumn: "listing_a", ToColumn: "listing_b",
				Description: "both listings share a canonical address"},
		},
	}

	switch dialect {
	case DialectSQL:
		s.Notes = []string{
			"Use the *_clean columns for arithmetic, ordering and comparisons; *_raw columns are display text.",
			"co_located stores each pair once with listing_a < listing_b, so match both columns.",
			"Compare addresses with address_canonical, never with free text from the question.",
		}
	case DialectCypher:
		for i := range s.Nodes {
			s.Nodes[i].Table = ""
		}
		for i := range s.Relationships {
			s.Relationships[i].Table, s.Relationships[i].FromColumn, s.Relationships[i].ToColumn = "", "", ""
		}
		s.Notes = []string{
			"Use the *_clean properties for arithmetic, ordering and comparisons; *_raw properties are display text.",
			"CO_LOCATED is stored once per pair; match it without direction: (a:Listing)-[:CO_LOCATED]-(b:Listing).",
			"Compare addresses with address_canonical, never with free text from the question.",
			"Never return the embedding property.",
		}
	}

	body, err := json.Marshal(struct {
		Nodes         []NodeKind `json:"nodes"`
		Relationships []RelKind  `json:"relationships"`
		Notes         []string   `json:"notes"`
	}{s.Nodes, s.Relationships, s.Notes})
	if err != nil {
		return Schema{}, err
	}
	sum := sha256.Sum256(body)
	s.Version = dialect + "-" + hex.EncodeToString(sum[:])[:12]
	return s, nil
}

// Artifact serialises the schema for persistence.
func (s Schema) Artifact() (store.SchemaArtifact, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return store.SchemaArtifact{}, fmt.Errorf("encoding schema: %w", err)
	}
	return store.SchemaArtifact{Dialect: s.Dialect, Version: s.Version, Body: string(body)}, nil
}

// ParseSchema decodes a persisted artifact.
func ParseSchema(a store.SchemaArtifact) (Schema, error) {
	var s Schema
	if err := json.Unmarshal([]byte(a.Body), &s); err != nil {
		return Schema{}, fmt.Errorf("decoding schema artifact %s: %w", a.Version, err)
	}
	if s.Version != a.Version || s.Dialect != a.Dialect {
		return Schema{}, fmt.Errorf("schema artifact header %s/%s does not match body %s/%s",
			a.Dialect, a.Version, s.Dialect, s.Version)
	}
	return s, nil
}

// LoadSchema reads and decodes the artifact for dialect from src.
func LoadSchema(ctx context.Context, src SchemaSource, dialect string) (Schema, error) {
	a, err := src.LoadSchema(ctx, dialect)
	if err != nil {
		return Schema{}, err
	}
	return ParseSchema(*a)
}

// Describe renders the schema as prompt text for its dialect.
func (s Schema) Describe() string {
	var sb strings.Builder
	switch s.Dialect {
	case DialectCypher:
		sb.WriteString("Graph database queried with read-only Cypher.\n\nNode labels:\n")
		for _, n := range s.Nodes {
			fmt.Fprintf(&sb, "(:%s {", n.Label)
			for i, p := range n.Properties {
				if i > 0 {
					sb.WriteString(", ")
				}
				fmt.Fprintf(&sb, "%s: %s", p.Name, p.Type)
			}
			fmt.Fprintf(&sb, "})  // %s; key %s\n", n.Description, n.Key)
		}
		sb.WriteString("\nRelationships:\n")
		for _, r := range s.Relationships {
			arrow := "->"
			if !r.Directed {
				arrow = "-"
			}
			fmt.Fprintf(&sb, "(:%s)-[:%s]%s(:%s)  // %s\n", r.From, r.Type, arrow, r.To, r.Description)
		}
	default:
		sb.WriteString("SQLite database queried with a single read-only SELECT.\n\nNode tables:\n")
		for _, n := range s.Nodes {
			fmt.Fprintf(&sb, "%s(", n.Table)
			for i, p := range n.Properties {
				if i > 0 {
					sb.WriteString(", ")
				}
				fmt.Fprintf(&sb, "%s %s", p.Name, p.Type)
			}
			fmt.Fprintf(&sb, ")  -- %s nodes: %s; key %s\n", n.Label, n.Description, n.Key)
		}
		sb.WriteString("\nRelationship tables:\n")
		for _, r := range s.Relationships {
			fmt.Fprintf(&sb, "%s(%s -> %s.id, %s -> %s.id)  -- %s %s %s: %s\n",
				r.Table, r.FromColumn, tableFor(s, r.From), r.ToColumn, tableFor(s, r.To),
				r.From, r.Type, r.To, r.Description)
		}
	}

	descs := false
	for _, n := range s.Nodes {
		for _, p := range n.Properties {
			if p.Description == "" {
				continue
			}
			if !descs {
				sb.WriteString("\nProperties:\n")
				descs = true
			}
			fmt.Fprintf(&sb, "- %s.%s: %s\n", n.Label, p.Name, p.Description)
		}
	}

	if len(s.Notes) > 0 {
		sb.WriteString("\nNotes:\n")
		for _, n := range s.Notes {
			fmt.Fprintf(&sb, "- %s\n", n)
		}
	}
	return sb.String()
}

// Summary is a one-paragraph description used by the router.
func (s Schema) Summary() string {
	labels := make([]string, len(s.Nodes))
	for i, n := range s.Nodes {
		labels[i] = n.Label
	}
	rels := make([]string, len(s.Relationships))
	for i, r := range s.Relationships {
		rels[i] = fmt.Sprintf("%s-%s->%s", r.From, r.Type, r.To)
	}
	return fmt.Sprintf("Nodes: %s. Relationships: %s. Listings carry street addresses, floor, suite, size and rent figures; brokers carry e-mail and commission income.",
		strings.Join(labels, ", "), strings.Join(rels, ", "))
}

func tableFor(s Schema, label string) string {
	for _, n := range s.Nodes {
		if n.Label == label {
			return n.Table
		}
	}
	return strings.ToLower(label)
}
