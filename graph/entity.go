package graph

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/brunobiangulo/hybridqa/store"
)

// Node labels used in the schema artifact and in Cypher.
const (
	LabelBroker    = "Broker"
	LabelListing   = "Listing"
	LabelAssociate = "Associate"
)

// Relationship kinds, re-exported for callers that only import graph.
const (
	RelManages   = store.RelManages
	RelWorksWith = store.RelWorksWith
	RelCoLocated = store.RelCoLocated
)

// Column aliases accepted from sanitized record headers, most specific first.
var (
	colUniqueID    = []string{"unique_id", "listing_id", "id"}
	colAddress     = []string{"property_address", "address"}
	colFloor       = []string{"floor"}
	colSuite       = []string{"suite"}
	colSize        = []string{"size_sf", "size"}
	colRentSFYear  = []string{"rent_sf_year", "rent_per_sf_year"}
	colAnnualRent  = []string{"annual_rent"}
	colMonthlyRent = []string{"monthly_rent", "rent"}
	colBrokerEmail = []string{"broker_email_id", "broker_email", "email"}
	colBrokerName  = []string{"broker_name", "broker"}
	colBrokerPhone = []string{"broker_phone", "phone"}
	colGCI         = []string{"gci_on_3_years", "gci_3_years", "gci"}
)

// associateColumn matches associate_1, associate_2, ...
var associateColumn = regexp.MustCompile(`^associate_\d+$`)

// CleanNumber parses a raw numeric field after stripping currency symbols,
// thousands separators and surrounding whitespace. Anything that does not
// parse to a finite number yields nil.
func CleanNumber(raw string) *float64 {
	s := strings.NewReplacer("$", "", ",", "").Replace(raw)
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// CanonicalAddress trims the raw address and collapses internal whitespace.
// It is the only text ever embedded for a listing.
func CanonicalAddress(raw string) string {
	return strings.Join(strings.Fields(raw), " ")
}

var houseNumberRe = regexp.MustCompile(`^(\d+[A-Za-z]?(?:-\d+[A-Za-z]?)?)\s+(.+)$`)

// SplitAddress splits a canonical address into house number and street.
// Both are empty when the address does not start with a number.
func SplitAddress(canonical string) (number, street string) {
	m := houseNumberRe.FindStringSubmatch(canonical)
	if m == nil {
		return "", ""
	}
	return m[1], m[2]
}

// BrokerID derives the stable broker id from an e-mail address.
func BrokerID(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// AssociateID derives the stable associate id from a display name.
func AssociateID(name string) string {
	return "associate:" + strings.ToLower(strings.Join(strings.Fields(name), " "))
}
