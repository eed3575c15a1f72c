package waf

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/oschwald/maxminddb-golang/v2"

	"github.com/wudi/edgegate/internal/config"
)

// countryLookup resolves an address to an ISO 3166-1 alpha-2 country code.
type countryLookup interface {
	Country(addr netip.Addr) (string, error)
	Close() error
}

type mmdbLookup struct {
	db *maxminddb.Reader
}

// mmdbRecord maps the country part of a GeoIP2/GeoLite2 record.
type mmdbRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

func openMMDB(path string) (*mmdbLookup, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mmdb: %w", err)
	}
	return &mmdbLookup{db: db}, nil
}

func (l *mmdbLookup) Country(addr netip.Addr) (string, error) {
	var record mmdbRecord
	if err := l.db.Lookup(addr).Decode(&record); err != nil {
		return "", fmt.Errorf("mmdb lookup failed: %w", err)
	}
	return record.Country.ISOCode, nil
}

func (l *mmdbLookup) Close() error {
	return l.db.Close()
}

// geoMatch fires when the client's country is in the configured set.
type geoMatch struct {
	countries map[string]struct{}
	lookup    countryLookup
}

func newGeoMatch(cfg config.GeoMatchConfig) (*geoMatch, error) {
	if len(cfg.CountryCodes) == 0 {
		return nil, fmt.Errorf("geo_match: at least one country code is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("geo_match: database is required")
	}
	lookup, err := openMMDB(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("geo_match: %w", err)
	}
	return newGeoMatchWithLookup(cfg.CountryCodes, lookup), nil
}

func newGeoMatchWithLookup(codes []string, lookup countryLookup) *geoMatch {
	g := &geoMatch{countries: make(map[string]struct{}, len(codes)), lookup: lookup}
	for _, c := range codes {
		g.countries[strings.ToUpper(strings.TrimSpace(c))] = struct{}{}
	}
	return g
}

func (g *geoMatch) Match(req *Request) bool {
	if !req.ClientIP.IsValid() {
		return false
	}
	code, err := g.lookup.Country(req.ClientIP)
	if err != nil || code == "" {
		return false
	}
	_, ok := g.countries[strings.ToUpper(code)]
	return ok
}

func (g *geoMatch) Close() error {
	return g.lookup.Close()
}
