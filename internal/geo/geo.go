package geo

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"

	"github.com/radiusdt/vector-attribution/internal/metrics"
)

// Payload keys read and written by the enricher.
const (
	PayloadIP      = "ip"
	PayloadCountry = "geo_country"
)

// Provider resolves an IP to an ISO country code.
type Provider interface {
	CountryCode(ip net.IP) (string, error)
	Close() error
}

// MaxMindProvider implements Provider using a MaxMind GeoLite2 database.
type MaxMindProvider struct {
	reader *maxminddb.Reader
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// NewMaxMindProvider opens a GeoLite2 Country or City database.
func NewMaxMindProvider(dbPath string) (*MaxMindProvider, error) {
	reader, err := maxminddb.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database: %w", err)
	}
	return &MaxMindProvider{reader: reader}, nil
}

func (m *MaxMindProvider) CountryCode(ip net.IP) (string, error) {
	var record countryRecord
	if err := m.reader.Lookup(ip, &record); err != nil {
		return "", err
	}
	return record.Country.ISOCode, nil
}

// Close closes the GeoIP database.
func (m *MaxMindProvider) Close() error {
	if m.reader != nil {
		return m.reader.Close()
	}
	return nil
}

// Enricher adds the resolved country to event payloads that carry an IP.
type Enricher struct {
	provider Provider
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	cache   map[string]cacheEntry
	maxSize int
	ttl     time.Duration
}

type cacheEntry struct {
	country   string
	expiresAt time.Time
}

// NewEnricher creates an enricher with a bounded lookup cache.
func NewEnricher(provider Provider, cacheSize int, cacheTTL time.Duration, m *metrics.Metrics) *Enricher {
	return &Enricher{
		provider: provider,
		metrics:  m,
		cache:    make(map[string]cacheEntry),
		maxSize:  cacheSize,
		ttl:      cacheTTL,
	}
}

// Enrich returns payload with geo_country set when an ip is present and resolvable.
// The input map is not modified. An existing geo_country is kept.
func (e *Enricher) Enrich(payload map[string]string) map[string]string {
	raw, ok := payload[PayloadIP]
	if !ok || raw == "" {
		return payload
	}
	if _, set := payload[PayloadCountry]; set {
		return payload
	}

	country := e.lookup(raw)
	if country == "" {
		return payload
	}

	out := make(map[string]string, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out[PayloadCountry] = country
	return out
}

func (e *Enricher) lookup(raw string) string {
	now := time.Now()

	e.mu.RLock()
	entry, ok := e.cache[raw]
	e.mu.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.country
	}

	ip := net.ParseIP(raw)
	if ip == nil {
		return ""
	}

	start := time.Now()
	country, err := e.provider.CountryCode(ip)
	e.metrics.RecordGeoLookup(time.Since(start))
	if err != nil {
		return ""
	}

	e.mu.Lock()
	if len(e.cache) >= e.maxSize {
		// Simple eviction: clear on overflow.
		e.cache = make(map[string]cacheEntry)
	}
	e.cache[raw] = cacheEntry{country: country, expiresAt: now.Add(e.ttl)}
	e.mu.Unlock()

	return country
}

// Close releases the provider.
func (e *Enricher) Close() error {
	return e.provider.Close()
}
