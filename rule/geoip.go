package rule

import (
	"fmt"
	"strings"
	"sync"

	"github.com/oschwald/maxminddb-golang"
)

var (
	readerMu    sync.Mutex
	readerCache = map[string]*maxminddb.Reader{}
)

// openShared opens (or reuses) the mmdb reader at path, so that multiple
// GeoIp rules pointed at the same database file don't each mmap their own
// copy.
func openShared(path string) (*maxminddb.Reader, error) {
	readerMu.Lock()
	defer readerMu.Unlock()
	if r, ok := readerCache[path]; ok {
		return r, nil
	}
	r, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("rule: open geoip db %q: %w", path, err)
	}
	readerCache[path] = r
	return r, nil
}

type geoRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// GeoIPMatcher matches the destination IP's MaxMind country record against
// a fixed ISO-3166-1 alpha-2 code. A lookup miss (private/unroutable range,
// no record) never matches.
type GeoIPMatcher struct {
	reader  *maxminddb.Reader
	country string
}

func NewGeoIPMatcher(dbPath, country string) (*GeoIPMatcher, error) {
	r, err := openShared(dbPath)
	if err != nil {
		return nil, err
	}
	return &GeoIPMatcher{reader: r, country: strings.ToUpper(country)}, nil
}

func (m *GeoIPMatcher) Match(mc MatchContext) bool {
	ip, ok := mc.destIP()
	if !ok {
		return false
	}
	var rec geoRecord
	if err := m.reader.Lookup(ip.AsSlice(), &rec); err != nil {
		return false
	}
	return rec.Country.ISOCode != "" && strings.EqualFold(rec.Country.ISOCode, m.country)
}
