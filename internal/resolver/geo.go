package resolver

import (
	"fmt"
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// GeoLocator resolves locations from a MaxMind GeoLite2/GeoIP2 City database.
type GeoLocator struct {
	reader *geoip2.Reader
}

// OpenGeoLocator opens the .mmdb file at path.
func OpenGeoLocator(path string) (*GeoLocator, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database: %w", err)
	}
	return &GeoLocator{reader: reader}, nil
}

func (g *GeoLocator) Locate(ip string) (string, error) {
	addr := net.ParseIP(ip)
	if addr == nil {
		return "", fmt.Errorf("invalid ip address: %q", ip)
	}
	record, err := g.reader.City(addr)
	if err != nil {
		return "", err
	}
	return formatLocation(record.City.Names["en"], record.Country.Names["en"], record.Country.IsoCode), nil
}

func (g *GeoLocator) Close() error {
	if g == nil || g.reader == nil {
		return nil
	}
	return g.reader.Close()
}

func formatLocation(city, country, iso string) string {
	if country == "" {
		country = iso
	}
	parts := make([]string, 0, 2)
	for _, p := range []string{city, country} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}
