// Package geo resolves the tunnel's egress address to a location, so the
// browser's timezone and geolocation agree with the VPN exit.
package geo

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/oschwald/geoip2-golang"
)

const echoTimeout = 10 * time.Second

// Location is the resolved position of an IP address.
type Location struct {
	IP             string
	CountryCode    string
	Country        string
	City           string
	Timezone       string
	Latitude       float64
	Longitude      float64
	AccuracyRadius uint16
}

// cityReader is the part of *geoip2.Reader used here.
type cityReader interface {
	City(ip net.IP) (*geoip2.City, error)
	Close() error
}

// Resolver looks up the egress IP in a MaxMind City database.
type Resolver struct {
	db      cityReader
	echoURL string
	client  *http.Client
}

// Open loads the City database at dbPath. echoURL must return the caller's
// public IP as plain text. A nil client uses one with a 10s timeout.
func Open(dbPath, echoURL string, client *http.Client) (*Resolver, error) {
	db, err := geoip2.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open geoip database %s: %w", dbPath, err)
	}
	return newResolver(db, echoURL, client), nil
}

func newResolver(db cityReader, echoURL string, client *http.Client) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: echoTimeout}
	}
	return &Resolver{db: db, echoURL: echoURL, client: client}
}

// Close releases the database.
func (r *Resolver) Close() error {
	return r.db.Close()
}

// Lookup resolves ip.
func (r *Resolver) Lookup(ip net.IP) (*Location, error) {
	record, err := r.db.City(ip)
	if err != nil {
		return nil, fmt.Errorf("geoip lookup %s: %w", ip, err)
	}
	if record.Location.TimeZone == "" && record.Country.IsoCode == "" {
		return nil, fmt.Errorf("geoip lookup %s: no data", ip)
	}
	return &Location{
		IP:             ip.String(),
		CountryCode:    record.Country.IsoCode,
		Country:        record.Country.Names["en"],
		City:           record.City.Names["en"],
		Timezone:       record.Location.TimeZone,
		Latitude:       record.Location.Latitude,
		Longitude:      record.Location.Longitude,
		AccuracyRadius: record.Location.AccuracyRadius,
	}, nil
}

// EgressIP asks the echo endpoint for the public address traffic leaves from.
func (r *Resolver) EgressIP(ctx context.Context) (net.IP, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.echoURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("egress ip: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("egress ip: %s returned %d", r.echoURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return nil, fmt.Errorf("egress ip: %w", err)
	}
	ip := net.ParseIP(strings.TrimSpace(string(body)))
	if ip == nil {
		return nil, fmt.Errorf("egress ip: unparseable response %q", strings.TrimSpace(string(body)))
	}
	return ip, nil
}

// Locate resolves the current egress address.
func (r *Resolver) Locate(ctx context.Context) (*Location, error) {
	ip, err := r.EgressIP(ctx)
	if err != nil {
		return nil, err
	}
	return r.Lookup(ip)
}
