package geo

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/oschwald/geoip2-golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDB struct {
	records map[string]*geoip2.City
	closed  bool
}

func (f *fakeDB) City(ip net.IP) (*geoip2.City, error) {
	if r, ok := f.records[ip.String()]; ok {
		return r, nil
	}
	return &geoip2.City{}, nil
}

func (f *fakeDB) Close() error {
	f.closed = true
	return nil
}

func dallas() *geoip2.City {
	c := &geoip2.City{}
	c.Country.IsoCode = "US"
	c.Country.Names = map[string]string{"en": "United States"}
	c.City.Names = map[string]string{"en": "Dallas"}
	c.Location.TimeZone = "America/Chicago"
	c.Location.Latitude = 32.78
	c.Location.Longitude = -96.8
	c.Location.AccuracyRadius = 20
	return c
}

func TestResolver_Locate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("203.0.113.9\n"))
	}))
	defer srv.Close()

	db := &fakeDB{records: map[string]*geoip2.City{"203.0.113.9": dallas()}}
	r := newResolver(db, srv.URL, srv.Client())

	loc, err := r.Locate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9", loc.IP)
	assert.Equal(t, "US", loc.CountryCode)
	assert.Equal(t, "Dallas", loc.City)
	assert.Equal(t, "America/Chicago", loc.Timezone)
	assert.InDelta(t, 32.78, loc.Latitude, 0.001)

	require.NoError(t, r.Close())
	assert.True(t, db.closed)
}

func TestResolver_LookupNoData(t *testing.T) {
	r := newResolver(&fakeDB{}, "", nil)
	_, err := r.Lookup(net.ParseIP("198.51.100.1"))
	assert.Error(t, err)
}

func TestResolver_EgressIPErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) }},
		{"not an ip", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("<html>")) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			r := newResolver(&fakeDB{}, srv.URL, srv.Client())
			_, err := r.EgressIP(context.Background())
			assert.Error(t, err)
		})
	}
}

func TestResolver_EgressIPHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := newResolver(&fakeDB{}, srv.URL, srv.Client())
	_, err := r.EgressIP(ctx)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestOpen_MissingDatabase(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.mmdb"), "http://127.0.0.1/", nil)
	assert.Error(t, err)
}
