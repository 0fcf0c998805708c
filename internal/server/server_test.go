package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/woozymasta/meridian/internal/batch"
	"github.com/woozymasta/meridian/internal/classify"
	"github.com/woozymasta/meridian/internal/config"
	"github.com/woozymasta/meridian/internal/models"
	"github.com/woozymasta/meridian/internal/snapshot"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeScheduler struct {
	view *snapshot.View
	live map[string]models.Server
	bans map[string]string
}

func (f *fakeScheduler) Snapshot() *snapshot.View { return f.view }

func (f *fakeScheduler) Live(ip string) (models.Server, bool) {
	s, ok := f.live[ip]
	return s, ok
}

func (f *fakeScheduler) RecordBan(_ context.Context, ip, reason string) error {
	if _, ok := f.live[ip]; !ok {
		return &batch.NotFoundError{Key: ip}
	}
	if f.bans == nil {
		f.bans = map[string]string{}
	}
	f.bans[ip] = reason
	return nil
}

type fakeData struct {
	stored   map[string]models.Server
	maps     []models.MapHours
	counts   []models.PlayerCount
	daily    []models.DailyMapHours
	first    int64
	summary  []models.MapSummary
	admin    []models.AdminServer
	hydrated int
	err      error
}

func (f *fakeData) Servers(_ context.Context, ips []string) ([]models.Server, map[string]error) {
	var out []models.Server
	errs := map[string]error{}
	for _, ip := range ips {
		if s, ok := f.stored[ip]; ok {
			out = append(out, s)
		} else {
			errs[ip] = &batch.NotFoundError{Key: ip}
		}
	}
	return out, errs
}

func (f *fakeData) MapHours(context.Context, string) ([]models.MapHours, error) {
	return f.maps, f.err
}

func (f *fakeData) PlayerCounts(context.Context, string) ([]models.PlayerCount, error) {
	return f.counts, f.err
}

func (f *fakeData) ServerMapHours(context.Context, string) ([]models.DailyMapHours, error) {
	return f.daily, f.err
}

func (f *fakeData) FirstRecorded(_ context.Context, ip string) (int64, error) {
	if f.first == 0 {
		return 0, &batch.NotFoundError{Key: ip}
	}
	return f.first, nil
}

func (f *fakeData) MapServers(_ context.Context, name string) ([]models.MapServer, error) {
	return nil, &batch.NotFoundError{Key: name}
}

func (f *fakeData) ListMaps(_ context.Context, fn func(models.MapSummary) error) error {
	if f.err != nil {
		return f.err
	}
	for _, m := range f.summary {
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeData) AdminView(context.Context) ([]models.AdminServer, error) {
	return f.admin, f.err
}

func (f *fakeData) Hydrate(_ context.Context, servers []*models.Server) {
	f.hydrated += len(servers)
	for _, s := range servers {
		s.GeoIP = &models.LongLat{3, 4}
	}
}

type fakeLocator map[string]models.Location

func (f fakeLocator) Location(host string) (models.Location, bool) {
	loc, ok := f[host]
	return loc, ok
}

var now = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

type fixture struct {
	server *Server
	sched  *fakeScheduler
	data   *fakeData
	clock  *quartz.Mock
}

func newFixture(t *testing.T, limit int) *fixture {
	t.Helper()

	classifier, err := classify.Default()
	require.NoError(t, err)

	f := &fixture{
		sched: &fakeScheduler{
			view: &snapshot.View{
				Version:     "v1",
				NextRefresh: now.Add(100 * time.Second),
				Categories: map[string][]models.Server{
					classify.Vanilla: {
						{Address: "1.1.1.1:27015", Players: 5, Region: models.RegionEurope},
						{Address: "2.2.2.2:27015", Players: 2, Bots: 2, Region: models.RegionEurope},
						{Address: "3.3.3.3:27015", Players: 9, Region: models.RegionAsia},
					},
				},
			},
			live: map[string]models.Server{
				"1.1.1.1:27015": {Address: "1.1.1.1:27015", Name: "live one", Map: "mge_training_v8_beta4b", Players: 5},
			},
		},
		data:  &fakeData{},
		clock: quartz.NewMock(t),
	}
	f.clock.Set(now)

	cfg := &config.Config{
		Server:    config.Server{AuthToken: "secret", LocalIP: "172.67.151.50"},
		RateLimit: config.RateLimit{HardLimitCount: limit, HardLimitWin: time.Minute},
	}
	geo := fakeLocator{"172.67.151.50": {IP: "172.67.151.50", Long: -79.4, Lat: 43.6}}
	f.server = New(f.sched, f.data, geo, classifier, prometheus.NewRegistry(), f.clock, cfg)

	return f
}

func (f *fixture) do(t *testing.T, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func addrs(servers []models.Server) []string {
	out := make([]string, 0, len(servers))
	for _, s := range servers {
		out = append(out, s.Address)
	}
	return out
}

func TestCacheHeaders(t *testing.T) {
	f := newFixture(t, 0)

	rec := f.do(t, http.MethodGet, "/api/servers.json", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `w/"v1"`, rec.Header().Get("ETag"))
	assert.Equal(t, "public, max-age=145", rec.Header().Get("Cache-Control"))

	rec = f.do(t, http.MethodGet, "/api/servers.json", "", http.Header{"If-None-Match": {`w/"old", w/"v1"`}})
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/servers.json", "", http.Header{"If-None-Match": {`w/"old"`}})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCacheMaxAgeFloor(t *testing.T) {
	f := newFixture(t, 0)

	f.sched.view.NextRefresh = time.Time{}
	rec := f.do(t, http.MethodGet, "/api/servers/all", "", nil)
	assert.Equal(t, "public, max-age=9", rec.Header().Get("Cache-Control"))

	f.sched.view.NextRefresh = now.Add(-time.Hour)
	rec = f.do(t, http.MethodGet, "/api/servers/all", "", nil)
	assert.Equal(t, "public, max-age=9", rec.Header().Get("Cache-Control"))
}

func TestServerListFilters(t *testing.T) {
	f := newFixture(t, 0)

	list := decode[[]models.Server](t, f.do(t, http.MethodGet, "/api/servers.json", "", nil))
	assert.Equal(t, []string{"1.1.1.1:27015", "3.3.3.3:27015"}, addrs(list))

	list = decode[[]models.Server](t, f.do(t, http.MethodGet, "/api/servers.json?hasUsersPlaying=0", "", nil))
	assert.Len(t, list, 3)

	list = decode[[]models.Server](t, f.do(t, http.MethodGet, "/api/servers.json?hasUsersPlaying=0&region=4", "", nil))
	assert.Equal(t, []string{"3.3.3.3:27015"}, addrs(list))

	rec := f.do(t, http.MethodGet, "/api/servers.json?category=dm", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/servers.json?region=europe", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServersOverlayLiveState(t *testing.T) {
	f := newFixture(t, 0)
	f.data.stored = map[string]models.Server{
		"1.1.1.1:27015": {Address: "1.1.1.1:27015", Name: "stored one"},
		"9.9.9.9:27015": {Address: "9.9.9.9:27015", Name: "stored nine", Players: 4},
	}

	rec := f.do(t, http.MethodGet, "/api/servers?ip=1.1.1.1:27015,9.9.9.9:27015,8.8.8.8:27015", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	list := decode[[]models.Server](t, rec)
	require.Len(t, list, 2)
	assert.Equal(t, "live one", list[0].Name)
	assert.Equal(t, 5, list[0].Players)
	assert.Equal(t, "stored nine", list[1].Name)
	assert.Zero(t, list[1].Players)

	rec = f.do(t, http.MethodGet, "/api/servers?ip=", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerDetailsKeepMapOrder(t *testing.T) {
	f := newFixture(t, 0)
	f.data.maps = []models.MapHours{{Map: "pl_upward", Hours: 5.5}, {Map: "cp_badlands", Hours: 2}}
	f.data.counts = []models.PlayerCount{{Timestamp: 1800, PlayerCount: 12}}

	rec := f.do(t, http.MethodGet, "/api/server-details/1.1.1.1:27015", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t,
		`{"name":"live one","maps":{"pl_upward":5.5,"cp_badlands":2},"playerCounts":[{"timestamp":1800,"player_count":12}]}`,
		strings.TrimSpace(rec.Body.String()))

	f.data.err = errors.New("database is closed")
	rec = f.do(t, http.MethodGet, "/api/server-details/1.1.1.1:27015", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServerHistory(t *testing.T) {
	f := newFixture(t, 0)

	rec := f.do(t, http.MethodGet, "/api/server-details-p2/5.5.5.5:27015", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"serverMapHours":[]}`, rec.Body.String())

	f.data.daily = []models.DailyMapHours{{Map: "pl_upward", Date: "2025-03-13", Hours: 1.5}}
	f.data.first = 1741824000
	rec = f.do(t, http.MethodGet, "/api/server-details-p2/1.1.1.1:27015", "", nil)
	assert.JSONEq(t,
		`{"serverMapHours":[{"map":"pl_upward","date":"2025-03-13","hours":1.5}],"firstRecorded":1741824000}`,
		rec.Body.String())
}

func TestMapsAreJSONLines(t *testing.T) {
	f := newFixture(t, 0)
	f.data.summary = []models.MapSummary{
		{Map: "pl_upward", Hours: 10, Servers: 2},
		{Map: "cp_badlands", Hours: 4, Servers: 1},
	}

	rec := f.do(t, http.MethodGet, "/api/maps", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/jsonl", rec.Header().Get("Content-Type"))
	assert.Equal(t, "public, max-age=7200", rec.Header().Get("Cache-Control"))

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"map":"pl_upward","hours":10,"servers":2}`, lines[0])

	rec = f.do(t, http.MethodGet, "/api/maps/details/unknown_map", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))
	assert.JSONEq(t, `{"map":"unknown_map","mapServers":[]}`, rec.Body.String())
}

func TestLocation(t *testing.T) {
	f := newFixture(t, 0)

	req := httptest.NewRequest(http.MethodGet, "/api/location", nil)
	req.RemoteAddr = "127.0.0.1:51234"
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "max-age=86400, private", rec.Header().Get("Cache-Control"))
	assert.JSONEq(t, `{"success":true,"long":-79.4,"lat":43.6}`, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/api/location", nil)
	req.RemoteAddr = "10.0.0.1:51234"
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())
}

func TestBanRequiresToken(t *testing.T) {
	f := newFixture(t, 0)
	body := `{"ip":"1.1.1.1:27015","reason":"dm"}`

	rec := f.do(t, http.MethodPost, "/api/ban", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/ban", body, http.Header{"Authorization": {"Bearer wrong"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, f.sched.bans)

	auth := http.Header{"Authorization": {"Bearer secret"}}
	rec = f.do(t, http.MethodPost, "/api/ban", body, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())
	assert.Equal(t, map[string]string{"1.1.1.1:27015": "dm"}, f.sched.bans)

	rec = f.do(t, http.MethodPost, "/api/ban", `{"ip":"8.8.8.8:27015","reason":"dm"}`, auth)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/ban", `{"ip":"1.1.1.1:27015"}`, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminView(t *testing.T) {
	f := newFixture(t, 0)
	f.data.admin = []models.AdminServer{
		{ServerRecord: models.ServerRecord{IP: "1.1.1.1:27015", Name: "stored", LastOnline: now}, Hours: 12.5},
		{ServerRecord: models.ServerRecord{IP: "7.7.7.7:27015", Name: "offline", Map: "pl_upward", LastOnline: now}, Hours: 1},
	}

	rec := f.do(t, http.MethodGet, "/api/servers.json/admin-view", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/servers.json/admin-view", "", http.Header{"Authorization": {"Bearer secret"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "private, max-age=600", rec.Header().Get("Cache-Control"))
	assert.Equal(t, 2, f.data.hydrated)

	rows := decode[[]adminServer](t, rec)
	require.Len(t, rows, 2)
	assert.Equal(t, "live one", rows[0].Name)
	assert.Equal(t, 12.5, rows[0].Hours)
	assert.Equal(t, "pl_upward", rows[1].Map)
	assert.Equal(t, now.Unix(), rows[1].LastOnline)
	assert.Equal(t, &models.LongLat{3, 4}, rows[1].GeoIP)
}

func TestReasonSuggestion(t *testing.T) {
	f := newFixture(t, 0)
	auth := http.Header{"Authorization": {"Bearer secret"}}

	rec := f.do(t, http.MethodGet, "/api/reason?ip=1.1.1.1:27015", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ip":"1.1.1.1:27015","reason":"dm"}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/reason?ip=8.8.8.8:27015", "", auth)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, 2)
	handler := f.server.Handler()

	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/api/version", nil)
		req.RemoteAddr = "10.0.0.1:4000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	f.server.dropIdleClients(time.Now().Add(time.Hour), 10*time.Minute)
	assert.Empty(t, f.server.clients)
}

func TestGetRealIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:4000"
	req.Header.Set("X-Forwarded-For", "5.5.5.5, 10.0.0.2")

	assert.Equal(t, "10.0.0.1", GetRealIP(req, false))
	assert.Equal(t, "5.5.5.5", GetRealIP(req, true))

	req.Header.Set("CF-Connecting-IP", "6.6.6.6")
	assert.Equal(t, "6.6.6.6", GetRealIP(req, true))
}

func TestWorkersStop(t *testing.T) {
	f := newFixture(t, 0)
	f.server.StartWorkers()
	f.server.StopWorkers()
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, 0)
	rec := f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
