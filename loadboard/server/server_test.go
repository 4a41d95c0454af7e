package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/matching"
	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/notify"
	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/repository"
	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/srvreg"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), repository.GormConfig())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	repo := repository.NewRepository(logger)
	require.NoError(t, repo.UseDB(db))

	svc := matching.NewService(repo, notify.NewLogNotifier(logger), nil, logger, time.Hour)
	registry := srvreg.NewServiceRegistry(svc, logger, "loadboard-test")
	registry.RegisterDefaultServices()

	ws := NewWebServer("0", registry, logger, "loadboard-test", []string{"https://board.example.com"})
	ts := httptest.NewServer(ws.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestLoadMatchingEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/load-matching", "application/json",
		strings.NewReader(`{"action":"submit_counter_offer","load_id":"LD-001","carrier_id":"CAR-003","offer_amount":"1750"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	body := decode(t, resp)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "submit_counter_offer", body["action"])

	data := body["data"].(map[string]interface{})
	assert.Equal(t, "pending", data["status"])
	assert.Equal(t, "CAR-003", data["carrier_id"])
}

func TestErrorEnvelope(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/load-matching", "application/json",
		strings.NewReader(`{"action":"submit_counter_offer","load_id":"LD-404","carrier_id":"CAR-001","offer_amount":"100"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	body := decode(t, resp)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "NOT_FOUND", body["code"])
	assert.NotEmpty(t, body["error"])
}

func TestTrailingSlashAndUnknownPath(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/loads/LD-001/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/shipments")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestRootPage(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))

	page, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(page), "loadboard-test")
	assert.Contains(t, string(page), "/load-matching")
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/load-matching", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://board.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "https://board.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://elsewhere.example.com")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
