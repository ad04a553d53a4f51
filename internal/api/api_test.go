package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"microdns/internal/config"
	"microdns/internal/model"
	"microdns/internal/store"
)

func testServer(t *testing.T, mutate func(*config.Config)) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "microdns.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.NewConfig()
	cfg.Instance.ID = "test-1"
	if mutate != nil {
		mutate(cfg)
	}
	return New(st, cfg, nil, nil), st
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestValidateRecordName(t *testing.T) {
	valid := []string{"@", "www", "*.foo", "a.b.c", "under_score", "with-dash", "www."}
	for _, name := range valid {
		require.NoError(t, ValidateRecordName(name), name)
	}
	invalid := []string{
		"",
		"..",
		"a.b .c",
		strings.Repeat("a", 254),
		strings.Repeat("b", 64),
		"bad;name",
		"*.",
	}
	for _, name := range invalid {
		require.Error(t, ValidateRecordName(name), name)
	}
}

func TestZoneAndRecordCRUD(t *testing.T) {
	srv, st := testServer(t, nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/zones", map[string]string{"name": "example.com"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var zone model.Zone
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &zone))
	require.Equal(t, "example.com", zone.Name)
	require.Equal(t, "ns1.example.com", zone.SOA.Mname)

	// duplicate name is rejected
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/zones", map[string]string{"name": "example.com"}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/zones/"+zone.ID+"/records", map[string]interface{}{
		"name": "@",
		"ttl":  60,
		"data": map[string]interface{}{"type": "A", "data": "10.0.0.1"},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var record model.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	require.Equal(t, uint32(60), record.TTL)
	require.True(t, record.Enabled)

	// serial advanced to at least today's date base
	got, err := st.GetZone(zone.ID)
	require.NoError(t, err)
	base := dateSerialBase()
	require.GreaterOrEqual(t, got.SOA.Serial, base+1)

	// list with record counts
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/zones", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summaries []struct {
		Name        string `json:"name"`
		RecordCount int    `json:"record_count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	require.Equal(t, 1, summaries[0].RecordCount)

	// PUT with field presence: only ttl changes
	rec = doJSON(t, srv, http.MethodPut,
		fmt.Sprintf("/api/v1/zones/%s/records/%s", zone.ID, record.ID),
		map[string]interface{}{"ttl": 120}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	updated, err := st.GetRecord(record.ID)
	require.NoError(t, err)
	require.Equal(t, uint32(120), updated.TTL)
	require.Equal(t, "@", updated.Name)
	require.Equal(t, model.TypeA, updated.Data.Type)

	rec = doJSON(t, srv, http.MethodDelete,
		fmt.Sprintf("/api/v1/zones/%s/records/%s", zone.ID, record.ID), nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, srv, http.MethodDelete, "/api/v1/zones/"+zone.ID, nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/zones/"+zone.ID, nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func dateSerialBase() uint32 {
	var base uint32
	fmt.Sscanf(time.Now().UTC().Format("20060102"), "%d", &base)
	return base * 100
}

func TestRecordNameValidationRejected(t *testing.T) {
	srv, _ := testServer(t, nil)
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/zones", map[string]string{"name": "example.com"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var zone model.Zone
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &zone))

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/zones/"+zone.ID+"/records", map[string]interface{}{
		"name": "bad;name",
		"data": map[string]interface{}{"type": "A", "data": "10.0.0.1"},
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	srv, _ := testServer(t, func(c *config.Config) { c.REST.APIKey = "secret" })

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/zones", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/zones", nil, map[string]string{"x-api-key": "wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/zones", nil, map[string]string{"x-api-key": "secret"})
	require.Equal(t, http.StatusOK, rec.Code)

	// exemptions
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, srv, http.MethodGet, "/dashboard", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPagination(t *testing.T) {
	srv, _ := testServer(t, nil)
	for i := 0; i < 5; i++ {
		rec := doJSON(t, srv, http.MethodPost, "/api/v1/zones",
			map[string]string{"name": fmt.Sprintf("zone%d.example", i)}, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec := doJSON(t, srv, http.MethodGet, "/api/v1/zones?offset=2&limit=2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page []json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page, 2)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/zones?offset=10", nil, nil)
	var empty []json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &empty))
	require.Empty(t, empty)
}

func TestIpamAllocateIdempotentPerContainer(t *testing.T) {
	srv, _ := testServer(t, func(c *config.Config) {
		c.Ipam.Pools = []config.IpamPool{{
			Name: "lan", Subnet: "10.1.0.0/24",
			RangeStart: "10.1.0.10", RangeEnd: "10.1.0.12",
			Gateway: "10.1.0.1", Bridge: "br0",
		}}
	})

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/ipam/allocate",
		map[string]string{"pool": "lan", "container": "ct1"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var a1 model.IpamAllocation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a1))
	require.Equal(t, "10.1.0.10", a1.IP)

	// same (pool, container) pair returns the existing allocation, 200
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/ipam/allocate",
		map[string]string{"pool": "lan", "container": "ct1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var a2 model.IpamAllocation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a2))
	require.Equal(t, a1.ID, a2.ID)

	// a second container gets the next lowest address
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/ipam/allocate",
		map[string]string{"pool": "lan", "container": "ct2"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var a3 model.IpamAllocation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a3))
	require.Equal(t, "10.1.0.11", a3.IP)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/ipam/allocations", nil, nil)
	var allocs []model.IpamAllocation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &allocs))
	require.Len(t, allocs, 2)
}

func TestClusterStatusSelf(t *testing.T) {
	srv, _ := testServer(t, nil)
	rec := doJSON(t, srv, http.MethodGet, "/api/v1/cluster/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Mode string `json:"mode"`
		Self struct {
			InstanceID string `json:"instance_id"`
		} `json:"self"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "standalone", body.Mode)
	require.Equal(t, "test-1", body.Self.InstanceID)
}
