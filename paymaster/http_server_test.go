package paymaster

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaslessbase/gasless-relay/core/chainio/aa"
	"github.com/gaslessbase/gasless-relay/core/config"
	"github.com/gaslessbase/gasless-relay/core/sponsorship"
	"github.com/gaslessbase/gasless-relay/metrics"
	"github.com/gaslessbase/gasless-relay/model"
	"github.com/gaslessbase/gasless-relay/pkg/logger"
	"github.com/gaslessbase/gasless-relay/storage"
)

func newTestPaymaster(t *testing.T) (*Paymaster, *ecdsa.PrivateKey) {
	t.Helper()

	adminKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	admin := crypto.PubkeyToAddress(adminKey.PublicKey)

	engine, err := sponsorship.NewEngine(admin, nil, &logger.NoOpLogger{})
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	p := &Paymaster{
		logger:   &logger.NoOpLogger{},
		config:   &config.Config{AdminAddress: admin},
		engine:   engine,
		registry: registry,
		metrics:  metrics.NewPaymasterMetrics(registry),
		status:   runningStatus,
	}
	return p, adminKey
}

func postJSON(t *testing.T, client *http.Client, url string, body string, header string) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if header != "" {
		req.Header.Set("Authorization", header)
	}

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func TestHttpServerUp(t *testing.T) {
	p, _ := newTestPaymaster(t)
	srv := httptest.NewServer(p.buildRoutes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/up")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	p.setStatus(initStatus)
	resp2, err := http.Get(srv.URL + "/up")
	require.NoError(t, err)
	defer resp2.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}

func TestHttpServerSponsorshipCheck(t *testing.T) {
	p, _ := newTestPaymaster(t)
	srv := httptest.NewServer(p.buildRoutes())
	defer srv.Close()

	user := "0x1111111111111111111111111111111111111111"
	target := "0x2222222222222222222222222222222222222222"

	t.Run("within quota", func(t *testing.T) {
		resp, raw := postJSON(t, srv.Client(), srv.URL+"/sponsorship/check",
			`{"user":"`+user+`","target":"`+target+`","value":"1000000000000000"}`, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out sponsorshipCheckResponse
		require.NoError(t, json.Unmarshal(raw, &out))
		assert.True(t, out.Allowed)
		assert.Empty(t, out.Reason)
	})

	t.Run("over the daily ceiling", func(t *testing.T) {
		resp, raw := postJSON(t, srv.Client(), srv.URL+"/sponsorship/check",
			`{"user":"`+user+`","target":"`+target+`","value":"1000000000000000000"}`, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out sponsorshipCheckResponse
		require.NoError(t, json.Unmarshal(raw, &out))
		assert.False(t, out.Allowed)
		assert.Equal(t, string(sponsorship.RuleDailyLimit), out.Reason)
	})

	t.Run("bad address", func(t *testing.T) {
		resp, _ := postJSON(t, srv.Client(), srv.URL+"/sponsorship/check",
			`{"user":"nope","target":"`+target+`","value":"1"}`, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("bad value", func(t *testing.T) {
		resp, _ := postJSON(t, srv.Client(), srv.URL+"/sponsorship/check",
			`{"user":"`+user+`","target":"`+target+`","value":"-4"}`, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestHttpServerAdminGate(t *testing.T) {
	p, adminKey := newTestPaymaster(t)
	srv := httptest.NewServer(p.buildRoutes())
	defer srv.Close()

	t.Run("no token", func(t *testing.T) {
		resp, _ := postJSON(t, srv.Client(), srv.URL+"/admin/pause", `{"enabled":true}`, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.False(t, p.engine.View().Paused)

		resp, _ = postJSON(t, srv.Client(), srv.URL+"/sponsorship/charge",
			`{"user":"0x1111111111111111111111111111111111111111","value":"1"}`, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("wrong key", func(t *testing.T) {
		strangerKey, err := crypto.GenerateKey()
		require.NoError(t, err)
		header, err := AdminAuthHeader(strangerKey, p.config.AdminAddress, time.Now())
		require.NoError(t, err)

		resp, _ := postJSON(t, srv.Client(), srv.URL+"/admin/pause", `{"enabled":true}`, header)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.False(t, p.engine.View().Paused)
	})

	t.Run("valid token", func(t *testing.T) {
		header, err := AdminAuthHeader(adminKey, p.config.AdminAddress, time.Now())
		require.NoError(t, err)

		resp, _ := postJSON(t, srv.Client(), srv.URL+"/admin/pause", `{"enabled":true}`, header)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, p.engine.View().Paused)
	})
}

func TestHttpServerAdminOperations(t *testing.T) {
	p, adminKey := newTestPaymaster(t)
	srv := httptest.NewServer(p.buildRoutes())
	defer srv.Close()

	header, err := AdminAuthHeader(adminKey, p.config.AdminAddress, time.Now())
	require.NoError(t, err)

	user := "0x1111111111111111111111111111111111111111"
	target := "0x2222222222222222222222222222222222222222"

	resp, _ := postJSON(t, srv.Client(), srv.URL+"/admin/limits",
		`{"daily":"5000000000000000000","perUser":"2000000000000000000"}`, header)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	view := p.engine.View()
	assert.Equal(t, "5000000000000000000", view.DailyLimit.String())
	assert.Equal(t, "2000000000000000000", view.PerUserLimit.String())
	// the monthly axis was not in the request and keeps its previous value
	assert.Equal(t, sponsorship.DefaultMonthlyLimit.String(), view.MonthlyLimit.String())

	resp, _ = postJSON(t, srv.Client(), srv.URL+"/admin/whitelist/contract",
		`{"address":"`+target+`","value":true}`, header)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = postJSON(t, srv.Client(), srv.URL+"/admin/whitelist/enabled", `{"enabled":true}`, header)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = postJSON(t, srv.Client(), srv.URL+"/admin/blacklist/user",
		`{"address":"`+user+`","value":true}`, header)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// blacklisted user is denied even against a whitelisted target
	resp, raw := postJSON(t, srv.Client(), srv.URL+"/sponsorship/check",
		`{"user":"`+user+`","target":"`+target+`","value":"1"}`, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out sponsorshipCheckResponse
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.False(t, out.Allowed)
	assert.Equal(t, string(sponsorship.RuleBlacklisted), out.Reason)

	resp, _ = postJSON(t, srv.Client(), srv.URL+"/sponsorship/charge",
		`{"user":"`+target+`","value":"1000000000000000"}`, header)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1000000000000000", p.engine.View().DailySpent.String())

	t.Run("audit log lists every mutation", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/admin/audit", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", header)

		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out HttpJsonResp[[]sponsorship.AuditEvent]
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		// engine has no storage attached, so the persisted log is empty;
		// the endpoint still answers with a well formed response
		assert.Empty(t, out.Data)
	})
}

func TestHttpServerSponsor(t *testing.T) {
	p, adminKey := newTestPaymaster(t)
	srv := httptest.NewServer(p.buildRoutes())
	defer srv.Close()

	user := "0x1111111111111111111111111111111111111111"
	target := "0x2222222222222222222222222222222222222222"
	body := `{"user":"` + user + `","target":"` + target + `","value":"1000000000000000"}`

	t.Run("requires admin", func(t *testing.T) {
		resp, _ := postJSON(t, srv.Client(), srv.URL+"/sponsorship/sponsor", body, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Zero(t, p.engine.View().DailySpent.Sign())
	})

	header, err := AdminAuthHeader(adminKey, p.config.AdminAddress, time.Now())
	require.NoError(t, err)

	t.Run("allowed sponsor charges in the same call", func(t *testing.T) {
		resp, raw := postJSON(t, srv.Client(), srv.URL+"/sponsorship/sponsor", body, header)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out sponsorshipCheckResponse
		require.NoError(t, json.Unmarshal(raw, &out))
		assert.True(t, out.Allowed)
		assert.Equal(t, "1000000000000000", p.engine.View().DailySpent.String())
	})

	t.Run("denied sponsor charges nothing", func(t *testing.T) {
		before := p.engine.View().DailySpent
		over := `{"user":"` + user + `","target":"` + target + `","value":"1000000000000000000"}`

		resp, raw := postJSON(t, srv.Client(), srv.URL+"/sponsorship/sponsor", over, header)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out sponsorshipCheckResponse
		require.NoError(t, json.Unmarshal(raw, &out))
		assert.False(t, out.Allowed)
		assert.Equal(t, string(sponsorship.RuleDailyLimit), out.Reason)
		assert.Equal(t, before, p.engine.View().DailySpent)
	})
}

func TestHttpServerQuotaView(t *testing.T) {
	p, _ := newTestPaymaster(t)
	srv := httptest.NewServer(p.buildRoutes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/quota")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out HttpJsonResp[sponsorship.QuotaView]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, sponsorship.DefaultDailyLimit.String(), out.Data.DailyLimit.String())
	assert.False(t, out.Data.Paused)
}

func TestHttpServerWallet(t *testing.T) {
	aa.SetFactoryAddress(common.HexToAddress("0x29adA1b5217242DEaBB142BC3b1bCfFdd56008e7"))

	p, _ := newTestPaymaster(t)

	db, err := storage.NewWithPath(t.TempDir())
	require.NoError(t, err)
	defer db.Close()
	p.db = db

	srv := httptest.NewServer(p.buildRoutes())
	defer srv.Close()

	owner := "0xe272b72E51a5bF8cB720fc6D6DF164a4D5D321C4"
	resp, err := http.Get(srv.URL + "/wallet/" + owner)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Data struct {
			Owner   string `json:"owner"`
			Address string `json:"address"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	// addresses marshal as lowercase hex in json
	assert.Equal(t, strings.ToLower(owner), out.Data.Owner)
	assert.True(t, strings.HasPrefix(out.Data.Address, "0x"))
	assert.NotEqual(t, common.Address{}.Hex(), out.Data.Address)

	t.Run("pairing is recorded in storage", func(t *testing.T) {
		raw, err := db.GetKey([]byte(walletKey(common.HexToAddress(owner))))
		require.NoError(t, err)

		stored := &model.SmartWallet{}
		require.NoError(t, stored.FromStorageData(raw))
		assert.Equal(t, strings.ToLower(out.Data.Address), strings.ToLower(stored.Address.Hex()))

		// a second lookup is served from the stored record
		resp, err := http.Get(srv.URL + "/wallet/" + owner)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("bad owner", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/wallet/garbage")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestHttpServerMetricsEndpoint(t *testing.T) {
	p, _ := newTestPaymaster(t)
	srv := httptest.NewServer(p.buildRoutes())
	defer srv.Close()

	// produce at least one decision so the counter family exists
	postJSON(t, srv.Client(), srv.URL+"/sponsorship/check",
		`{"user":"0x1111111111111111111111111111111111111111","target":"0x2222222222222222222222222222222222222222","value":"1"}`, "")

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "gasless_")
}
