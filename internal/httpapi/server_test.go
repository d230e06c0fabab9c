package httpapi_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/idforge/idforge/internal/account"
	"github.com/idforge/idforge/internal/deviceauth"
	"github.com/idforge/idforge/internal/httpapi"
	"github.com/idforge/idforge/internal/runsup"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *account.Store) {
	t.Helper()
	dataDir := t.TempDir()
	store, err := account.Open(dataDir)
	require.NoError(t, err)
	identity := deviceauth.NewIdentity(dataDir)
	supervisor := runsup.NewSupervisor(store)
	poller := deviceauth.NewPoller(store, identity, "https://example.com/start", "us-east-1")

	srv := httptest.NewServer(httpapi.New(supervisor, poller, store, identity, "test").Handler())
	t.Cleanup(srv.Close)
	return srv, store
}

func getJSON(t *testing.T, url string, out any) (int, http.Header) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out), "body: %s", raw)
	return resp.StatusCode, resp.Header
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	var body map[string]any
	code, header := getJSON(t, srv.URL+"/status", &body)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "*", header.Get("Access-Control-Allow-Origin"))
	require.Equal(t, "application/json", header.Get("Content-Type"))
	require.Equal(t, "running", body["status"])
	require.Equal(t, "test", body["version"])
}

func TestAuthURLEmpty(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	var body map[string]any
	code, _ := getJSON(t, srv.URL+"/get_device_auth_url", &body)
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "url")
	require.Nil(t, body["url"])
}

func TestPollWithoutPending(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	var body map[string]any
	code, _ := getJSON(t, srv.URL+"/poll_device_auth", &body)
	require.Equal(t, http.StatusInternalServerError, code)
	require.Equal(t, "error", body["status"])
	require.Equal(t, "no pending authorization", body["error"])
}

func TestProgressEndpoint(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	var snap runsup.Snapshot
	code, _ := getJSON(t, srv.URL+"/progress", &snap)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, runsup.StatusIdle, snap.Status)
}

func TestReloadAccounts(t *testing.T) {
	t.Parallel()
	srv, store := newTestServer(t)

	cred := account.Credential{AccessToken: "at", RefreshToken: "rt"}
	_, err := store.Upsert("a@b.com", "BuilderId", "a@b.com", cred, nil)
	require.NoError(t, err)

	var body map[string]any
	code, _ := getJSON(t, srv.URL+"/reload_accounts", &body)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["success"])
	require.EqualValues(t, 1, body["count"])
}

func TestResetDeviceIdentity(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	var first map[string]any
	code, _ := getJSON(t, srv.URL+"/reset_device_identity", &first)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, first["success"])
	require.Len(t, first["deviceId"], 64)

	var second map[string]any
	_, _ = getJSON(t, srv.URL+"/reset_device_identity", &second)
	require.NotEqual(t, first["deviceId"], second["deviceId"])
}

func TestNotFound(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	var body struct {
		Error     string   `json:"error"`
		Endpoints []string `json:"endpoints"`
	}
	code, _ := getJSON(t, srv.URL+"/nope", &body)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "Not Found", body.Error)
	require.Contains(t, body.Endpoints, "/start_device_auth")
	require.Contains(t, body.Endpoints, "/poll_device_auth")
	require.Contains(t, body.Endpoints, "/status")
}

func TestStartAndPollDeviceAuth(t *testing.T) {
	t.Parallel()

	oidc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/client/register":
			_ = json.NewEncoder(w).Encode(map[string]string{"clientId": "cid", "clientSecret": "cs"})
		case "/device_authorization":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"deviceCode":      "dev-1",
				"userCode":        "WXYZ-1234",
				"verificationUri": "https://device.example.com",
				"expiresIn":       600,
				"interval":        5,
			})
		case "/token":
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "authorization_pending"})
		}
	}))
	defer oidc.Close()

	dataDir := t.TempDir()
	store, err := account.Open(dataDir)
	require.NoError(t, err)
	identity := deviceauth.NewIdentity(dataDir)
	poller := deviceauth.NewPoller(store, identity, "https://example.com/start", "us-east-1").
		WithClient(deviceauth.NewClientWithBase(oidc.URL))
	supervisor := runsup.NewSupervisor(store)

	srv := httptest.NewServer(httpapi.New(supervisor, poller, store, identity, "test").Handler())
	t.Cleanup(srv.Close)
	// stop the background loop spawned by /start_device_auth
	t.Cleanup(poller.Clear)

	var started map[string]any
	code, _ := getJSON(t, srv.URL+"/start_device_auth", &started)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, started["success"])
	require.Equal(t, "https://device.example.com", started["url"])
	require.Equal(t, "dev-1", started["device_code"])

	var url map[string]any
	_, _ = getJSON(t, srv.URL+"/get_device_auth_url", &url)
	require.Equal(t, "https://device.example.com", url["url"])

	var polled map[string]any
	code, _ = getJSON(t, srv.URL+"/poll_device_auth", &polled)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "pending", polled["status"])
}
