package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/friendapp/rtc/internal/billing"
	"github.com/friendapp/rtc/internal/config"
	"github.com/friendapp/rtc/internal/core"
	"github.com/friendapp/rtc/internal/directory"
	"github.com/friendapp/rtc/internal/match"
	"github.com/friendapp/rtc/internal/observability"
)

func TestHealthAndReadyEndpoints(t *testing.T) {
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_health_%d", time.Now().UnixNano()))
	srv := New(config.Config{}, nil, metrics)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for path, want := range map[string]string{
		"/healthz": "ok",
		"/readyz":  "ready",
	} {
		res, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		if res.StatusCode != http.StatusOK {
			res.Body.Close()
			t.Fatalf("GET %s status = %d, want %d", path, res.StatusCode, http.StatusOK)
		}
		var body map[string]string
		if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
			t.Fatalf("decode %s response: %v", path, err)
		}
		res.Body.Close()
		if body["status"] != want {
			t.Fatalf("GET %s status field = %q, want %q", path, body["status"], want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ns := fmt.Sprintf("test_httpapi_metrics_%d", time.Now().UnixNano())
	metrics := observability.NewMetrics(ns)
	srv := New(config.Config{}, nil, metrics)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("reading /metrics body: %v", err)
	}
	if !strings.Contains(string(body), ns+"_online_users") {
		t.Fatalf("GET /metrics body missing %s_online_users", ns)
	}
}

func TestWSWithoutEngineRefused(t *testing.T) {
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_noeng_%d", time.Now().UnixNano()))
	srv := New(config.Config{}, nil, metrics)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/v1/rtc/ws")
	if err != nil {
		t.Fatalf("GET /v1/rtc/ws error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotImplemented {
		t.Fatalf("GET /v1/rtc/ws status = %d, want %d", res.StatusCode, http.StatusNotImplemented)
	}
}

func TestWSAuthFlow(t *testing.T) {
	store := directory.NewInMemoryStore()
	cred := store.AddUser("mira", directory.Profile{
		Name:     "Mira",
		Gender:   "female",
		Language: "hindi",
	}, 0)

	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_ws_%d", time.Now().UnixNano()))
	ledger := billing.NewLedger(store, billing.Policy{})
	engine := core.New(store, ledger, metrics, 30*time.Second, match.Policy{})
	srv := New(config.Config{}, engine, metrics)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/rtc/ws"
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial error = %v", err)
	}
	if res != nil {
		res.Body.Close()
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "auth", "credential": cred}); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	authOK := readUntilType(t, conn, "auth_ok")
	if authOK["identity"] != "mira" {
		t.Fatalf("auth_ok identity = %v, want mira", authOK["identity"])
	}

	// A frame the server cannot parse earns a call_error and keeps the
	// connection alive.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"find_match","mode":"telepathy"}`)); err != nil {
		t.Fatalf("write invalid frame: %v", err)
	}
	bad := readUntilType(t, conn, "call_error")
	if bad["code"] != "invalid_client_message" {
		t.Fatalf("call_error code = %v", bad["code"])
	}

	if err := conn.WriteJSON(map[string]string{"type": "presence_get"}); err != nil {
		t.Fatalf("write presence_get: %v", err)
	}
	snap := readUntilType(t, conn, "presence")
	users, _ := snap["users"].([]any)
	if len(users) != 1 {
		t.Fatalf("presence users = %d, want 1", len(users))
	}
}

// readUntilType drains frames until one with the wanted type arrives.
func readUntilType(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("reading frame while waiting for %q: %v", want, err)
		}
		if msg["type"] == want {
			return msg
		}
	}
	t.Fatalf("no %q frame before deadline", want)
	return nil
}
