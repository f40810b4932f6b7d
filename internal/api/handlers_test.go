package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/store"
)

type fakeEngine struct{}

func (fakeEngine) Status() map[string]interface{} {
	return map[string]interface{}{"job_id": "job-1", "running": true}
}

func (fakeEngine) Positions() []map[string]interface{} {
	return []map[string]interface{}{{"symbol": "BTCUSDT", "size": "0.5"}}
}

func newTestServer(t *testing.T) (*Server, *store.Memory, *events.Ring) {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}

	ring := events.NewRing(16)
	mem := store.NewMemory()

	srv := NewServer(Config{
		Host:           "127.0.0.1",
		AllowedOrigins: []string{"http://localhost:5173"},
		JWTSecret:      "test-secret",
		TokenTTL:       time.Hour,
		Username:       "ops",
		PasswordHash:   string(hash),
	}, Deps{
		Engine: fakeEngine{},
		Events: ring,
		Store:  mem,
		Logger: zerolog.Nop(),
	})
	return srv, mem, ring
}

func doRequest(t *testing.T, s *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func login(t *testing.T, s *Server) string {
	t.Helper()
	w := doRequest(t, s, http.MethodPost, "/api/v1/login", "", map[string]string{
		"username": "ops",
		"password": "hunter2",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if resp.Token == "" {
		t.Fatalf("login returned empty token")
	}
	return resp.Token
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := doRequest(t, srv, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", w.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["store"] != "ok" {
		t.Errorf("store = %v, want ok", body["store"])
	}
}

func TestLogin(t *testing.T) {
	srv, _, _ := newTestServer(t)

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"valid", map[string]string{"username": "ops", "password": "hunter2"}, http.StatusOK},
		{"wrong password", map[string]string{"username": "ops", "password": "nope"}, http.StatusUnauthorized},
		{"wrong user", map[string]string{"username": "root", "password": "hunter2"}, http.StatusUnauthorized},
		{"missing fields", map[string]string{"username": "ops"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, srv, http.MethodPost, "/api/v1/login", "", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	srv, _, _ := newTestServer(t)

	paths := []string{
		"/api/v1/status",
		"/api/v1/positions",
		"/api/v1/events/recent",
		"/api/v1/trades/recent",
	}
	for _, path := range paths {
		t.Run(path, func(t *testing.T) {
			if w := doRequest(t, srv, http.MethodGet, path, "", nil); w.Code != http.StatusUnauthorized {
				t.Errorf("no token: status = %d, want 401", w.Code)
			}
			if w := doRequest(t, srv, http.MethodGet, path, "garbage", nil); w.Code != http.StatusUnauthorized {
				t.Errorf("bad token: status = %d, want 401", w.Code)
			}
		})
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.tokens.ttl = -time.Minute

	token := func() string {
		signed, _, err := srv.tokens.issue("ops")
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		return signed
	}()

	if w := doRequest(t, srv, http.MethodGet, "/api/v1/status", token, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("expired token: status = %d, want 401", w.Code)
	}
}

func TestStatusAndPositions(t *testing.T) {
	srv, _, _ := newTestServer(t)
	token := login(t, srv)

	w := doRequest(t, srv, http.MethodGet, "/api/v1/status", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var status map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &status)
	if status["job_id"] != "job-1" {
		t.Errorf("job_id = %v, want job-1", status["job_id"])
	}

	w = doRequest(t, srv, http.MethodGet, "/api/v1/positions", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("positions status = %d", w.Code)
	}
	var positions struct {
		Positions []map[string]interface{} `json:"positions"`
	}
	json.Unmarshal(w.Body.Bytes(), &positions)
	if len(positions.Positions) != 1 || positions.Positions[0]["symbol"] != "BTCUSDT" {
		t.Errorf("positions = %+v, want one BTCUSDT row", positions.Positions)
	}
}

func TestRecentEventsHonorsLimit(t *testing.T) {
	srv, _, ring := newTestServer(t)
	token := login(t, srv)

	for i := 0; i < 10; i++ {
		ring.Handle(events.Event{Name: events.JobStarted, Message: "ev"})
	}

	w := doRequest(t, srv, http.MethodGet, "/api/v1/events/recent?limit=4", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Events []events.Event `json:"events"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Events) != 4 {
		t.Errorf("events = %d, want 4", len(resp.Events))
	}
}

func TestRecentTradesFiltersBySymbol(t *testing.T) {
	srv, mem, _ := newTestServer(t)
	token := login(t, srv)

	ctx := context.Background()
	mem.RecordTrade(ctx, &store.TradeRecord{Symbol: "BTCUSDT", Side: "BUY", Quantity: decimal.NewFromInt(1)})
	mem.RecordTrade(ctx, &store.TradeRecord{Symbol: "ETHUSDT", Side: "SELL", Quantity: decimal.NewFromInt(2)})

	w := doRequest(t, srv, http.MethodGet, "/api/v1/trades/recent?symbol=ethusdt", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Trades []*store.TradeRecord `json:"trades"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Trades) != 1 || resp.Trades[0].Symbol != "ETHUSDT" {
		t.Errorf("trades = %+v, want one ETHUSDT row", resp.Trades)
	}
}
