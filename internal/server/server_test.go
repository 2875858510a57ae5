package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	cachemem "github.com/alanyoungcy/binaryoptions/internal/cache/memory"
	"github.com/alanyoungcy/binaryoptions/internal/crypto"
	"github.com/alanyoungcy/binaryoptions/internal/domain"
	"github.com/alanyoungcy/binaryoptions/internal/oracle"
	"github.com/alanyoungcy/binaryoptions/internal/server/middleware"
	"github.com/alanyoungcy/binaryoptions/internal/service"
	"github.com/alanyoungcy/binaryoptions/internal/store/memory"
)

type serviceClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *serviceClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *serviceClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixedSource struct {
	clock *serviceClock
	price atomic.Int64
}

func (s *fixedSource) Latest(_ context.Context, feedID string) (domain.PriceObservation, error) {
	return domain.PriceObservation{FeedID: feedID, Price: s.price.Load(), PublishTime: s.clock.Now()}, nil
}

type testAPI struct {
	t      *testing.T
	srv    *httptest.Server
	clock  *serviceClock
	admin  *crypto.Signer
	alice  *crypto.Signer
	bob    *crypto.Signer
	source *fixedSource
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := &serviceClock{t: time.Now()}
	src := &fixedSource{clock: clk}
	res, err := oracle.NewResolver(src, oracle.DefaultFeeds(), oracle.WithClock(clk.Now))
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	admin, _ := crypto.GenerateSigner()
	alice, _ := crypto.GenerateSigner()
	bob, _ := crypto.GenerateSigner()

	svc, err := service.NewMarketService(
		service.MarketConfig{Admin: admin.Identity(), Namespace: "custody", Rate: 100_000},
		service.MarketDeps{
			Ledger: memory.NewLedger(),
			Oracle: res,
			Audit:  memory.NewAuditStore(),
			Logger: logger,
			Now:    clk.Now,
		},
	)
	if err != nil {
		t.Fatalf("NewMarketService: %v", err)
	}

	h := NewHandler(Config{MaxSkew: time.Minute}, Deps{
		Markets: svc,
		Replay:  cachemem.NewLockManager(),
	}, logger)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testAPI{t: t, srv: srv, clock: clk, admin: admin, alice: alice, bob: bob, source: src}
}

func (a *testAPI) post(s *crypto.Signer, path string, body any) (int, map[string]any) {
	a.t.Helper()
	raw, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, a.srv.URL+path, bytes.NewReader(raw))
	if s != nil {
		ts := time.Now().Unix()
		sig, err := s.SignCommand(http.MethodPost, path, ts, raw)
		if err != nil {
			a.t.Fatalf("SignCommand: %v", err)
		}
		req.Header.Set(middleware.HeaderSignature, sig)
		req.Header.Set(middleware.HeaderTimestamp, strconv.FormatInt(ts, 10))
	}
	return a.do(req)
}

func (a *testAPI) get(path string) (int, map[string]any) {
	a.t.Helper()
	req, _ := http.NewRequest(http.MethodGet, a.srv.URL+path, nil)
	return a.do(req)
}

func (a *testAPI) do(req *http.Request) (int, map[string]any) {
	a.t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		a.t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (a *testAPI) bootstrap(funds uint64) string {
	a.t.Helper()
	if code, body := a.post(a.admin, "/api/treasury/initialize", struct{}{}); code != http.StatusCreated {
		a.t.Fatalf("initialize: %d %v", code, body)
	}
	for _, s := range []*crypto.Signer{a.alice} {
		code, body := a.post(a.admin, "/api/collateral/credit", map[string]any{"owner": s.Identity().String(), "amount": funds})
		if code != http.StatusOK {
			a.t.Fatalf("credit: %d %v", code, body)
		}
	}
	code, body := a.post(a.alice, "/api/markets", map[string]any{
		"strike": 50_000,
		"expiry": a.clock.Now().Add(time.Hour).Unix(),
		"asset":  "BTC",
	})
	if code != http.StatusCreated {
		a.t.Fatalf("create market: %d %v", code, body)
	}
	return body["id"].(string)
}

func TestMarketLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	id := api.bootstrap(1_000_000)

	code, body := api.post(api.alice, "/api/markets/"+id+"/lock", map[string]any{"amount": 3})
	if code != http.StatusOK {
		t.Fatalf("lock: %d %v", code, body)
	}

	code, body = api.get("/api/markets/" + id)
	if code != http.StatusOK {
		t.Fatalf("get market: %d %v", code, body)
	}
	custody := body["custody"].(map[string]any)
	if custody["balance"].(float64) != 300_000 || custody["outstanding_pairs"].(float64) != 3 {
		t.Fatalf("custody=%v", custody)
	}

	// Resolving before expiry is a state conflict.
	if code, body = api.post(api.alice, "/api/markets/"+id+"/resolve", struct{}{}); code != http.StatusConflict || body["code"] != "market_not_expired" {
		t.Fatalf("early resolve: %d %v", code, body)
	}

	api.clock.Advance(2 * time.Hour)
	api.source.price.Store(60_000)
	code, body = api.post(api.bob, "/api/markets/"+id+"/resolve", struct{}{})
	if code != http.StatusOK {
		t.Fatalf("resolve: %d %v", code, body)
	}
	if outcome := body["market"].(map[string]any)["outcome"]; outcome != "yes" {
		t.Fatalf("outcome=%v, want yes", outcome)
	}

	mid, _ := domain.ParseIdentity(id)
	yesAcct := crypto.DeriveClaimAccountID(api.alice.Identity(), crypto.DeriveMintID(domain.ClaimYes, mid))
	code, body = api.post(api.alice, "/api/markets/"+id+"/redeem", map[string]any{
		"claim_account": yesAcct.String(),
		"amount":        3,
	})
	if code != http.StatusOK || body["payout"].(float64) != 300_000 {
		t.Fatalf("redeem: %d %v", code, body)
	}

	code, body = api.get("/api/accounts/" + api.alice.Identity().String())
	if code != http.StatusOK || body["collateral"].(float64) != 1_000_000 {
		t.Fatalf("account: %d %v", code, body)
	}

	code, body = api.get("/api/markets/" + id + "/record")
	if code != http.StatusOK || body["size"].(float64) != domain.MarketRecordSize {
		t.Fatalf("record: %d %v", code, body)
	}
}

func TestCommandErrors(t *testing.T) {
	api := newTestAPI(t)
	id := api.bootstrap(100_000)

	tests := []struct {
		name   string
		signer *crypto.Signer
		path   string
		body   any
		status int
		code   string
	}{
		{"unsigned", nil, "/api/markets/" + id + "/lock", map[string]any{"amount": 1}, http.StatusUnauthorized, "invalid_signature"},
		{"non-admin treasury", api.alice, "/api/treasury/initialize", struct{}{}, http.StatusForbidden, "unauthorized"},
		{"treasury twice", api.admin, "/api/treasury/initialize", struct{}{}, http.StatusConflict, "already_exists"},
		{"non-admin credit", api.alice, "/api/collateral/credit", map[string]any{"owner": api.alice.Identity().String(), "amount": 5}, http.StatusForbidden, "unauthorized"},
		{"insufficient funds", api.bob, "/api/markets/" + id + "/lock", map[string]any{"amount": 1}, http.StatusUnprocessableEntity, "insufficient_funds"},
		{"zero amount", api.alice, "/api/markets/" + id + "/lock", map[string]any{"amount": 0}, http.StatusBadRequest, "validation"},
		{"unknown market", api.alice, "/api/markets/0x" + fmt.Sprintf("%064x", 7) + "/lock", map[string]any{"amount": 1}, http.StatusNotFound, "not_found"},
		{"bad asset", api.alice, "/api/markets", map[string]any{"strike": 1, "expiry": api.clock.Now().Add(time.Hour).Unix(), "asset": "DOGE"}, http.StatusBadRequest, "invalid_asset"},
		{"unknown field", api.alice, "/api/markets/" + id + "/lock", map[string]any{"amount": 1, "extra": true}, http.StatusBadRequest, "validation"},
		{"redeem open market", api.alice, "/api/markets/" + id + "/redeem", map[string]any{"claim_account": id, "amount": 1}, http.StatusConflict, "market_not_resolved"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := api.post(tt.signer, tt.path, tt.body)
			if code != tt.status || body["code"] != tt.code {
				t.Fatalf("got %d %v, want %d %s", code, body, tt.status, tt.code)
			}
		})
	}
}

func TestListMarketsFilters(t *testing.T) {
	api := newTestAPI(t)
	id := api.bootstrap(1)

	code, body := api.get("/api/markets?state=open&asset=BTC")
	if code != http.StatusOK {
		t.Fatalf("list: %d %v", code, body)
	}
	markets := body["markets"].([]any)
	if len(markets) != 1 || markets[0].(map[string]any)["id"] != id {
		t.Fatalf("markets=%v", markets)
	}

	code, body = api.get("/api/markets?state=resolved")
	if code != http.StatusOK || len(body["markets"].([]any)) != 0 {
		t.Fatalf("resolved list: %d %v", code, body)
	}

	if code, _ = api.get("/api/markets?state=closed"); code != http.StatusBadRequest {
		t.Fatalf("bad state: %d", code)
	}
}
