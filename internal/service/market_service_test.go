package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/binaryoptions/internal/crypto"
	"github.com/alanyoungcy/binaryoptions/internal/domain"
	"github.com/alanyoungcy/binaryoptions/internal/oracle"
	"github.com/alanyoungcy/binaryoptions/internal/store/memory"
)

const rate = 100_000

var (
	admin = domain.Identity{0xad}
	alice = domain.Identity{0xa1}
	bob   = domain.Identity{0xb0}
	start = time.Unix(1_700_000_000, 0)
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// feed is a controllable oracle source that reports a fresh reading for
// whatever feed is asked for.
type feed struct {
	mu    sync.Mutex
	clock *clock
	price int64
	expo  int32
	age   time.Duration
	err   error
}

func (f *feed) set(price int64, expo int32) {
	f.mu.Lock()
	f.price, f.expo, f.err = price, expo, nil
	f.mu.Unlock()
}

func (f *feed) Latest(_ context.Context, feedID string) (domain.PriceObservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.PriceObservation{}, f.err
	}
	return domain.PriceObservation{
		FeedID:      feedID,
		Price:       f.price,
		Exponent:    f.expo,
		PublishTime: f.clock.Now().Add(-f.age),
	}, nil
}

type harness struct {
	svc    *MarketService
	ledger *memory.Ledger
	audit  *memory.AuditStore
	clock  *clock
	feed   *feed
}

func newHarness(t *testing.T, opts ...func(*MarketDeps)) *harness {
	t.Helper()
	clk := &clock{t: start}
	src := &feed{clock: clk}
	res, err := oracle.NewResolver(src, oracle.DefaultFeeds(), oracle.WithClock(clk.Now))
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	h := &harness{ledger: memory.NewLedger(), audit: memory.NewAuditStore(), clock: clk, feed: src}
	deps := MarketDeps{
		Ledger: h.ledger,
		Oracle: res,
		Audit:  h.audit,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    clk.Now,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.svc, err = NewMarketService(MarketConfig{Admin: admin, Namespace: "custody", Rate: rate}, deps)
	if err != nil {
		t.Fatalf("NewMarketService: %v", err)
	}
	return h
}

func (h *harness) bootstrap(t *testing.T, funded ...domain.Identity) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.svc.InitializeTreasury(ctx, admin); err != nil {
		t.Fatalf("InitializeTreasury: %v", err)
	}
	for _, id := range funded {
		if _, err := h.svc.CreditCollateral(ctx, admin, id, 2_000_000); err != nil {
			t.Fatalf("CreditCollateral: %v", err)
		}
	}
}

func (h *harness) market(t *testing.T, strike uint64, expiry int64) domain.Market {
	t.Helper()
	m, err := h.svc.CreateMarket(context.Background(), alice, strike, expiry, domain.AssetSOL)
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	return m
}

func mustKind(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("err=%v, want %v", err, want)
	}
}

func TestFullLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrap(t, alice)
	expiry := start.Unix() + 3600
	m := h.market(t, 50_000, expiry)

	lock, err := h.svc.LockCollateral(ctx, m.ID, alice, 10)
	if err != nil {
		t.Fatalf("LockCollateral: %v", err)
	}
	if lock.Custody.Balance != 1_000_000 || lock.Custody.OutstandingPairs != 10 {
		t.Fatalf("custody=%+v, want 1000000/10", lock.Custody)
	}
	if lock.Yes.Balance != 10 || lock.No.Balance != 10 {
		t.Fatalf("claims yes=%d no=%d, want 10/10", lock.Yes.Balance, lock.No.Balance)
	}
	if bal, _ := h.svc.CollateralBalance(ctx, alice); bal != 1_000_000 {
		t.Fatalf("alice collateral=%d, want 1000000", bal)
	}
	if err := h.svc.CheckInvariant(ctx, m.ID); err != nil {
		t.Fatalf("invariant after lock: %v", err)
	}

	_, err = h.svc.ResolveMarket(ctx, m.ID, bob)
	mustKind(t, err, domain.ErrMarketNotExpired)

	_, err = h.svc.RedeemClaims(ctx, m.ID, alice, lock.Yes.ID, 1)
	mustKind(t, err, domain.ErrMarketNotResolved)

	h.clock.Set(time.Unix(expiry, 0))
	_, err = h.svc.LockCollateral(ctx, m.ID, alice, 1)
	mustKind(t, err, domain.ErrMarketExpired)

	h.feed.set(5_100_000_000_000, -8)
	res, err := h.svc.ResolveMarket(ctx, m.ID, bob)
	if err != nil {
		t.Fatalf("ResolveMarket: %v", err)
	}
	if !res.Market.Resolved || res.Market.Outcome != domain.OutcomeYes {
		t.Fatalf("market=%+v, want resolved yes", res.Market)
	}
	if res.Price.String() != "51000" {
		t.Fatalf("price=%s, want 51000", res.Price)
	}

	_, err = h.svc.ResolveMarket(ctx, m.ID, bob)
	mustKind(t, err, domain.ErrMarketAlreadyResolved)
	_, err = h.svc.LockCollateral(ctx, m.ID, alice, 1)
	mustKind(t, err, domain.ErrMarketAlreadyResolved)

	_, err = h.svc.RedeemClaims(ctx, m.ID, alice, lock.No.ID, 10)
	mustKind(t, err, domain.ErrTokenMintMismatch)
	_, err = h.svc.RedeemClaims(ctx, m.ID, bob, lock.Yes.ID, 10)
	mustKind(t, err, domain.ErrUnauthorized)
	_, err = h.svc.RedeemClaims(ctx, m.ID, alice, lock.Yes.ID, 0)
	mustKind(t, err, domain.ErrValidation)

	red, err := h.svc.RedeemClaims(ctx, m.ID, alice, lock.Yes.ID, 10)
	if err != nil {
		t.Fatalf("RedeemClaims: %v", err)
	}
	if red.Payout != 1_000_000 || red.Custody.Balance != 0 || red.Account.Balance != 0 {
		t.Fatalf("redeem=%+v", red)
	}
	if bal, _ := h.svc.CollateralBalance(ctx, alice); bal != 2_000_000 {
		t.Fatalf("alice collateral=%d, want 2000000", bal)
	}
	if err := h.svc.CheckInvariant(ctx, m.ID); err != nil {
		t.Fatalf("invariant after redeem: %v", err)
	}

	_, err = h.svc.RedeemClaims(ctx, m.ID, alice, lock.Yes.ID, 1)
	mustKind(t, err, domain.ErrInsufficientBalance)

	entries, _ := h.audit.List(ctx, domain.ListOpts{})
	if len(entries) == 0 || entries[0].Event != string(domain.EventClaimsRedeemed) {
		t.Fatalf("latest audit entry=%+v, want claims_redeemed", entries)
	}
}

func TestResolveOutcomes(t *testing.T) {
	tests := []struct {
		name  string
		price int64
		expo  int32
		want  domain.Outcome
	}{
		{"above strike", 51_000, 0, domain.OutcomeYes},
		{"equal to strike", 5_000_000_000_000, -8, domain.OutcomeYes},
		{"just below strike", 4_999_999_999_999, -8, domain.OutcomeNo},
		{"far below strike", 100, 0, domain.OutcomeNo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.bootstrap(t)
			expiry := start.Unix() + 60
			m := h.market(t, 50_000, expiry)
			h.clock.Set(time.Unix(expiry+1, 0))
			h.feed.set(tt.price, tt.expo)

			res, err := h.svc.ResolveMarket(context.Background(), m.ID, bob)
			if err != nil {
				t.Fatalf("ResolveMarket: %v", err)
			}
			if res.Market.Outcome != tt.want {
				t.Fatalf("outcome=%s, want %s", res.Market.Outcome, tt.want)
			}
		})
	}
}

func TestNoOutcomeRedeemsNoClaims(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrap(t, alice, bob)
	expiry := start.Unix() + 60
	m := h.market(t, 50_000, expiry)

	la, err := h.svc.LockCollateral(ctx, m.ID, alice, 3)
	if err != nil {
		t.Fatal(err)
	}
	lb, err := h.svc.LockCollateral(ctx, m.ID, bob, 2)
	if err != nil {
		t.Fatal(err)
	}

	h.clock.Set(time.Unix(expiry, 0))
	h.feed.set(49_000, 0)
	if _, err := h.svc.ResolveMarket(ctx, m.ID, alice); err != nil {
		t.Fatal(err)
	}

	_, err = h.svc.RedeemClaims(ctx, m.ID, alice, la.Yes.ID, 3)
	mustKind(t, err, domain.ErrTokenMintMismatch)

	if _, err := h.svc.RedeemClaims(ctx, m.ID, alice, la.No.ID, 2); err != nil {
		t.Fatalf("alice partial redeem: %v", err)
	}
	if err := h.svc.CheckInvariant(ctx, m.ID); err != nil {
		t.Fatalf("invariant after partial redeem: %v", err)
	}
	if _, err := h.svc.RedeemClaims(ctx, m.ID, bob, lb.No.ID, 2); err != nil {
		t.Fatalf("bob redeem: %v", err)
	}
	c, _ := h.ledger.GetCustody(ctx, m.ID)
	if c.Balance != rate || c.OutstandingPairs != 1 {
		t.Fatalf("custody=%+v, want one pair left", c)
	}
}

func TestCreateMarketValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	future := start.Unix() + 60

	_, err := h.svc.CreateMarket(ctx, alice, 50_000, future, domain.AssetBTC)
	mustKind(t, err, domain.ErrTreasuryNotInitialized)

	h.bootstrap(t)
	tests := []struct {
		name   string
		strike uint64
		expiry int64
		asset  domain.Asset
		want   error
	}{
		{"zero strike", 0, future, domain.AssetBTC, domain.ErrValidation},
		{"expiry now", 50_000, start.Unix(), domain.AssetBTC, domain.ErrValidation},
		{"expiry past", 50_000, start.Unix() - 1, domain.AssetETH, domain.ErrValidation},
		{"unknown asset", 50_000, future, domain.Asset(4), domain.ErrInvalidAsset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.CreateMarket(ctx, alice, tt.strike, tt.expiry, tt.asset)
			mustKind(t, err, tt.want)
		})
	}

	m, err := h.svc.CreateMarket(ctx, alice, 50_000, future, domain.AssetBTC)
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	if m.ID != crypto.DeriveMarketID(alice, 50_000, future) || m.State() != domain.MarketStateOpen {
		t.Fatalf("market=%+v", m)
	}
	_, err = h.svc.CreateMarket(ctx, alice, 50_000, future, domain.AssetETH)
	mustKind(t, err, domain.ErrDuplicateMarket)

	if _, err := h.svc.CreateMarket(ctx, bob, 50_000, future, domain.AssetBTC); err != nil {
		t.Fatalf("same terms by another creator: %v", err)
	}
}

func TestInitializeTreasury(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.svc.InitializeTreasury(ctx, alice)
	mustKind(t, err, domain.ErrUnauthorized)

	tr, err := h.svc.InitializeTreasury(ctx, admin)
	if err != nil {
		t.Fatalf("InitializeTreasury: %v", err)
	}
	if tr.Admin != admin || tr.Namespace != "custody" {
		t.Fatalf("treasury=%+v", tr)
	}
	_, err = h.svc.InitializeTreasury(ctx, admin)
	mustKind(t, err, domain.ErrAlreadyExists)

	_, err = h.svc.CreditCollateral(ctx, alice, alice, 1)
	mustKind(t, err, domain.ErrUnauthorized)
}

func TestLockInsufficientFundsLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrap(t)
	m := h.market(t, 50_000, start.Unix()+60)
	if _, err := h.svc.CreditCollateral(ctx, admin, bob, rate*3-1); err != nil {
		t.Fatal(err)
	}

	_, err := h.svc.LockCollateral(ctx, m.ID, bob, 3)
	mustKind(t, err, domain.ErrInsufficientFunds)

	v, err := h.svc.MarketView(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if v.Custody.Balance != 0 || v.YesMint.Supply != 0 || v.NoMint.Supply != 0 {
		t.Fatalf("view=%+v, want untouched market", v)
	}
	if accts, _ := h.svc.ClaimAccounts(ctx, bob); len(accts) != 0 {
		t.Fatalf("bob has %d claim accounts, want 0", len(accts))
	}
	if bal, _ := h.svc.CollateralBalance(ctx, bob); bal != rate*3-1 {
		t.Fatalf("bob collateral=%d", bal)
	}

	_, err = h.svc.LockCollateral(ctx, m.ID, bob, 0)
	mustKind(t, err, domain.ErrValidation)
	_, err = h.svc.LockCollateral(ctx, domain.Identity{0xee}, bob, 1)
	mustKind(t, err, domain.ErrNotFound)
}

func TestResolveOracleFailureKeepsMarketOpen(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrap(t)
	expiry := start.Unix() + 60
	m := h.market(t, 50_000, expiry)
	h.clock.Set(time.Unix(expiry, 0))

	h.feed.set(60_000, 0)
	h.feed.age = 121 * time.Second
	_, err := h.svc.ResolveMarket(ctx, m.ID, bob)
	mustKind(t, err, domain.ErrPriceUnavailable)
	if domain.KindOf(err) != domain.KindOracle {
		t.Fatalf("kind=%s, want oracle", domain.KindOf(err))
	}

	h.feed.age = 0
	h.feed.err = errors.New("hermes down")
	_, err = h.svc.ResolveMarket(ctx, m.ID, bob)
	mustKind(t, err, domain.ErrPriceUnavailable)

	got, _ := h.svc.GetMarket(ctx, m.ID)
	if got.Resolved {
		t.Fatal("market resolved despite oracle failure")
	}

	h.feed.set(60_000, 0)
	if _, err := h.svc.ResolveMarket(ctx, m.ID, bob); err != nil {
		t.Fatalf("retry after oracle recovery: %v", err)
	}
}

func TestRedeemWithAccountFromAnotherMarket(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrap(t, alice)
	expiry := start.Unix() + 60
	a := h.market(t, 50_000, expiry)
	b := h.market(t, 60_000, expiry)

	if _, err := h.svc.LockCollateral(ctx, a.ID, alice, 1); err != nil {
		t.Fatal(err)
	}
	lb, err := h.svc.LockCollateral(ctx, b.ID, alice, 1)
	if err != nil {
		t.Fatal(err)
	}

	h.clock.Set(time.Unix(expiry, 0))
	h.feed.set(70_000, 0)
	if _, err := h.svc.ResolveMarket(ctx, a.ID, alice); err != nil {
		t.Fatal(err)
	}
	_, err = h.svc.RedeemClaims(ctx, a.ID, alice, lb.Yes.ID, 1)
	mustKind(t, err, domain.ErrTokenMintMismatch)
}

func TestConcurrentLocksPreserveInvariant(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrap(t)
	expiry := start.Unix() + 60
	markets := []domain.Market{h.market(t, 50_000, expiry), h.market(t, 60_000, expiry)}

	const workers = 16
	const locksEach = 5
	var participants []domain.Identity
	for i := 0; i < workers; i++ {
		id := domain.Identity{0x10, byte(i)}
		participants = append(participants, id)
		if _, err := h.svc.CreditCollateral(ctx, admin, id, rate*locksEach); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	for i, p := range participants {
		wg.Add(1)
		go func(i int, p domain.Identity) {
			defer wg.Done()
			for j := 0; j < locksEach; j++ {
				m := markets[(i+j)%len(markets)]
				if _, err := h.svc.LockCollateral(ctx, m.ID, p, 1); err != nil {
					t.Errorf("lock %d/%d: %v", i, j, err)
				}
			}
		}(i, p)
	}
	wg.Wait()

	var pairs uint64
	for _, m := range markets {
		if err := h.svc.CheckInvariant(ctx, m.ID); err != nil {
			t.Fatalf("invariant: %v", err)
		}
		c, _ := h.ledger.GetCustody(ctx, m.ID)
		pairs += c.OutstandingPairs
	}
	if pairs != workers*locksEach {
		t.Fatalf("outstanding pairs=%d, want %d", pairs, workers*locksEach)
	}
	for _, p := range participants {
		if bal, _ := h.svc.CollateralBalance(ctx, p); bal != 0 {
			t.Fatalf("participant %s has %d left, want 0", p, bal)
		}
	}
}

type recordingBus struct {
	mu       sync.Mutex
	messages [][]byte
	stream   [][]byte
}

func (b *recordingBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, payload)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *recordingBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stream = append(b.stream, payload)
	return nil
}

func (b *recordingBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type recordingNotifier struct{ events []string }

func (n *recordingNotifier) Notify(_ context.Context, event, _, _ string) error {
	n.events = append(n.events, event)
	return nil
}

func TestEventsPublishedOnCommit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	bus := &recordingBus{}
	notifier := &recordingNotifier{}
	h.svc.events = NewEventPublisher(bus, notifier, slog.New(slog.NewTextHandler(io.Discard, nil)))

	h.bootstrap(t)
	expiry := start.Unix() + 60
	m := h.market(t, 50_000, expiry)
	h.clock.Set(time.Unix(expiry, 0))
	h.feed.set(40_000, 0)
	if _, err := h.svc.ResolveMarket(ctx, m.ID, bob); err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.ResolveMarket(ctx, m.ID, bob); err == nil {
		t.Fatal("expected second resolve to fail")
	}

	if len(bus.messages) != 3 || len(bus.stream) != 3 {
		t.Fatalf("published=%d streamed=%d, want 3/3", len(bus.messages), len(bus.stream))
	}
	var last domain.MarketEvent
	if err := json.Unmarshal(bus.messages[2], &last); err != nil {
		t.Fatal(err)
	}
	if last.Type != domain.EventMarketResolved || last.Market != m.ID || last.Outcome != "no" || last.Price != "40000" {
		t.Fatalf("event=%+v", last)
	}
	want := []string{"treasury_initialized", "market_created", "market_resolved"}
	for i, ev := range want {
		if notifier.events[i] != ev {
			t.Fatalf("notifier events=%v, want %v", notifier.events, want)
		}
	}
}

// marketCache is an in-memory domain.MarketCache whose writes can be made to
// fail.
type marketCache struct {
	mu      sync.Mutex
	entries map[domain.Identity]domain.Market
	failSet bool
}

func (c *marketCache) Set(_ context.Context, m domain.Market) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSet {
		return errors.New("cache unavailable")
	}
	c.entries[m.ID] = m
	return nil
}

func (c *marketCache) Get(_ context.Context, id domain.Identity) (domain.Market, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.entries[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (c *marketCache) Invalidate(_ context.Context, id domain.Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	return nil
}

func (c *marketCache) setFailing(v bool) {
	c.mu.Lock()
	c.failSet = v
	c.mu.Unlock()
}

func TestGetMarketNeverServesStaleOpenEntry(t *testing.T) {
	ctx := context.Background()
	cache := &marketCache{entries: map[domain.Identity]domain.Market{}}
	h := newHarness(t, func(d *MarketDeps) { d.Cache = cache })
	h.bootstrap(t, alice)
	m := h.market(t, 50_000, start.Add(time.Hour).Unix())

	got, err := h.svc.GetMarket(ctx, m.ID)
	if err != nil || got.Resolved {
		t.Fatalf("GetMarket before expiry: %+v, %v", got, err)
	}

	// The cache keeps the open entry because the resolved write fails.
	cache.setFailing(true)
	h.clock.Set(start.Add(2 * time.Hour))
	h.feed.set(60_000, 0)
	if _, err := h.svc.ResolveMarket(ctx, m.ID, bob); err != nil {
		t.Fatalf("ResolveMarket: %v", err)
	}
	if _, ok := cache.entries[m.ID]; ok {
		t.Fatal("failed cache write should invalidate the entry")
	}

	// Reinstate a stale open entry directly; reads past expiry go to the ledger.
	cache.setFailing(false)
	cache.entries[m.ID] = m
	got, err = h.svc.GetMarket(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if !got.Resolved || got.Outcome != domain.OutcomeYes {
		t.Fatalf("market=%+v, want resolved yes", got)
	}
	if cached := cache.entries[m.ID]; !cached.Resolved {
		t.Fatalf("cache=%+v, want refreshed resolved entry", cached)
	}
}
