package service

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cairnfi/termledger/internal/domain"
	"github.com/cairnfi/termledger/internal/engine"
	"github.com/cairnfi/termledger/internal/fixed"
	"github.com/cairnfi/termledger/internal/oracle"
	"github.com/cairnfi/termledger/internal/token"
	"github.com/cairnfi/termledger/internal/treasury"
)

const testCollateral = "WETH"

func makeAddr(b byte) common.Address {
	var a common.Address
	a[19] = b
	return a
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// svcClock is an adjustable time source shared by the engines under test.
type svcClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *svcClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *svcClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- In-memory store fakes ---

type memVaultStore struct {
	mu     sync.Mutex
	vaults map[string]domain.Vault
}

func newMemVaultStore() *memVaultStore {
	return &memVaultStore{vaults: make(map[string]domain.Vault)}
}

func vaultKey(collateral string, user common.Address) string {
	return collateral + "|" + user.Hex()
}

func (m *memVaultStore) Upsert(_ context.Context, v domain.Vault) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vaults[vaultKey(v.Collateral, v.User)] = v
	return nil
}

func (m *memVaultStore) Get(_ context.Context, collateral string, user common.Address) (domain.Vault, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vaults[vaultKey(collateral, user)]
	if !ok {
		return domain.Vault{}, domain.ErrNotFound
	}
	return v, nil
}

func (m *memVaultStore) ListByUser(_ context.Context, user common.Address) ([]domain.Vault, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Vault
	for _, v := range m.vaults {
		if v.User == user {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *memVaultStore) ListByCollateral(_ context.Context, collateral string, _ domain.ListOpts) ([]domain.Vault, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Vault
	for _, v := range m.vaults {
		if v.Collateral == collateral {
			out = append(out, v)
		}
	}
	return out, nil
}

type memDebtStore struct {
	mu    sync.Mutex
	debts map[string]domain.DebtRecord
}

func newMemDebtStore() *memDebtStore {
	return &memDebtStore{debts: make(map[string]domain.DebtRecord)}
}

func debtKey(collateral string, seriesID int64, user common.Address) string {
	return collateral + "|" + time.Unix(seriesID, 0).UTC().Format(time.RFC3339) + "|" + user.Hex()
}

func (m *memDebtStore) Upsert(_ context.Context, rec domain.DebtRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debts[debtKey(rec.Collateral, rec.SeriesID, rec.User)] = rec
	return nil
}

func (m *memDebtStore) Get(_ context.Context, collateral string, seriesID int64, user common.Address) (domain.DebtRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.debts[debtKey(collateral, seriesID, user)]
	if !ok {
		return domain.DebtRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (m *memDebtStore) ListByUser(_ context.Context, user common.Address) ([]domain.DebtRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DebtRecord
	for _, rec := range m.debts {
		if rec.User == user {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memDebtStore) SystemDebt(_ context.Context, collateral string, seriesID int64) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := big.NewInt(0)
	for _, rec := range m.debts {
		if rec.Collateral == collateral && rec.SeriesID == seriesID {
			total.Add(total, rec.Debt)
		}
	}
	return total, nil
}

type memSeriesStore struct {
	mu     sync.Mutex
	series map[int64]domain.Series
}

func newMemSeriesStore() *memSeriesStore {
	return &memSeriesStore{series: make(map[int64]domain.Series)}
}

func (m *memSeriesStore) Upsert(_ context.Context, s domain.Series) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.series[s.ID()] = s
	return nil
}

func (m *memSeriesStore) Get(_ context.Context, id int64) (domain.Series, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.series[id]
	if !ok {
		return domain.Series{}, domain.ErrNotFound
	}
	return s, nil
}

func (m *memSeriesStore) List(_ context.Context) ([]domain.Series, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Series, 0, len(m.series))
	for _, s := range m.series {
		out = append(out, s)
	}
	return out, nil
}

type memAuctionStore struct {
	mu       sync.Mutex
	auctions map[common.Address]domain.Auction
	claims   map[common.Address]*big.Int
}

func newMemAuctionStore() *memAuctionStore {
	return &memAuctionStore{
		auctions: make(map[common.Address]domain.Auction),
		claims:   make(map[common.Address]*big.Int),
	}
}

func (m *memAuctionStore) Upsert(_ context.Context, a domain.Auction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auctions[a.User] = a
	return nil
}

func (m *memAuctionStore) Get(_ context.Context, user common.Address) (domain.Auction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.auctions[user]
	if !ok {
		return domain.Auction{}, domain.ErrNotFound
	}
	return a, nil
}

func (m *memAuctionStore) Delete(_ context.Context, user common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.auctions[user]; !ok {
		return domain.ErrNotFound
	}
	delete(m.auctions, user)
	return nil
}

func (m *memAuctionStore) ListOpen(_ context.Context, _ domain.ListOpts) ([]domain.Auction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Auction
	for _, a := range m.auctions {
		if !a.Closed() {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memAuctionStore) ListClosedBefore(_ context.Context, cutoff time.Time, _ int) ([]domain.Auction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Auction
	for _, a := range m.auctions {
		if a.Closed() && a.StartedAt.Before(cutoff) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memAuctionStore) UpsertClaim(_ context.Context, holder common.Address, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claims[holder] = fixed.Clone(amount)
	return nil
}

func (m *memAuctionStore) GetClaim(_ context.Context, holder common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bal, ok := m.claims[holder]; ok {
		return fixed.Clone(bal), nil
	}
	return big.NewInt(0), nil
}

type memSettlementStore struct {
	mu    sync.Mutex
	state *domain.SettlementState
}

func (m *memSettlementStore) Put(_ context.Context, state domain.SettlementState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = &state
	return nil
}

func (m *memSettlementStore) Get(_ context.Context) (domain.SettlementState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return domain.SettlementState{}, domain.ErrNotFound
	}
	return *m.state, nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (m *memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, domain.AuditEntry{
		ID:     int64(len(m.entries) + 1),
		Event:  event,
		Detail: detail,
	})
	return nil
}

func (m *memAudit) List(_ context.Context, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AuditEntry, len(m.entries))
	copy(out, m.entries)
	return out, nil
}

func (m *memAudit) DeleteBefore(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (m *memAudit) events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Event
	}
	return out
}

func (m *memAudit) has(event string) bool {
	for _, e := range m.events() {
		if e == event {
			return true
		}
	}
	return false
}

type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func newMemBus() *memBus {
	return &memBus{published: make(map[string][][]byte)}
}

func (m *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[channel] = append(m.published[channel], payload)
	return nil
}

func (m *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (m *memBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (m *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (m *memBus) count(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published[channel])
}

type memSeriesCache struct {
	mu     sync.Mutex
	series map[int64]domain.Series
}

func newMemSeriesCache() *memSeriesCache {
	return &memSeriesCache{series: make(map[int64]domain.Series)}
}

func (m *memSeriesCache) SetSeries(_ context.Context, s domain.Series, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.series[s.ID()] = s
	return nil
}

func (m *memSeriesCache) GetSeries(_ context.Context, id int64) (domain.Series, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.series[id]
	if !ok {
		return domain.Series{}, domain.ErrNotFound
	}
	return s, nil
}

type memBoard struct {
	mu       sync.Mutex
	auctions map[string]domain.Auction
}

func newMemBoard() *memBoard {
	return &memBoard{auctions: make(map[string]domain.Auction)}
}

func (m *memBoard) PutAuction(_ context.Context, a domain.Auction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auctions[a.User.Hex()] = a
	return nil
}

func (m *memBoard) RemoveAuction(_ context.Context, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.auctions, user)
	return nil
}

func (m *memBoard) ListAuctions(_ context.Context, _ int) ([]domain.Auction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Auction
	for _, a := range m.auctions {
		out = append(out, a)
	}
	return out, nil
}

func (m *memBoard) holds(user common.Address) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.auctions[user.Hex()]
	return ok
}

// --- Engine fixture ---

// svcFixture assembles a full in-process engine stack with one plain
// collateral and one series, plus the in-memory infrastructure fakes.
type svcFixture struct {
	clock      *svcClock
	treasury   *treasury.Treasury
	oracle     *oracle.Static
	accounting *engine.Accounting
	seriesID   int64
	maturity   time.Time

	vaults      *memVaultStore
	debts       *memDebtStore
	seriesStore *memSeriesStore
	auctions    *memAuctionStore
	settlements *memSettlementStore
	audit       *memAudit
	bus         *memBus
}

// newSvcFixture wires an accounting engine with WETH at the given spot,
// required ratio, and rate accumulator; the series matures one year out.
func newSvcFixture(t *testing.T, spot, ratio, rate string) *svcFixture {
	t.Helper()

	clock := &svcClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	tre := treasury.New()
	static := oracle.NewStatic()
	static.Set(testCollateral, oracle.Quote{
		Spot:    fixed.MustWad(spot),
		Ratio:   fixed.MustWad(ratio),
		Rate:    fixed.MustWad(rate),
		Savings: fixed.Clone(fixed.Wad),
	})

	acct := engine.NewAccounting(tre, clock.Now)
	if err := acct.RegisterCollateral(domain.Collateral{
		Code: testCollateral,
		Kind: domain.CollateralPlain,
		Dust: big.NewInt(0),
	}, static, static, static); err != nil {
		t.Fatalf("register collateral: %v", err)
	}

	maturity := clock.Now().Add(365 * 24 * time.Hour)
	if err := acct.AddSeries(maturity, token.New("fDAI")); err != nil {
		t.Fatalf("add series: %v", err)
	}

	return &svcFixture{
		clock:       clock,
		treasury:    tre,
		oracle:      static,
		accounting:  acct,
		seriesID:    maturity.Unix(),
		maturity:    maturity,
		vaults:      newMemVaultStore(),
		debts:       newMemDebtStore(),
		seriesStore: newMemSeriesStore(),
		auctions:    newMemAuctionStore(),
		settlements: &memSettlementStore{},
		audit:       &memAudit{},
		bus:         newMemBus(),
	}
}

// setRate moves the rate accumulator forward.
func (f *svcFixture) setRate(t *testing.T, rate string) {
	t.Helper()
	f.oracle.Set(testCollateral, oracle.Quote{Rate: fixed.MustWad(rate)})
}

// mature advances the clock past maturity and matures the series.
func (f *svcFixture) mature(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if f.clock.Now().Before(f.maturity) {
		f.clock.advance(f.maturity.Sub(f.clock.Now()) + time.Second)
	}
	if err := f.accounting.MatureSeries(ctx, f.seriesID); err != nil {
		t.Fatalf("mature series: %v", err)
	}
}

// fundAndPost gives the user collateral in the treasury and posts it.
func (f *svcFixture) fundAndPost(t *testing.T, user common.Address, amount string) {
	t.Helper()
	ctx := context.Background()
	wad := fixed.MustWad(amount)
	f.treasury.Fund(testCollateral, user, wad)
	if err := f.accounting.Post(ctx, testCollateral, user, user, user, wad); err != nil {
		t.Fatalf("post: %v", err)
	}
}
