package settlement_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minevest/share-engine/internal/fees"
	"github.com/minevest/share-engine/internal/intake"
	"github.com/minevest/share-engine/internal/limits"
	"github.com/minevest/share-engine/internal/lock"
	"github.com/minevest/share-engine/internal/model"
	"github.com/minevest/share-engine/internal/pricing"
	"github.com/minevest/share-engine/internal/settlement"
	"github.com/minevest/share-engine/internal/shareledger"
	"github.com/minevest/share-engine/internal/store"
	"github.com/minevest/share-engine/internal/wallet"
)

const share = "gold"

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu    sync.Mutex
	facts []settlement.Fact
}

func (r *recorder) Publish(f settlement.Fact) {
	r.mu.Lock()
	r.facts = append(r.facts, f)
	r.mu.Unlock()
}

func (r *recorder) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.facts {
		if f.Type == typ {
			n++
		}
	}
	return n
}

type harness struct {
	e       *settlement.Engine
	ms      *store.MemoryStore
	clk     *clock
	journal *settlement.MemoryJournal
	pub     *recorder
}

func testRules() fees.Rules {
	return fees.Rules{
		FeeSplit: map[model.Fund]decimal.Decimal{
			model.FundAdmin: dec("25"), model.FundBuyback: dec("25"),
			model.FundProject: dec("25"), model.FundExpenses: dec("25"),
		},
		ProceedsSplit: map[model.Fund]decimal.Decimal{
			model.FundAdmin: dec("10"), model.FundBuyback: dec("20"),
			model.FundProject: dec("60"), model.FundExpenses: dec("10"),
		},
		FeeRates: map[model.OrderKind]decimal.Decimal{
			model.KindBuy:      dec("1"),
			model.KindBooking:  dec("1"),
			model.KindTransfer: dec("0.5"),
		},
	}
}

func testPolicy() intake.Policy {
	return intake.Policy{
		DefaultAccountType: "standard",
		AccountTypes: map[string]intake.AccountType{
			"standard": {MinOrder: 50},
			"club":     {MinOrder: 1, LockOnPurchase: true},
		},
		BookingMinDownPaymentPct: dec("20"),
		BookingTTL:               30 * 24 * time.Hour,
		TransferApprovalValue:    dec("50000"),
	}
}

type setup struct {
	rules fees.Rules
	cfg   settlement.Config
	pub   settlement.Publisher
}

type option func(*setup)

func withRules(fn func(*fees.Rules)) option {
	return func(s *setup) { fn(&s.rules) }
}

func withConfig(cfg settlement.Config) option {
	return func(s *setup) { s.cfg = cfg }
}

func withPublisher(p settlement.Publisher) option {
	return func(s *setup) { s.pub = p }
}

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	ctx := context.Background()
	clk := &clock{t: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	ms := store.NewMemoryStore()
	locks := lock.NewManager(time.Second)

	su := setup{rules: testRules()}
	for _, opt := range opts {
		opt(&su)
	}

	alloc, err := fees.NewAllocator(su.rules, clk.now)
	require.NoError(t, err)
	prices := pricing.NewController(ms, locks, pricing.Config{
		TolerancePct:      dec("5"),
		CircuitBreakerPct: dec("10"),
	}, clk.now)
	rates, err := pricing.NewRates(map[string]decimal.Decimal{"USD": dec("1")})
	require.NoError(t, err)

	h := &harness{ms: ms, clk: clk, journal: settlement.NewMemoryJournal(), pub: &recorder{}}
	var pub settlement.Publisher = h.pub
	if su.pub != nil {
		pub = su.pub
	}
	h.e = settlement.New(settlement.Deps{
		Store:     ms,
		Locks:     locks,
		Shares:    shareledger.New(clk.now),
		Wallets:   wallet.NewLedger(ms, locks, clk.now),
		Fees:      alloc,
		Validator: intake.NewValidator(testPolicy(), prices, alloc, rates, clk.now),
		Queue:     intake.NewQueue(clk.now),
		Prices:    prices,
		Rates:     rates,
		Journal:   h.journal,
		Publisher: pub,
		Config:    su.cfg,
		Now:       clk.now,
	})
	_, err = h.e.CreateShare(ctx, share, "Gold Mine A", "USD", 10000, dec("1000"))
	require.NoError(t, err)
	return h
}

func (h *harness) deposit(t *testing.T, user string, amount string) {
	t.Helper()
	_, err := h.e.Deposit(context.Background(), user, "USD", dec(amount))
	require.NoError(t, err)
}

func (h *harness) submit(t *testing.T, req intake.Request) *model.Order {
	t.Helper()
	o, err := h.e.SubmitOrder(context.Background(), req)
	require.NoError(t, err)
	return o
}

func buy(user string, qty int64) intake.Request {
	return intake.Request{Kind: model.KindBuy, UserID: user, ShareID: share, Quantity: qty}
}

func sell(user string, qty int64) intake.Request {
	return intake.Request{Kind: model.KindSell, UserID: user, ShareID: share, Quantity: qty}
}

func (h *harness) balance(t *testing.T, walletID string) decimal.Decimal {
	t.Helper()
	b, err := h.ms.WalletBalance(context.Background(), walletID)
	require.NoError(t, err)
	return b
}

func (h *harness) holding(t *testing.T, user string) *model.UserHolding {
	t.Helper()
	hd, err := h.e.GetHolding(context.Background(), user, share)
	require.NoError(t, err)
	return hd
}

func (h *harness) order(t *testing.T, id string) *model.Order {
	t.Helper()
	o, err := h.e.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o
}

// assertConserved checks the ledger-wide properties: every wallet group
// nets to zero, no internal wallet is negative, cached balances match the
// log, share buckets add up to the total and match the holdings.
func (h *harness) assertConserved(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	ids, err := h.ms.ListWalletIDs(ctx)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, id := range ids {
		b := h.balance(t, id)
		sum = sum.Add(b)
		if !model.IsExternalWallet(id) {
			assert.False(t, b.IsNegative(), "wallet %s is negative: %s", id, b)
		}
		cached, ok, err := h.ms.CachedBalance(ctx, id)
		require.NoError(t, err)
		if ok {
			assert.True(t, cached.Equal(b), "wallet %s cached %s != %s", id, cached, b)
		}
	}
	assert.True(t, sum.IsZero(), "wallets sum to %s", sum)

	sh, err := h.ms.GetShare(ctx, share)
	require.NoError(t, err)
	assert.Equal(t, sh.Total, sh.BucketTotal(), "buckets %+v", sh)
	holdings, err := h.ms.ListHoldingsByShare(ctx, share)
	require.NoError(t, err)
	var held, pending int64
	for _, hd := range holdings {
		held += hd.Quantity
		pending += hd.PendingQuantity
		assert.GreaterOrEqual(t, hd.Quantity, hd.ReservedForSale)
	}
	assert.Equal(t, sh.Held, held, "held bucket vs holdings")
	assert.Equal(t, sh.Reserved, pending, "reserved bucket vs bookings")

	funds, err := h.ms.ListFunds(ctx)
	require.NoError(t, err)
	for _, f := range funds {
		assert.True(t, f.Balance.Equal(h.balance(t, model.FundWalletID(f.Fund, f.Currency))),
			"fund %s mirror %s", f.Fund, f.Balance)
	}
}

func TestBuy_HolderOfSixtyBuysOne(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, "alice", "70000")

	h.submit(t, buy("alice", 60))
	o := h.submit(t, buy("alice", 1))

	assert.Equal(t, model.OrderCompleted, o.Status)
	assert.Equal(t, int64(61), h.holding(t, "alice").Quantity)
	// 60 600 + 1 010
	assert.True(t, h.balance(t, model.WalletID("alice", "USD")).Equal(dec("8390")))

	sh, err := h.e.GetShare(context.Background(), share)
	require.NoError(t, err)
	assert.Equal(t, int64(10000-61), sh.Available)
	assert.Equal(t, int64(61), sh.Held)
	h.assertConserved(t)
}

func TestBuy_BelowMinimumRejected(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, "alice", "70000")

	_, err := h.e.SubmitOrder(context.Background(), buy("alice", 1))
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, model.RuleMinimum, ve.Rule)

	_, err = h.e.GetHolding(context.Background(), "alice", share)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.True(t, h.balance(t, model.WalletID("alice", "USD")).Equal(dec("70000")))
}

func TestBuy_ProceedsAndFeeSplitIntoFunds(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, "alice", "60000")
	o := h.submit(t, buy("alice", 50))
	assert.True(t, o.FeeAmount.Equal(dec("500")))

	// proceeds 50 000 at 10/20/60/10, fee 500 at 25 each
	want := map[model.Fund]string{
		model.FundAdmin:    "5125",
		model.FundBuyback:  "10125",
		model.FundProject:  "30125",
		model.FundExpenses: "5125",
	}
	total := decimal.Zero
	for f, amt := range want {
		got := h.balance(t, model.FundWalletID(f, "USD"))
		assert.True(t, got.Equal(dec(amt)), "%s = %s, want %s", f, got, amt)
		total = total.Add(got)
	}
	assert.True(t, total.Equal(dec("50500")))
	h.assertConserved(t)
}

func TestBuy_LockOnPurchaseAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.e.SaveAccount(ctx, model.Account{UserID: "carol", AccountType: "club"}))
	h.deposit(t, "carol", "20000")
	h.submit(t, buy("carol", 5))

	assert.Equal(t, model.HoldingLocked, h.holding(t, "carol").Status)
	_, err := h.e.SubmitOrder(ctx, sell("carol", 5))
	assert.ErrorIs(t, err, model.ErrInsufficientShares)

	released, err := h.e.ReleaseHolding(ctx, "carol", share)
	require.NoError(t, err)
	assert.Equal(t, model.HoldingReleased, released.Status)
	h.submit(t, sell("carol", 5))
}

// seedSellers gives each user a holding and queues a sell order.
func (h *harness) seedSellers(t *testing.T, sells map[string]int64, order []string) map[string]*model.Order {
	t.Helper()
	out := make(map[string]*model.Order)
	for _, u := range order {
		h.deposit(t, u, "200000")
		qty := sells[u]
		if qty < 50 {
			h.submit(t, buy(u, 50))
		} else {
			h.submit(t, buy(u, qty))
		}
	}
	for _, u := range order {
		out[u] = h.submit(t, sell(u, sells[u]))
	}
	return out
}

func (h *harness) fundBuyback(t *testing.T, target string) {
	t.Helper()
	need := dec(target).Sub(h.balance(t, model.FundWalletID(model.FundBuyback, "USD")))
	require.True(t, need.IsPositive(), "buyback fund already holds more than %s", target)
	_, err := h.e.TopUpFund(context.Background(), model.FundBuyback, "USD", need)
	require.NoError(t, err)
}

func TestSellBatch_PartialFillHoldsTheQueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	users := []string{"s1", "s2", "s3", "s4", "s5", "s6"}
	orders := h.seedSellers(t, map[string]int64{"s1": 10, "s2": 10, "s3": 10, "s4": 10, "s5": 100, "s6": 10}, users)
	require.Equal(t, int64(5), orders["s5"].FIFOPosition)
	require.Equal(t, model.OrderQueued, orders["s5"].Status)

	// Covers the four orders ahead (40 shares) plus 40 of the 100.
	h.fundBuyback(t, "80000")
	before := h.balance(t, model.WalletID("s5", "USD"))

	batch, err := h.e.RunSellSettlementBatch(ctx, settlement.BatchRequest{ShareID: share})
	require.NoError(t, err)
	assert.Equal(t, model.BatchCompleted, batch.Status)
	assert.Equal(t, int64(80), batch.SharesFilled)
	assert.Equal(t, 5, batch.OrdersTouched)
	assert.True(t, batch.FundBefore.Equal(dec("80000")))
	assert.True(t, batch.FundAfter.IsZero(), "fund after %s", batch.FundAfter)

	s5 := h.order(t, orders["s5"].ID)
	assert.Equal(t, int64(40), s5.ProcessedQuantity)
	assert.Equal(t, int64(60), s5.RemainingQuantity)
	assert.Equal(t, model.OrderProcessing, s5.Status)
	assert.True(t, h.balance(t, model.WalletID("s5", "USD")).Sub(before).Equal(dec("40000")))

	s6 := h.order(t, orders["s6"].ID)
	assert.Equal(t, int64(10), s6.RemainingQuantity, "later orders must wait")
	assert.Equal(t, model.OrderQueued, s6.Status)

	sh, err := h.e.GetShare(ctx, share)
	require.NoError(t, err)
	assert.Equal(t, int64(80), sh.BoughtBack)
	assert.Equal(t, int64(60), h.holding(t, "s5").ReservedForSale)
	h.assertConserved(t)

	// The next batch resumes at s5 and then serves s6.
	_, err = h.e.TopUpFund(ctx, model.FundBuyback, "USD", dec("70000"))
	require.NoError(t, err)
	batch, err = h.e.RunSellSettlementBatch(ctx, settlement.BatchRequest{ShareID: share})
	require.NoError(t, err)
	assert.Equal(t, int64(70), batch.SharesFilled)
	assert.Equal(t, model.OrderCompleted, h.order(t, orders["s5"].ID).Status)
	assert.Equal(t, model.OrderCompleted, h.order(t, orders["s6"].ID).Status)
	h.assertConserved(t)
}

func TestSellBatch_RerunDoesNotDoubleFill(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	orders := h.seedSellers(t, map[string]int64{"s1": 100}, []string{"s1"})
	h.fundBuyback(t, "40000")

	first, err := h.e.RunSellSettlementBatch(ctx, settlement.BatchRequest{ShareID: share})
	require.NoError(t, err)
	assert.Equal(t, int64(40), first.SharesFilled)

	for i := 0; i < 3; i++ {
		again, err := h.e.RunSellSettlementBatch(ctx, settlement.BatchRequest{ShareID: share})
		require.NoError(t, err)
		assert.Equal(t, int64(0), again.SharesFilled)
	}
	o := h.order(t, orders["s1"].ID)
	assert.Equal(t, int64(40), o.ProcessedQuantity)
	assert.Equal(t, int64(60), o.RemainingQuantity)
	assert.Empty(t, h.journal.Pending())

	batches, err := h.e.Batches(ctx, share)
	require.NoError(t, err)
	assert.Len(t, batches, 4)
	h.assertConserved(t)
}

func TestSellBatch_CappedByMaxValue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSellers(t, map[string]int64{"s1": 10, "s2": 10}, []string{"s1", "s2"})
	h.fundBuyback(t, "50000")

	batch, err := h.e.RunSellSettlementBatch(ctx, settlement.BatchRequest{ShareID: share, MaxValue: dec("15000")})
	require.NoError(t, err)
	assert.Equal(t, int64(15), batch.SharesFilled)
	assert.True(t, batch.TotalValue.Equal(dec("15000")))
}

func TestSellBatch_HaltedMarketDoesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSellers(t, map[string]int64{"s1": 10}, []string{"s1"})
	h.fundBuyback(t, "50000")
	_, err := h.e.SetMarketState(ctx, model.GlobalScope, true, "audit")
	require.NoError(t, err)

	_, err = h.e.RunSellSettlementBatch(ctx, settlement.BatchRequest{ShareID: share})
	assert.ErrorIs(t, err, model.ErrMarketHalted)
	sh, err := h.e.GetShare(ctx, share)
	require.NoError(t, err)
	assert.Zero(t, sh.BoughtBack)
}

func TestSellBatch_SellFeeLeavesBuybackDebitAtGross(t *testing.T) {
	h := newHarness(t, withRules(func(r *fees.Rules) {
		r.FeeRates[model.KindSell] = dec("1")
	}))
	ctx := context.Background()
	orders := h.seedSellers(t, map[string]int64{"s1": 100}, []string{"s1"})
	h.fundBuyback(t, "40000")

	fundWallet := func(f model.Fund) string { return model.FundWalletID(f, "USD") }
	admin := h.balance(t, fundWallet(model.FundAdmin))
	project := h.balance(t, fundWallet(model.FundProject))
	expenses := h.balance(t, fundWallet(model.FundExpenses))
	seller := h.balance(t, model.WalletID("s1", "USD"))

	batch, err := h.e.RunSellSettlementBatch(ctx, settlement.BatchRequest{ShareID: share})
	require.NoError(t, err)
	assert.Equal(t, int64(40), batch.SharesFilled)
	assert.True(t, batch.FundBefore.Sub(batch.FundAfter).Equal(dec("40000")),
		"buyback fund fell by %s", batch.FundBefore.Sub(batch.FundAfter))
	assert.True(t, batch.FundAfter.IsZero())

	// 1% of 40000 goes to the other three funds, seller nets the rest.
	assert.True(t, h.balance(t, model.WalletID("s1", "USD")).Sub(seller).Equal(dec("39600")))
	assert.True(t, h.balance(t, fundWallet(model.FundAdmin)).Sub(admin).Equal(dec("133.33")))
	assert.True(t, h.balance(t, fundWallet(model.FundProject)).Sub(project).Equal(dec("133.33")))
	assert.True(t, h.balance(t, fundWallet(model.FundExpenses)).Sub(expenses).Equal(dec("133.34")))

	o := h.order(t, orders["s1"].ID)
	assert.True(t, o.FeeAmount.Equal(dec("400")))
	assert.Equal(t, int64(60), o.RemainingQuantity)
	h.assertConserved(t)
}

func TestSellBatch_VolumeCapPerWindow(t *testing.T) {
	h := newHarness(t, withConfig(settlement.Config{VolumeCap: limits.Window{Daily: 30}}))
	ctx := context.Background()
	orders := h.seedSellers(t, map[string]int64{"s1": 50}, []string{"s1"})
	h.fundBuyback(t, "100000")

	first, err := h.e.RunSellSettlementBatch(ctx, settlement.BatchRequest{ShareID: share})
	require.NoError(t, err)
	assert.Equal(t, int64(30), first.SharesFilled)

	capped, err := h.e.RunSellSettlementBatch(ctx, settlement.BatchRequest{ShareID: share})
	require.NoError(t, err)
	assert.Zero(t, capped.SharesFilled, "daily cap is spent")
	assert.Equal(t, int64(20), h.order(t, orders["s1"].ID).RemainingQuantity)

	h.clk.advance(25 * time.Hour)
	next, err := h.e.RunSellSettlementBatch(ctx, settlement.BatchRequest{ShareID: share})
	require.NoError(t, err)
	assert.Equal(t, int64(20), next.SharesFilled)
	assert.Equal(t, model.OrderCompleted, h.order(t, orders["s1"].ID).Status)
	h.assertConserved(t)
}

// cancelOnFill cancels the batch context when the first fill is announced.
type cancelOnFill struct {
	*recorder
	cancel context.CancelFunc
}

func (c *cancelOnFill) Publish(f settlement.Fact) {
	c.recorder.Publish(f)
	if f.Type == settlement.FactFill && c.cancel != nil {
		c.cancel()
	}
}

func TestSellBatch_CancelledBetweenFills(t *testing.T) {
	pub := &cancelOnFill{recorder: &recorder{}}
	h := newHarness(t, withPublisher(pub))
	orders := h.seedSellers(t, map[string]int64{"s1": 10, "s2": 10, "s3": 10}, []string{"s1", "s2", "s3"})
	h.fundBuyback(t, "50000")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub.cancel = cancel

	batch, err := h.e.RunSellSettlementBatch(ctx, settlement.BatchRequest{ShareID: share})
	require.NoError(t, err)
	assert.Equal(t, model.BatchCancelled, batch.Status)
	assert.Equal(t, 1, batch.OrdersTouched)
	assert.Equal(t, int64(10), batch.SharesFilled)
	assert.Equal(t, model.OrderCompleted, h.order(t, orders["s1"].ID).Status)
	assert.Equal(t, model.OrderQueued, h.order(t, orders["s2"].ID).Status)
	assert.Equal(t, int64(10), h.order(t, orders["s3"].ID).RemainingQuantity)

	stored, err := h.ms.GetBatch(context.Background(), batch.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchCancelled, stored.Status)
	assert.NotNil(t, stored.FinishedAt)
	assert.Empty(t, h.journal.Pending())
	h.assertConserved(t)
}

func TestFrozenShare_RefusesSellTransferModifyApprove(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.deposit(t, "alice", "300000")
	h.submit(t, buy("alice", 200))
	queued := h.submit(t, sell("alice", 10))
	transfer := func(qty int64) intake.Request {
		return intake.Request{Kind: model.KindTransfer, UserID: "alice", ShareID: share, Quantity: qty, RecipientID: "bob"}
	}
	parked := h.submit(t, transfer(60))
	require.Equal(t, model.OrderAwaitingApproval, parked.Status)

	require.NoError(t, shareledger.New(h.clk.now).Freeze(ctx, h.ms, share, "bucket drift"))
	before, err := h.e.GetShare(ctx, share)
	require.NoError(t, err)
	require.True(t, before.Frozen)

	_, err = h.e.SubmitOrder(ctx, sell("alice", 10))
	assert.ErrorIs(t, err, shareledger.ErrFrozen)
	_, err = h.e.SubmitOrder(ctx, transfer(5))
	assert.ErrorIs(t, err, shareledger.ErrFrozen)
	_, err = h.e.ModifyOrder(ctx, queued.ID, "alice", 20)
	assert.ErrorIs(t, err, shareledger.ErrFrozen)
	_, err = h.e.ModifyOrder(ctx, queued.ID, "alice", 5)
	assert.ErrorIs(t, err, shareledger.ErrFrozen)
	_, err = h.e.ApproveTransfer(ctx, parked.ID, "admin")
	assert.ErrorIs(t, err, shareledger.ErrFrozen)

	after, err := h.e.GetShare(ctx, share)
	require.NoError(t, err)
	assert.Equal(t, before.FIFOSequence, after.FIFOSequence)
	assert.Equal(t, before.Held, after.Held)
	hd := h.holding(t, "alice")
	assert.Equal(t, int64(200), hd.Quantity)
	assert.Equal(t, int64(70), hd.ReservedForSale)
	assert.Equal(t, model.OrderAwaitingApproval, h.order(t, parked.ID).Status)
	assert.Equal(t, int64(10), h.order(t, queued.ID).Quantity)
	_, err = h.e.GetHolding(ctx, "bob", share)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRecover_ResolvesPendingIntents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stale := &settlement.Intent{ID: "never-applied", OrderID: "o1", ShareID: share, Quantity: 5}
	require.NoError(t, h.journal.Prepare(stale))
	require.NoError(t, h.ms.InTx(ctx, func(tx store.Tx) error {
		return tx.SaveBatch(ctx, &model.SettlementBatch{ID: "b1", ShareID: share, Status: model.BatchRunning, StartedAt: h.clk.now()})
	}))

	require.NoError(t, h.e.Recover(ctx))
	assert.Empty(t, h.journal.Pending())
	b, err := h.ms.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, model.BatchFailed, b.Status)
}

func TestCancelSell_ReleasesEscrowKeepsPositions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	orders := h.seedSellers(t, map[string]int64{"s1": 10, "s2": 10, "s3": 10}, []string{"s1", "s2", "s3"})

	cancelled, err := h.e.CancelOrder(ctx, orders["s2"].ID, "s2")
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, cancelled.Status)
	assert.Zero(t, h.holding(t, "s2").ReservedForSale)

	queue, err := h.e.QueuedOrders(ctx, share, 0)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, int64(1), queue[0].FIFOPosition)
	assert.Equal(t, int64(3), queue[1].FIFOPosition)

	_, err = h.e.CancelOrder(ctx, orders["s2"].ID, "s2")
	assert.ErrorIs(t, err, model.ErrInvalidState)
	_, err = h.e.CancelOrder(ctx, orders["s1"].ID, "someone-else")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestModifySell_IncreaseRequeuesDecreaseKeepsSeniority(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	orders := h.seedSellers(t, map[string]int64{"s1": 10, "s2": 10}, []string{"s1", "s2"})

	o, err := h.e.ModifyOrder(ctx, orders["s1"].ID, "s1", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), o.FIFOPosition)
	assert.Equal(t, int64(5), h.holding(t, "s1").ReservedForSale)

	o, err = h.e.ModifyOrder(ctx, orders["s1"].ID, "s1", 20)
	require.NoError(t, err)
	assert.Equal(t, int64(3), o.FIFOPosition)
	assert.Equal(t, int64(20), o.RemainingQuantity)

	queue, err := h.e.QueuedOrders(ctx, share, 0)
	require.NoError(t, err)
	assert.Equal(t, orders["s2"].ID, queue[0].ID)

	events, err := h.e.OrderEvents(ctx, orders["s1"].ID)
	require.NoError(t, err)
	var types []model.OrderEventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []model.OrderEventType{
		model.EventAdmitted, model.EventModified, model.EventModified, model.EventRequeued,
	}, types)

	// Beyond the holding.
	_, err = h.e.ModifyOrder(ctx, orders["s1"].ID, "s1", 51)
	assert.ErrorIs(t, err, model.ErrInsufficientShares)
}

func TestBooking_ProgressiveOwnership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.deposit(t, "bob", "100000")

	o := h.submit(t, intake.Request{Kind: model.KindBooking, UserID: "bob", ShareID: share, Quantity: 50})
	assert.Equal(t, model.OrderPending, o.Status)
	assert.True(t, o.CumulativePayments.Equal(dec("10000")))
	assert.True(t, o.PaymentPercentage.Equal(dec("20")))
	assert.Equal(t, int64(10), o.ProcessedQuantity)

	hd := h.holding(t, "bob")
	assert.Equal(t, int64(10), hd.Quantity)
	assert.Equal(t, int64(40), hd.PendingQuantity)
	h.assertConserved(t)

	o, err := h.e.PayBooking(ctx, o.ID, "bob", dec("15000"))
	require.NoError(t, err)
	assert.Equal(t, int64(25), o.ProcessedQuantity)

	_, err = h.e.PayBooking(ctx, o.ID, "bob", dec("30000"))
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, model.RuleDownPayment, ve.Rule)

	o, err = h.e.PayBooking(ctx, o.ID, "bob", dec("25000"))
	require.NoError(t, err)
	assert.Equal(t, model.OrderCompleted, o.Status)
	assert.Equal(t, int64(50), o.ProcessedQuantity)
	assert.True(t, o.FeeAmount.Equal(dec("500")))

	hd = h.holding(t, "bob")
	assert.Equal(t, int64(50), hd.Quantity)
	assert.Zero(t, hd.PendingQuantity)
	assert.Equal(t, model.HoldingTradeable, hd.Status)

	sh, err := h.e.GetShare(ctx, share)
	require.NoError(t, err)
	assert.Zero(t, sh.Reserved)
	assert.Equal(t, int64(50), sh.Held)
	h.assertConserved(t)
}

func TestBooking_ExpiryKeepsVestedShares(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.deposit(t, "bob", "20000")
	o := h.submit(t, intake.Request{Kind: model.KindBooking, UserID: "bob", ShareID: share, Quantity: 50})

	n, err := h.e.ExpireBookings(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clk.advance(31 * 24 * time.Hour)
	_, err = h.e.PayBooking(ctx, o.ID, "bob", dec("1000"))
	assert.ErrorIs(t, err, model.ErrInvalidState)

	n, err = h.e.ExpireBookings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	o = h.order(t, o.ID)
	assert.Equal(t, model.OrderExpired, o.Status)
	hd := h.holding(t, "bob")
	assert.Equal(t, int64(10), hd.Quantity)
	assert.Zero(t, hd.PendingQuantity)

	sh, err := h.e.GetShare(ctx, share)
	require.NoError(t, err)
	assert.Equal(t, int64(10000-10), sh.Available)
	assert.Zero(t, sh.Reserved)
	h.assertConserved(t)
}

func TestTransfer_ApprovalFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.deposit(t, "alice", "300000")
	h.submit(t, buy("alice", 200))

	transfer := func(qty int64) intake.Request {
		return intake.Request{Kind: model.KindTransfer, UserID: "alice", ShareID: share, Quantity: qty, RecipientID: "bob"}
	}

	small := h.submit(t, transfer(10))
	assert.Equal(t, model.OrderCompleted, small.Status)
	assert.Equal(t, int64(10), h.holding(t, "bob").Quantity)
	assert.True(t, h.holding(t, "bob").AverageCost.Equal(dec("1000")))

	big := h.submit(t, transfer(60))
	assert.Equal(t, model.OrderAwaitingApproval, big.Status)
	assert.Equal(t, int64(130), h.holding(t, "alice").Tradable())

	_, err := h.e.ApproveTransfer(ctx, big.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(130), h.holding(t, "alice").Quantity)
	assert.Equal(t, int64(70), h.holding(t, "bob").Quantity)

	again := h.submit(t, transfer(60))
	require.Equal(t, model.OrderAwaitingApproval, again.Status)
	rejected, err := h.e.RejectTransfer(ctx, again.ID, "suspicious")
	require.NoError(t, err)
	assert.Equal(t, model.OrderRejected, rejected.Status)
	assert.Equal(t, int64(130), h.holding(t, "alice").Tradable())

	_, err = h.e.ApproveTransfer(ctx, again.ID, "admin")
	assert.ErrorIs(t, err, model.ErrInvalidState)

	sh, err := h.e.GetShare(ctx, share)
	require.NoError(t, err)
	assert.Equal(t, int64(200), sh.Held, "transfers leave the buckets alone")
	h.assertConserved(t)
}

func TestRecomputePrice_CircuitBreakerHaltsIntake(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.deposit(t, "alice", "100000")

	_, err := h.e.RecomputePrice(ctx, share, pricing.MethodManual, model.PriceFactors{ManualPrice: dec("1350")})
	require.ErrorIs(t, err, model.ErrMarketHalted)

	snap, err := h.e.GetCurrentPrice(ctx, share)
	require.NoError(t, err)
	assert.True(t, snap.Price.Equal(dec("1000")))

	ms, err := h.e.MarketState(ctx, share)
	require.NoError(t, err)
	assert.True(t, ms.TradingHalted)
	assert.NotEmpty(t, ms.HaltReason)
	assert.Equal(t, 1, h.pub.count(settlement.FactMarket))

	_, err = h.e.SubmitOrder(ctx, buy("alice", 50))
	assert.ErrorIs(t, err, model.ErrMarketHalted)

	_, err = h.e.SetMarketState(ctx, share, false, "")
	require.NoError(t, err)
	snap, err = h.e.RecomputePrice(ctx, share, pricing.MethodManual, model.PriceFactors{ManualPrice: dec("1050")})
	require.NoError(t, err)
	assert.True(t, snap.Price.Equal(dec("1050")))
	assert.Equal(t, 1, h.pub.count(settlement.FactPrice))
}

func TestFatalInvariant_FreezesShareAndRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.deposit(t, "alice", "100000")

	// Corrupt the buckets behind the ledger's back.
	require.NoError(t, h.ms.InTx(ctx, func(tx store.Tx) error {
		sh, err := tx.LockShare(ctx, share)
		if err != nil {
			return err
		}
		sh.Held++
		return tx.UpdateShare(ctx, sh)
	}))

	_, err := h.e.SubmitOrder(ctx, buy("alice", 50))
	require.ErrorIs(t, err, model.ErrFatalInvariant)
	assert.True(t, h.balance(t, model.WalletID("alice", "USD")).Equal(dec("100000")), "debit must roll back")

	sh, err := h.e.GetShare(ctx, share)
	require.NoError(t, err)
	assert.True(t, sh.Frozen)

	_, err = h.e.SubmitOrder(ctx, buy("alice", 50))
	assert.ErrorIs(t, err, shareledger.ErrFrozen)
}

func TestReconcileShares_CorrectsHeldDrift(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.deposit(t, "alice", "100000")
	h.submit(t, buy("alice", 50))

	require.NoError(t, h.ms.InTx(ctx, func(tx store.Tx) error {
		sh, err := tx.LockShare(ctx, share)
		if err != nil {
			return err
		}
		sh.Held += 5
		sh.Available -= 5
		return tx.UpdateShare(ctx, sh)
	}))

	drifts, err := h.e.ReconcileShares(ctx)
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	assert.Equal(t, model.BucketHeld, drifts[0].Bucket)
	assert.Equal(t, int64(55), drifts[0].Recorded)
	assert.Equal(t, int64(50), drifts[0].Actual)
	h.assertConserved(t)

	drifts, err = h.e.ReconcileShares(ctx)
	require.NoError(t, err)
	assert.Empty(t, drifts)
}

func TestReleaseBoughtBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSellers(t, map[string]int64{"s1": 10}, []string{"s1"})
	h.fundBuyback(t, "50000")
	_, err := h.e.RunSellSettlementBatch(ctx, settlement.BatchRequest{ShareID: share})
	require.NoError(t, err)

	sh, err := h.e.ReleaseBoughtBack(ctx, share, 10)
	require.NoError(t, err)
	assert.Zero(t, sh.BoughtBack)

	_, err = h.e.ReleaseBoughtBack(ctx, share, 1)
	assert.ErrorIs(t, err, model.ErrInsufficientShares)
	h.assertConserved(t)
}

func TestReverseTransaction_StandaloneGroupsOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := model.WalletID("alice", "USD")

	corr, err := h.e.Deposit(ctx, "alice", "USD", dec("500"))
	require.NoError(t, err)
	legs, err := h.e.ReverseTransaction(ctx, corr, "bank chargeback")
	require.NoError(t, err)
	require.Len(t, legs, 2)
	for _, l := range legs {
		assert.Equal(t, model.TxReversed, l.Status)
	}
	assert.True(t, h.balance(t, alice).IsZero())

	_, err = h.e.ReverseTransaction(ctx, corr, "again")
	assert.ErrorIs(t, err, model.ErrInvalidState)
	_, err = h.e.ReverseTransaction(ctx, "no-such-group", "")
	assert.ErrorIs(t, err, model.ErrNotFound)

	// A deposit already spent cannot be taken back.
	spent, err := h.e.Deposit(ctx, "alice", "USD", dec("60000"))
	require.NoError(t, err)
	h.submit(t, buy("alice", 50))
	_, err = h.e.ReverseTransaction(ctx, spent, "chargeback")
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)

	txs, err := h.e.Transactions(ctx, alice)
	require.NoError(t, err)
	var buyCorr string
	for _, tx := range txs {
		if tx.OrderID != "" {
			buyCorr = tx.CorrelationID
		}
	}
	require.NotEmpty(t, buyCorr)
	_, err = h.e.ReverseTransaction(ctx, buyCorr, "")
	assert.ErrorIs(t, err, model.ErrInvalidState)

	topUp, err := h.e.TopUpFund(ctx, model.FundBuyback, "USD", dec("1000"))
	require.NoError(t, err)
	fund := h.balance(t, model.FundWalletID(model.FundBuyback, "USD"))
	_, err = h.e.ReverseTransaction(ctx, topUp, "entered twice")
	require.NoError(t, err)
	assert.True(t, fund.Sub(h.balance(t, model.FundWalletID(model.FundBuyback, "USD"))).Equal(dec("1000")))
	h.assertConserved(t)
}

func TestAdjustShares_IssueAndRetire(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sh, err := h.e.AdjustShares(ctx, share, 500, "second tranche")
	require.NoError(t, err)
	assert.Equal(t, int64(10500), sh.Total)
	assert.Equal(t, int64(10500), sh.Available)

	sh, err = h.e.AdjustShares(ctx, share, -1500, "retired")
	require.NoError(t, err)
	assert.Equal(t, int64(9000), sh.Total)

	_, err = h.e.AdjustShares(ctx, share, -9001, "")
	assert.ErrorIs(t, err, model.ErrInsufficientShares)
	_, err = h.e.AdjustShares(ctx, share, 0, "")
	assert.ErrorIs(t, err, model.ErrValidation)

	got, err := h.e.GetShare(ctx, share)
	require.NoError(t, err)
	assert.Equal(t, int64(9000), got.Total)
	assert.False(t, got.Frozen)
	h.assertConserved(t)
}

func TestConcurrentBuysConserve(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	users := []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8"}
	for _, u := range users {
		h.deposit(t, u, "120000")
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(users)*2)
	for _, u := range users {
		for _, qty := range []int64{50, 60} {
			wg.Add(1)
			go func(u string, qty int64) {
				defer wg.Done()
				_, err := h.e.SubmitOrder(ctx, buy(u, qty))
				errs <- err
			}(u, qty)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	sh, err := h.e.GetShare(ctx, share)
	require.NoError(t, err)
	assert.Equal(t, int64(len(users)*110), sh.Held)
	h.assertConserved(t)
}
