package wallet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/example/freight-dispatch/internal/apperr"
	"github.com/example/freight-dispatch/internal/config"
	"github.com/example/freight-dispatch/internal/models"
	"github.com/example/freight-dispatch/internal/storage"
)

func testService(t *testing.T) (*Service, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	cfg := config.Wallet{
		CommissionFree: 0.15, CommissionPro: 0.10, CommissionPremium: 0.05,
		CreditLimitFree: 500, CreditLimitPro: 1000, CreditLimitPremium: 2000,
	}
	return NewService(store, cfg, slog.New(slog.NewTextHandler(io.Discard, nil))), store
}

func seedDriver(t *testing.T, store *storage.MemoryStore, id string, balance float64) *models.Driver {
	t.Helper()
	d := &models.Driver{ID: id, Status: models.DriverActive, WalletBalance: balance, CreatedAt: time.Now()}
	if err := store.CreateDriver(context.Background(), d); err != nil {
		t.Fatalf("seed driver: %v", err)
	}
	return d
}

func seedTrip(t *testing.T, store *storage.MemoryStore, id, driverID string, finalFare float64) *models.Trip {
	t.Helper()
	trip := &models.Trip{
		ID: id, TripRequestID: "req-" + id, RequesterID: "u1", DriverID: driverID,
		FinalFare: finalFare, Status: models.TripCompleted, CreatedAt: time.Now(),
	}
	if err := store.CreateTrip(context.Background(), trip); err != nil {
		t.Fatalf("seed trip: %v", err)
	}
	return trip
}

func TestChargeCommissionFreeTier(t *testing.T) {
	svc, store := testService(t)
	seedDriver(t, store, "d1", 0)
	trip := seedTrip(t, store, "t1", "d1", 4000)

	tx, err := svc.ChargeCommission(context.Background(), trip)
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if tx.Amount != -600 {
		t.Fatalf("amount = %v, want -600", tx.Amount)
	}
	if tx.BalanceAfter != -600 {
		t.Fatalf("balance_after = %v, want -600", tx.BalanceAfter)
	}
	if !trip.CommissionCharged || trip.CommissionRate != 0.15 || trip.CommissionAmount != 600 {
		t.Fatalf("trip commission fields not frozen: %+v", trip)
	}

	// -600 < -500, FREE limit exceeded
	d, _ := store.GetDriver(context.Background(), "d1")
	if d.Status != models.DriverLimited {
		t.Fatalf("driver status = %s, want LIMITED", d.Status)
	}
}

func TestChargeCommissionIdempotent(t *testing.T) {
	svc, store := testService(t)
	seedDriver(t, store, "d1", 1000)
	trip := seedTrip(t, store, "t1", "d1", 100)

	if _, err := svc.ChargeCommission(context.Background(), trip); err != nil {
		t.Fatalf("first charge: %v", err)
	}
	if _, err := svc.ChargeCommission(context.Background(), trip); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("second charge err = %v, want invalid state", err)
	}
	if b, _ := svc.Balance(context.Background(), "d1"); b != 985 {
		t.Fatalf("balance = %v, want 985", b)
	}
}

func TestChargeCommissionUsesActiveTier(t *testing.T) {
	svc, store := testService(t)
	seedDriver(t, store, "d1", 0)
	trip := seedTrip(t, store, "t1", "d1", 1000)

	err := store.CreateSubscription(context.Background(), &models.Subscription{
		ID: "s1", DriverID: "d1", Tier: models.TierPro,
		Status: models.SubscriptionActive, StartsAt: time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	tx, err := svc.ChargeCommission(context.Background(), trip)
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if tx.Amount != -100 {
		t.Fatalf("amount = %v, want -100 at PRO rate", tx.Amount)
	}
	// PRO limit is 1000; -100 is fine
	d, _ := store.GetDriver(context.Background(), "d1")
	if d.Status != models.DriverActive {
		t.Fatalf("driver status = %s, want ACTIVE", d.Status)
	}
}

func TestPaymentReactivatesLimitedDriver(t *testing.T) {
	svc, store := testService(t)
	seedDriver(t, store, "d1", 0)
	trip := seedTrip(t, store, "t1", "d1", 4000)

	if _, err := svc.ChargeCommission(context.Background(), trip); err != nil {
		t.Fatalf("charge: %v", err)
	}

	tx, err := svc.AddPayment(context.Background(), "d1", 200, "mpesa-123")
	if err != nil {
		t.Fatalf("payment: %v", err)
	}
	if tx.BalanceAfter != -400 {
		t.Fatalf("balance_after = %v, want -400", tx.BalanceAfter)
	}
	d, _ := store.GetDriver(context.Background(), "d1")
	if d.Status != models.DriverActive {
		t.Fatalf("driver status = %s, want ACTIVE after settling", d.Status)
	}
}

func TestPaymentBelowLimitStaysLimited(t *testing.T) {
	svc, store := testService(t)
	seedDriver(t, store, "d1", 0)
	trip := seedTrip(t, store, "t1", "d1", 8000) // -1200

	if _, err := svc.ChargeCommission(context.Background(), trip); err != nil {
		t.Fatalf("charge: %v", err)
	}
	if _, err := svc.AddPayment(context.Background(), "d1", 100, "ref"); err != nil {
		t.Fatalf("payment: %v", err)
	}
	d, _ := store.GetDriver(context.Background(), "d1")
	if d.Status != models.DriverLimited {
		t.Fatalf("driver status = %s, want still LIMITED at balance %v", d.Status, d.WalletBalance)
	}
}

func TestAmountValidation(t *testing.T) {
	svc, store := testService(t)
	seedDriver(t, store, "d1", 0)

	if _, err := svc.AddPayment(context.Background(), "d1", 0, "r"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("zero payment err = %v, want validation", err)
	}
	if _, err := svc.AddBonus(context.Background(), "d1", -5, "b"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("negative bonus err = %v, want validation", err)
	}
	if _, err := svc.AddPenalty(context.Background(), "d1", -5, "p"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("negative penalty err = %v, want validation", err)
	}
}

// Every ledger row's BalanceAfter must equal the running sum of amounts,
// and the driver's balance must equal the last row.
func TestLedgerReplay(t *testing.T) {
	svc, store := testService(t)
	seedDriver(t, store, "d1", 0)
	ctx := context.Background()

	if _, err := svc.AddPayment(ctx, "d1", 300, "r1"); err != nil {
		t.Fatalf("payment: %v", err)
	}
	if _, err := svc.AddPenalty(ctx, "d1", 50, "late cancel"); err != nil {
		t.Fatalf("penalty: %v", err)
	}
	if _, err := svc.AddBonus(ctx, "d1", 25, "referral"); err != nil {
		t.Fatalf("bonus: %v", err)
	}
	trip := seedTrip(t, store, "t1", "d1", 1000)
	if _, err := svc.ChargeCommission(ctx, trip); err != nil {
		t.Fatalf("charge: %v", err)
	}

	txs, err := svc.History(ctx, "d1", 100, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(txs) != 4 {
		t.Fatalf("ledger rows = %d, want 4", len(txs))
	}
	running := 0.0
	for _, tx := range txs {
		running += tx.Amount
		if math.Abs(tx.BalanceAfter-running) > 1e-9 {
			t.Fatalf("tx %s balance_after = %v, replay gives %v", tx.ID, tx.BalanceAfter, running)
		}
	}
	balance, _ := svc.Balance(ctx, "d1")
	if math.Abs(balance-running) > 1e-9 {
		t.Fatalf("driver balance = %v, ledger sum = %v", balance, running)
	}
}

// txOnlyStore rejects subscription reads that bypass the transaction
// handle, the way a session-bound connection would.
type txOnlyStore struct {
	storage.Store
	inTx bool
}

func (g *txOnlyStore) ActiveSubscription(ctx context.Context, driverID string, at time.Time) (*models.Subscription, error) {
	if !g.inTx {
		return nil, errors.New("subscription read outside transaction")
	}
	return g.Store.ActiveSubscription(ctx, driverID, at)
}

func (g *txOnlyStore) Transact(ctx context.Context, fn func(storage.Store) error) error {
	return g.Store.Transact(ctx, func(storage.Store) error {
		return fn(&txOnlyStore{Store: g.Store, inTx: true})
	})
}

func TestTierReadsUseTransactionHandle(t *testing.T) {
	mem := storage.NewMemoryStore()
	cfg := config.Wallet{
		CommissionFree: 0.15, CommissionPro: 0.10, CommissionPremium: 0.05,
		CreditLimitFree: 500, CreditLimitPro: 1000, CreditLimitPremium: 2000,
	}
	svc := NewService(&txOnlyStore{Store: mem}, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	seedDriver(t, mem, "d1", 0)
	trip := seedTrip(t, mem, "t1", "d1", 4000)
	if _, err := svc.ChargeCommission(ctx, trip); err != nil {
		t.Fatalf("charge: %v", err)
	}

	// The reactivation check inside AddPayment reads the tier; it must
	// go through the same handle as the balance write.
	if _, err := svc.AddPayment(ctx, "d1", 200, "mpesa-999"); err != nil {
		t.Fatalf("payment: %v", err)
	}
	d, _ := mem.GetDriver(ctx, "d1")
	if d.Status != models.DriverActive {
		t.Fatalf("driver status = %s, want ACTIVE after settling", d.Status)
	}

	if _, err := svc.AddPenalty(ctx, "d1", 50, "late cancellation"); err != nil {
		t.Fatalf("penalty: %v", err)
	}
}
