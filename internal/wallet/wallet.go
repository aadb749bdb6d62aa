package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/freight-dispatch/internal/apperr"
	"github.com/example/freight-dispatch/internal/config"
	"github.com/example/freight-dispatch/internal/models"
	"github.com/example/freight-dispatch/internal/observability"
	"github.com/example/freight-dispatch/internal/storage"
)

// Service owns every write to Driver.WalletBalance and the status
// transitions balance changes trigger. Each mutation appends one ledger
// row whose BalanceAfter equals the running balance, in the same unit
// of work as the balance update. Mutations for one driver are serialized
// through a per-driver mutex so independent call paths (commission
// charge vs. payment) never interleave read-modify-write sequences.
// The mutex is always taken inside the enclosing transaction, never
// around it, so the transaction and driver locks nest in one order.
type Service struct {
	Store  storage.Store
	Cfg    config.Wallet
	Logger *slog.Logger
	Now    func() time.Time

	mu      sync.Mutex
	drivers map[string]*sync.Mutex
}

func NewService(store storage.Store, cfg config.Wallet, logger *slog.Logger) *Service {
	return &Service{
		Store:   store,
		Cfg:     cfg,
		Logger:  logger,
		Now:     time.Now,
		drivers: make(map[string]*sync.Mutex),
	}
}

func (s *Service) driverMu(driverID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.drivers[driverID]
	if !ok {
		m = &sync.Mutex{}
		s.drivers[driverID] = m
	}
	return m
}

// Tier returns the driver's currently active subscription tier. No
// active subscription defaults to FREE.
func (s *Service) Tier(ctx context.Context, driverID string) (models.SubscriptionTier, error) {
	return s.tierIn(ctx, s.Store, driverID)
}

// tierIn reads the tier through the caller's store handle, so lookups
// made inside a transaction see that transaction's state.
func (s *Service) tierIn(ctx context.Context, st storage.Store, driverID string) (models.SubscriptionTier, error) {
	sub, err := st.ActiveSubscription(ctx, driverID, s.Now())
	if err != nil {
		return "", err
	}
	if sub == nil {
		return models.TierFree, nil
	}
	return sub.Tier, nil
}

func (s *Service) CommissionRate(ctx context.Context, driverID string) (float64, error) {
	tier, err := s.Tier(ctx, driverID)
	if err != nil {
		return 0, err
	}
	return s.rateFor(tier), nil
}

func (s *Service) rateFor(tier models.SubscriptionTier) float64 {
	switch tier {
	case models.TierPremium:
		return s.Cfg.CommissionPremium
	case models.TierPro:
		return s.Cfg.CommissionPro
	default:
		return s.Cfg.CommissionFree
	}
}

// CreditLimit returns the maximum negative balance allowed for the
// driver's active tier.
func (s *Service) CreditLimit(ctx context.Context, driverID string) (float64, error) {
	tier, err := s.Tier(ctx, driverID)
	if err != nil {
		return 0, err
	}
	return s.limitFor(tier), nil
}

func (s *Service) limitFor(tier models.SubscriptionTier) float64 {
	switch tier {
	case models.TierPremium:
		return s.Cfg.CreditLimitPremium
	case models.TierPro:
		return s.Cfg.CreditLimitPro
	default:
		return s.Cfg.CreditLimitFree
	}
}

// WithinCreditLimit reports whether the driver currently satisfies
// balance >= -creditLimit(tier). Used by the matching engines to filter
// candidates.
func (s *Service) WithinCreditLimit(ctx context.Context, d *models.Driver) (bool, error) {
	limit, err := s.CreditLimit(ctx, d.ID)
	if err != nil {
		return false, err
	}
	return d.WithinCreditLimit(limit), nil
}

// ChargeCommission debits the trip commission exactly once. The rate
// comes from the driver's active tier at charge time; the trip's frozen
// fields are filled in the same transaction. A balance below the credit
// limit forces the driver to LIMITED.
func (s *Service) ChargeCommission(ctx context.Context, trip *models.Trip) (*models.WalletTransaction, error) {
	var out *models.WalletTransaction
	err := s.Store.Transact(ctx, func(st storage.Store) error {
		var err error
		out, err = s.ChargeCommissionTx(ctx, st, trip)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ChargeCommissionTx is ChargeCommission against the store handle the
// caller provides, so trip completion can commit the COMPLETED status,
// the ledger append, and the driver update as one unit of work.
func (s *Service) ChargeCommissionTx(ctx context.Context, st storage.Store, trip *models.Trip) (*models.WalletTransaction, error) {
	if trip.CommissionCharged {
		return nil, apperr.InvalidStatef("commission already charged for trip %s", trip.ID)
	}

	mu := s.driverMu(trip.DriverID)
	mu.Lock()
	defer mu.Unlock()

	fresh, err := st.GetTrip(ctx, trip.ID)
	if err != nil {
		return nil, err
	}
	if fresh.CommissionCharged {
		return nil, apperr.InvalidStatef("commission already charged for trip %s", trip.ID)
	}
	driver, err := st.GetDriver(ctx, fresh.DriverID)
	if err != nil {
		return nil, err
	}

	tier, err := s.tierIn(ctx, st, driver.ID)
	if err != nil {
		return nil, err
	}
	rate := s.rateFor(tier)
	amount := fresh.FinalFare * rate

	tx, err := s.appendTx(ctx, st, driver, &models.WalletTransaction{
		Type:        models.TxTripCommission,
		Amount:      -amount,
		TripID:      fresh.ID,
		Description: fmt.Sprintf("commission for trip %s", fresh.ID),
	})
	if err != nil {
		return nil, err
	}

	if !driver.WithinCreditLimit(s.limitFor(tier)) && driver.Status != models.DriverLimited {
		driver.Status = models.DriverLimited
		observability.DriversLimitedTotal.Inc()
		s.Logger.Warn("driver exceeded credit limit", "driver_id", driver.ID, "balance", driver.WalletBalance)
	}
	if err := st.UpdateDriver(ctx, driver); err != nil {
		return nil, err
	}

	fresh.CommissionRate = rate
	fresh.CommissionAmount = amount
	fresh.CommissionCharged = true
	if err := st.UpdateTrip(ctx, fresh); err != nil {
		return nil, err
	}
	*trip = *fresh
	return tx, nil
}

// AddPayment credits a driver payment. A LIMITED driver whose new
// balance satisfies the credit limit is reactivated.
func (s *Service) AddPayment(ctx context.Context, driverID string, amount float64, reference string) (*models.WalletTransaction, error) {
	if amount <= 0 {
		return nil, apperr.Validationf("payment amount must be positive, got %v", amount)
	}
	return s.credit(ctx, driverID, &models.WalletTransaction{
		Type:        models.TxPayment,
		Amount:      amount,
		Reference:   reference,
		Description: "payment " + reference,
	})
}

// AddBonus credits an incentive amount.
func (s *Service) AddBonus(ctx context.Context, driverID string, amount float64, description string) (*models.WalletTransaction, error) {
	if amount <= 0 {
		return nil, apperr.Validationf("bonus amount must be positive, got %v", amount)
	}
	return s.credit(ctx, driverID, &models.WalletTransaction{
		Type:        models.TxBonus,
		Amount:      amount,
		Description: description,
	})
}

// AddPenalty debits a penalty and re-checks the credit limit.
func (s *Service) AddPenalty(ctx context.Context, driverID string, amount float64, description string) (*models.WalletTransaction, error) {
	if amount <= 0 {
		return nil, apperr.Validationf("penalty amount must be positive, got %v", amount)
	}

	var out *models.WalletTransaction
	err := s.Store.Transact(ctx, func(st storage.Store) error {
		mu := s.driverMu(driverID)
		mu.Lock()
		defer mu.Unlock()

		driver, err := st.GetDriver(ctx, driverID)
		if err != nil {
			return err
		}
		tx, err := s.appendTx(ctx, st, driver, &models.WalletTransaction{
			Type:        models.TxPenalty,
			Amount:      -amount,
			Description: description,
		})
		if err != nil {
			return err
		}
		tier, err := s.tierIn(ctx, st, driverID)
		if err != nil {
			return err
		}
		if !driver.WithinCreditLimit(s.limitFor(tier)) && driver.Status != models.DriverLimited {
			driver.Status = models.DriverLimited
			observability.DriversLimitedTotal.Inc()
		}
		if err := st.UpdateDriver(ctx, driver); err != nil {
			return err
		}
		out = tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Balance returns the driver's current wallet balance.
func (s *Service) Balance(ctx context.Context, driverID string) (float64, error) {
	d, err := s.Store.GetDriver(ctx, driverID)
	if err != nil {
		return 0, err
	}
	return d.WalletBalance, nil
}

// History returns the driver's ledger in creation order.
func (s *Service) History(ctx context.Context, driverID string, limit, offset int) ([]*models.WalletTransaction, error) {
	return s.Store.ListWalletTransactions(ctx, driverID, limit, offset)
}

func (s *Service) credit(ctx context.Context, driverID string, template *models.WalletTransaction) (*models.WalletTransaction, error) {
	var out *models.WalletTransaction
	err := s.Store.Transact(ctx, func(st storage.Store) error {
		mu := s.driverMu(driverID)
		mu.Lock()
		defer mu.Unlock()

		driver, err := st.GetDriver(ctx, driverID)
		if err != nil {
			return err
		}
		tx, err := s.appendTx(ctx, st, driver, template)
		if err != nil {
			return err
		}
		if driver.Status == models.DriverLimited {
			tier, err := s.tierIn(ctx, st, driverID)
			if err != nil {
				return err
			}
			if driver.WithinCreditLimit(s.limitFor(tier)) {
				driver.Status = models.DriverActive
				s.Logger.Info("driver reactivated", "driver_id", driver.ID, "balance", driver.WalletBalance)
			}
		}
		if err := st.UpdateDriver(ctx, driver); err != nil {
			return err
		}
		out = tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// appendTx fills in the ledger row, appends it, and moves the driver's
// balance to BalanceAfter. The caller persists the driver.
func (s *Service) appendTx(ctx context.Context, st storage.Store, driver *models.Driver, tx *models.WalletTransaction) (*models.WalletTransaction, error) {
	tx.ID = uuid.New().String()
	tx.DriverID = driver.ID
	tx.BalanceAfter = driver.WalletBalance + tx.Amount
	tx.CreatedAt = s.Now()
	if err := st.AppendWalletTransaction(ctx, tx); err != nil {
		return nil, err
	}
	driver.WalletBalance = tx.BalanceAfter
	observability.WalletTransactionsTotal.WithLabelValues(string(tx.Type)).Inc()
	return tx, nil
}
