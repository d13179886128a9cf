// Package credit implements the credit quota ledger: the consumable balance
// generation tasks draw from. The quota refills to a fixed daily amount at a
// configured hour; unspent credits do not carry over.
//
// Every operation creates matched DEBIT/CREDIT entries between the pool and
// the balance account. SUM(debits) == SUM(credits) is an invariant.
package credit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tutu-network/conductor/internal/domain"
	"github.com/tutu-network/conductor/internal/infra/oracle"
	"github.com/tutu-network/conductor/internal/infra/sqlite"
)

const metaLastReset = "quota_last_reset"

// Config sets the daily quota. DailyQuota <= 0 disables scheduled resets.
type Config struct {
	DailyQuota int64
	ResetHour  int            // 0-23, in Location
	Location   *time.Location // default time.Local
}

// Service manages the credit quota.
type Service struct {
	mu     sync.Mutex
	db     *sqlite.DB
	config Config
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now for ledger timestamps and reset scheduling.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a credit service.
func NewService(db *sqlite.DB, cfg Config, opts ...Option) *Service {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.ResetHour < 0 || cfg.ResetHour > 23 {
		cfg.ResetHour = 0
	}
	s := &Service{db: db, config: cfg, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "credit")
	return s
}

// Balance returns the current quota balance.
func (s *Service) Balance() (int64, error) {
	return s.db.CreditBalance(domain.AccountBalance)
}

// Grant adds credits to the balance outside the daily schedule.
func (s *Service) Grant(amount int64, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("%w: got %d", domain.ErrNonPositiveAmount, amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferLocked(domain.TxGrant, domain.AccountPool, domain.AccountBalance, amount, "", reason)
}

// Spend consumes credits on behalf of a task.
func (s *Service) Spend(amount int64, taskID, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("%w: got %d", domain.ErrNonPositiveAmount, amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	bal, err := s.db.CreditBalance(domain.AccountBalance)
	if err != nil {
		return fmt.Errorf("get balance: %w", err)
	}
	if bal < amount {
		return fmt.Errorf("%w: have %d, need %d", domain.ErrInsufficientCredits, bal, amount)
	}
	return s.transferLocked(domain.TxSpend, domain.AccountBalance, domain.AccountPool, amount, taskID, reason)
}

// History returns recent balance entries, newest first.
func (s *Service) History(limit int) ([]domain.LedgerEntry, error) {
	return s.db.LedgerEntries(domain.AccountBalance, limit)
}

// transferLocked debits from and credits to in one transaction.
func (s *Service) transferLocked(tx domain.TxType, from, to string, amount int64, taskID, reason string) error {
	fromBal, err := s.db.CreditBalance(from)
	if err != nil {
		return fmt.Errorf("get %s balance: %w", from, err)
	}
	toBal, err := s.db.CreditBalance(to)
	if err != nil {
		return fmt.Errorf("get %s balance: %w", to, err)
	}

	now := s.now()
	err = s.db.InsertLedgerEntries(
		domain.LedgerEntry{
			Timestamp:   now,
			Type:        tx,
			EntryType:   domain.EntryDebit,
			Account:     from,
			Amount:      amount,
			TaskID:      taskID,
			Description: reason,
			Balance:     fromBal - amount,
		},
		domain.LedgerEntry{
			Timestamp:   now,
			Type:        tx,
			EntryType:   domain.EntryCredit,
			Account:     to,
			Amount:      amount,
			TaskID:      taskID,
			Description: reason,
			Balance:     toBal + amount,
		},
	)
	if err != nil {
		return fmt.Errorf("record %s: %w", tx, err)
	}
	return nil
}

// ─── Scheduled Reset ────────────────────────────────────────────────────────

// lastBoundary returns the most recent reset instant at or before now.
func (s *Service) lastBoundary(now time.Time) time.Time {
	local := now.In(s.config.Location)
	b := time.Date(local.Year(), local.Month(), local.Day(), s.config.ResetHour, 0, 0, 0, s.config.Location)
	if b.After(local) {
		b = b.AddDate(0, 0, -1)
	}
	return b
}

// NextReset returns the next reset instant after now, or zero when resets
// are disabled.
func (s *Service) NextReset(now time.Time) time.Time {
	if s.config.DailyQuota <= 0 {
		return time.Time{}
	}
	return s.lastBoundary(now).AddDate(0, 0, 1)
}

// ResetIfDue sets the balance back to DailyQuota if no reset happened since
// the latest boundary. It reports whether a reset was applied.
func (s *Service) ResetIfDue(now time.Time) (bool, error) {
	if s.config.DailyQuota <= 0 {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	boundary := s.lastBoundary(now)
	raw, err := s.db.GetMeta(metaLastReset)
	if err != nil {
		return false, fmt.Errorf("read last reset: %w", err)
	}
	if raw != "" {
		last, err := time.Parse(time.RFC3339, raw)
		if err == nil && !last.Before(boundary) {
			return false, nil
		}
	}

	bal, err := s.db.CreditBalance(domain.AccountBalance)
	if err != nil {
		return false, fmt.Errorf("get balance: %w", err)
	}
	reason := fmt.Sprintf("daily quota reset to %d", s.config.DailyQuota)
	switch diff := s.config.DailyQuota - bal; {
	case diff > 0:
		err = s.transferLocked(domain.TxReset, domain.AccountPool, domain.AccountBalance, diff, "", reason)
	case diff < 0:
		err = s.transferLocked(domain.TxReset, domain.AccountBalance, domain.AccountPool, -diff, "", reason)
	}
	if err != nil {
		return false, err
	}
	if err := s.db.SetMeta(metaLastReset, boundary.UTC().Format(time.RFC3339)); err != nil {
		return false, fmt.Errorf("record reset: %w", err)
	}
	s.logger.Info("credit quota reset", "previous", bal, "quota", s.config.DailyQuota, "boundary", boundary)
	return true, nil
}

// ─── Oracle Source ──────────────────────────────────────────────────────────

// OracleSource adapts the service to the availability oracle. Each pull
// applies a due reset first, so the oracle observes the refilled quota.
func (s *Service) OracleSource() oracle.Source {
	return quotaSource{s}
}

type quotaSource struct{ s *Service }

func (q quotaSource) Balance(ctx context.Context) (int64, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return 0, time.Time{}, err
	}
	now := q.s.now()
	if _, err := q.s.ResetIfDue(now); err != nil {
		return 0, time.Time{}, err
	}
	bal, err := q.s.Balance()
	if err != nil {
		return 0, time.Time{}, err
	}
	return bal, q.s.NextReset(now), nil
}
