// Package budget implements the daily spend ledger with the
// reserve-then-reconcile protocol.
//
// The reservation is the blocking gate: it is taken against the atomic
// counter before the upstream model is ever touched. The commit records
// truth once the real cost is known, and the refund (explicit or automatic
// on expiry) guarantees that abandoned reservations never consume budget
// past their grace window.
package budget

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/inference-gateway/internal/core"
)

// Telemetry markers emitted through the OnMarker callback.
const (
	MarkerOverrunClamped = "budget_overrun_clamped"
	MarkerAutoRefunded   = "reservation_auto_refunded"
)

// Reservation is the short-lived token returned by Reserve. It has exactly
// one terminal transition: committed, refunded, or expired.
type Reservation struct {
	ID           string
	UserID       string
	AmountMicros int64
	ExpiresAt    time.Time

	key string // counter key the amount was charged against
}

// Config tunes the ledger. All monetary amounts are micro-units.
type Config struct {
	// DailyCapMicros is the per-user daily spend ceiling.
	DailyCapMicros int64

	// Grace is how long a reservation may stay unreconciled before the
	// sweeper reclaims it. Bounds the damage of a crashed handler.
	Grace time.Duration

	// OverrunSlackPercent is how far a commit may exceed its reservation
	// before the ledger clamps. Tolerates cost-estimate drift.
	OverrunSlackPercent int64

	// SweepInterval drives the background reclaim ticker. Zero disables
	// the sweeper; expired reservations are then only reclaimed lazily.
	SweepInterval time.Duration

	// OnMarker receives telemetry markers (clamped overruns, auto-refunds).
	OnMarker func(marker, userID string, amountMicros int64)

	// Now is swappable for expiry tests.
	Now func() time.Time
}

// Ledger gates spend per (user, UTC day). Reservations live in an
// in-process table; the shared counter holds the authoritative totals.
type Ledger struct {
	counter Counter
	cfg     Config
	logger  *log.Logger

	mu           sync.Mutex
	reservations map[string]*Reservation

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// NewLedger builds a ledger over the given counter and starts the reclaim
// sweeper when configured.
func NewLedger(counter Counter, cfg Config) *Ledger {
	if cfg.Grace <= 0 {
		cfg.Grace = 2 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	l := &Ledger{
		counter:      counter,
		cfg:          cfg,
		logger:       log.New(log.Writer(), "[BudgetLedger] ", log.LstdFlags),
		reservations: make(map[string]*Reservation),
		stopSweep:    make(chan struct{}),
		sweepDone:    make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		go l.sweepLoop()
	} else {
		close(l.sweepDone)
	}

	return l
}

// Stop halts the background sweeper. Safe to call once.
func (l *Ledger) Stop() {
	if l.cfg.SweepInterval > 0 {
		close(l.stopSweep)
		<-l.sweepDone
	}
}

// Key returns the counter key for a user on the given day.
func Key(userID string, day time.Time) string {
	return fmt.Sprintf("budget:%s:%s", day.UTC().Format("2006-01-02"), userID)
}

// Reserve atomically charges amountMicros against the user's daily counter.
// On success the caller owns the returned reservation and must settle it
// with Commit or Refund before ExpiresAt.
func (l *Ledger) Reserve(ctx context.Context, userID string, amountMicros int64) (*Reservation, error) {
	if amountMicros < 0 {
		return nil, core.Errf(core.KindValidationFailed, "reservation amount cannot be negative")
	}

	now := l.cfg.Now()
	key := Key(userID, now)

	// Reclaim anything expired on this key first so a crashed handler
	// cannot starve its own user for the rest of the day.
	l.reclaimExpired(ctx, key)

	_, ok, err := l.counter.IncrementIfBelow(ctx, key, amountMicros, l.cfg.DailyCapMicros)
	if err != nil {
		// Fail closed: an unreachable counter is never a free pass.
		metrics.reserveErrors.Inc()
		return nil, core.Wrap(core.KindUnavailable, "budget service unavailable", err)
	}
	if !ok {
		metrics.reserveDenied.Inc()
		return nil, core.NewError(core.KindBudgetExceeded, "Daily budget limit exceeded.")
	}

	res := &Reservation{
		ID:           uuid.NewString(),
		UserID:       userID,
		AmountMicros: amountMicros,
		ExpiresAt:    now.Add(l.cfg.Grace),
		key:          key,
	}

	l.mu.Lock()
	l.reservations[res.ID] = res
	l.mu.Unlock()

	metrics.reserved.Inc()
	return res, nil
}

// Settlement reports how a commit reconciled against its reservation.
// Marker is MarkerOverrunClamped when the actual cost exceeded the slack
// and was clamped, empty otherwise.
type Settlement struct {
	ChargedMicros int64
	Marker        string
}

// Commit settles a reservation with the actual cost. Undershoot is released
// back to the counter; overshoot is honored up to the configured slack and
// clamped beyond it. A reservation that was already settled (or swept by
// the auto-refund) reports NotFound and leaves the counter untouched.
func (l *Ledger) Commit(ctx context.Context, reservationID string, actualMicros int64) (*Settlement, error) {
	if actualMicros < 0 {
		actualMicros = 0
	}

	res := l.take(reservationID)
	if res == nil {
		return nil, core.Errf(core.KindNotFound, "reservation %s not found or already settled", reservationID)
	}

	settlement := &Settlement{ChargedMicros: actualMicros}
	if actualMicros > res.AmountMicros {
		slack := res.AmountMicros * l.cfg.OverrunSlackPercent / 100
		if actualMicros > res.AmountMicros+slack {
			settlement.ChargedMicros = res.AmountMicros + slack
			settlement.Marker = MarkerOverrunClamped
			metrics.overrunClamped.Inc()
			l.logger.Printf("⚠️  Commit overran reservation %s beyond slack (actual=%dµ reserved=%dµ), clamped to %dµ",
				res.ID, actualMicros, res.AmountMicros, settlement.ChargedMicros)
			l.marker(MarkerOverrunClamped, res.UserID, actualMicros-settlement.ChargedMicros)
		}
	}

	charged := settlement.ChargedMicros
	var err error
	switch {
	case charged < res.AmountMicros:
		err = l.counter.DecrementFloor(ctx, res.key, res.AmountMicros-charged)
	case charged > res.AmountMicros:
		// The served response already cost this much; charge it even if
		// it pushes the day over the cap.
		_, _, err = l.counter.IncrementIfBelow(ctx, res.key, charged-res.AmountMicros, math.MaxInt64)
	}
	if err != nil {
		return nil, core.Wrap(core.KindUnavailable, "budget reconciliation failed", err)
	}

	metrics.committed.Inc()
	return settlement, nil
}

// Refund releases the full reservation back to the counter.
func (l *Ledger) Refund(ctx context.Context, reservationID string) error {
	res := l.take(reservationID)
	if res == nil {
		return core.Errf(core.KindNotFound, "reservation %s not found or already settled", reservationID)
	}

	if err := l.counter.DecrementFloor(ctx, res.key, res.AmountMicros); err != nil {
		return core.Wrap(core.KindUnavailable, "budget refund failed", err)
	}

	metrics.refunded.Inc()
	return nil
}

// SpentToday returns the user's recorded spend for the current UTC day.
func (l *Ledger) SpentToday(ctx context.Context, userID string) (int64, error) {
	total, _, err := l.counter.IncrementIfBelow(ctx, Key(userID, l.cfg.Now()), 0, math.MaxInt64)
	if err != nil {
		return 0, core.Wrap(core.KindUnavailable, "budget service unavailable", err)
	}
	return total, nil
}

// RemainingToday returns the unspent portion of the user's daily cap.
func (l *Ledger) RemainingToday(ctx context.Context, userID string) (int64, error) {
	spent, err := l.SpentToday(ctx, userID)
	if err != nil {
		return 0, err
	}
	remaining := l.cfg.DailyCapMicros - spent
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// take removes and returns the reservation, or nil if it was already
// settled. The removal is the single terminal transition.
func (l *Ledger) take(reservationID string) *Reservation {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.reservations[reservationID]
	if !ok {
		return nil
	}
	delete(l.reservations, reservationID)
	return res
}

// reclaimExpired refunds every expired reservation held against key.
func (l *Ledger) reclaimExpired(ctx context.Context, key string) {
	now := l.cfg.Now()

	l.mu.Lock()
	var expired []*Reservation
	for id, res := range l.reservations {
		if res.key == key && now.After(res.ExpiresAt) {
			expired = append(expired, res)
			delete(l.reservations, id)
		}
	}
	l.mu.Unlock()

	for _, res := range expired {
		l.autoRefund(ctx, res)
	}
}

func (l *Ledger) autoRefund(ctx context.Context, res *Reservation) {
	if err := l.counter.DecrementFloor(ctx, res.key, res.AmountMicros); err != nil {
		// Leave it charged; the key TTL is the backstop of last resort.
		l.logger.Printf("⚠️  Auto-refund failed for reservation %s: %v", res.ID, err)
		return
	}
	metrics.autoRefunded.Inc()
	l.logger.Printf("⏰ Auto-refunded %dµ for expired reservation %s (user=%s)",
		res.AmountMicros, res.ID, res.UserID)
	l.marker(MarkerAutoRefunded, res.UserID, res.AmountMicros)
}

func (l *Ledger) sweepLoop() {
	defer close(l.sweepDone)
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopSweep:
			return
		case <-ticker.C:
			l.sweepOnce()
		}
	}
}

// sweepOnce reclaims every expired reservation regardless of key.
func (l *Ledger) sweepOnce() {
	now := l.cfg.Now()

	l.mu.Lock()
	var expired []*Reservation
	for id, res := range l.reservations {
		if now.After(res.ExpiresAt) {
			expired = append(expired, res)
			delete(l.reservations, id)
		}
	}
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, res := range expired {
		l.autoRefund(ctx, res)
	}
}

func (l *Ledger) marker(marker, userID string, amountMicros int64) {
	if l.cfg.OnMarker != nil {
		l.cfg.OnMarker(marker, userID, amountMicros)
	}
}
