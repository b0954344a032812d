package budget

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level so every Ledger instance in the process shares one set of
// collectors; promauto registers them exactly once.
var metrics = struct {
	reserved       prometheus.Counter
	reserveDenied  prometheus.Counter
	reserveErrors  prometheus.Counter
	committed      prometheus.Counter
	refunded       prometheus.Counter
	autoRefunded   prometheus.Counter
	overrunClamped prometheus.Counter
}{
	reserved: promauto.NewCounter(prometheus.CounterOpts{
		Name: "budget_reservations_total",
		Help: "Reservations granted against the daily cap",
	}),
	reserveDenied: promauto.NewCounter(prometheus.CounterOpts{
		Name: "budget_reserve_denied_total",
		Help: "Reservations refused because they would cross the daily cap",
	}),
	reserveErrors: promauto.NewCounter(prometheus.CounterOpts{
		Name: "budget_reserve_errors_total",
		Help: "Reservations failed closed because the counter was unreachable",
	}),
	committed: promauto.NewCounter(prometheus.CounterOpts{
		Name: "budget_commits_total",
		Help: "Reservations settled with an actual cost",
	}),
	refunded: promauto.NewCounter(prometheus.CounterOpts{
		Name: "budget_refunds_total",
		Help: "Reservations released in full",
	}),
	autoRefunded: promauto.NewCounter(prometheus.CounterOpts{
		Name: "budget_auto_refunds_total",
		Help: "Expired reservations reclaimed by the ledger",
	}),
	overrunClamped: promauto.NewCounter(prometheus.CounterOpts{
		Name: "budget_overrun_clamped_total",
		Help: "Commits that exceeded the reservation beyond the slack and were clamped",
	}),
}
