package quota

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/agjmills/hoard/internal/logger"
	"github.com/agjmills/hoard/internal/metrics"
	"github.com/agjmills/hoard/internal/store"
)

// driftTolerance is the difference in MB below which counters are left alone.
const driftTolerance = 1e-6

// Reconciler periodically recomputes each account's counters from its file
// records and corrects any drift.
type Reconciler struct {
	accountant *Accountant
	interval   time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func NewReconciler(accountant *Accountant, interval time.Duration) *Reconciler {
	return &Reconciler{
		accountant: accountant,
		interval:   interval,
		stopChan:   make(chan struct{}),
	}
}

// Start launches the background worker. A zero interval disables it.
func (r *Reconciler) Start() {
	if r.interval <= 0 {
		logger.Info("quota reconciliation disabled")
		return
	}
	r.wg.Add(1)
	go r.worker()
}

// Shutdown stops the background worker.
func (r *Reconciler) Shutdown() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

func (r *Reconciler) worker() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			logger.Debug("quota reconciler stopped")
			return
		case <-ticker.C:
			if _, err := r.Run(context.Background()); err != nil {
				logger.Error("quota reconciliation failed", "error", err)
			}
		}
	}
}

// Run reconciles every account once and returns how many were corrected.
// It does nothing while the store is serving from a partial copy.
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	a := r.accountant
	if d, ok := a.store.(interface{ Degraded() bool }); ok && d.Degraded() {
		logger.Warn("quota reconciliation skipped: store is degraded")
		return 0, nil
	}
	accounts, err := a.store.ListAccounts(ctx)
	if err != nil {
		return 0, err
	}

	corrected := 0
	for _, acc := range accounts {
		id := acc.ID
		err := a.Serialize(id, func() error {
			current, err := a.store.GetAccount(ctx, id)
			if err != nil {
				return err
			}
			actual, err := a.store.ComputeUsage(ctx, id)
			if err != nil {
				return err
			}
			if math.Abs(current.StorageUsed-actual.StorageMB) < driftTolerance && current.TotalFiles == actual.TotalFiles {
				return nil
			}
			if _, err := a.store.SetUsage(ctx, id, store.Usage{StorageMB: actual.StorageMB, TotalFiles: actual.TotalFiles}); err != nil {
				return err
			}
			logger.Warn("corrected storage counters",
				"account_id", id,
				"storage_used_was", current.StorageUsed,
				"storage_used", actual.StorageMB,
				"total_files_was", current.TotalFiles,
				"total_files", actual.TotalFiles,
			)
			metrics.ReconcileCorrections.Inc()
			corrected++
			return nil
		})
		if err != nil {
			logger.Error("quota reconciliation: account skipped", "account_id", id, "error", err)
		}
	}

	if corrected > 0 {
		logger.Info("quota reconciliation complete", "accounts", len(accounts), "corrected", corrected)
	}
	return corrected, nil
}
