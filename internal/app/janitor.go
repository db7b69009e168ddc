/**
 * @description
 * Cron-driven retention janitor. Expiry itself is never swept into a stored
 * state (verify/accept evaluate it as a guard); this job only purges dead
 * claims whose expiration is older than the retention window, keeping the
 * claims table from accumulating records nobody can transition anymore.
 *
 * @dependencies
 * - context, log, time: Standard Go libraries.
 * - github.com/robfig/cron/v3: Cron scheduling.
 * - internal/store: Claim persistence.
 */
package app

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/neosantara/transfer-service/internal/store"
)

// Janitor periodically purges long-expired claims.
type Janitor struct {
	cron      *cron.Cron
	repo      store.Repository
	schedule  string
	retention time.Duration
	now       func() time.Time
}

// NewJanitor creates a janitor that runs on the given cron schedule and
// purges claims expired for longer than the retention duration.
func NewJanitor(repo store.Repository, schedule string, retention time.Duration) *Janitor {
	return &Janitor{
		cron:      cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger))),
		repo:      repo,
		schedule:  schedule,
		retention: retention,
		now:       time.Now,
	}
}

// Start registers the purge job and starts the scheduler.
func (j *Janitor) Start() {
	if _, err := j.cron.AddFunc(j.schedule, j.PurgeExpiredClaims); err != nil {
		log.Printf("level=error component=janitor msg=\"failed to schedule claim purge job\" schedule=%q err=%v", j.schedule, err)
		return
	}
	log.Printf("level=info component=janitor msg=\"scheduled claim purge job\" schedule=%q retention=%s", j.schedule, j.retention)
	j.cron.Start()
}

// Stop gracefully stops the scheduler and returns a context that is done
// once any running job has finished.
func (j *Janitor) Stop() context.Context {
	return j.cron.Stop()
}

// PurgeExpiredClaims deletes claims that expired before the retention cutoff.
func (j *Janitor) PurgeExpiredClaims() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cutoff := j.now().Add(-j.retention)
	purged, err := j.repo.PurgeExpiredClaims(ctx, cutoff)
	if err != nil {
		log.Printf("level=error component=janitor msg=\"claim purge failed\" err=%v", err)
		return
	}
	if purged > 0 {
		log.Printf("level=info component=janitor msg=\"purged expired claims\" count=%d cutoff=%s", purged, cutoff.UTC().Format(time.RFC3339))
	}
}
