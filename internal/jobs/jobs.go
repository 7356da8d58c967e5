package jobs

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron"
)

// anchorRetryBatch bounds how many unanchored jobs one sweep picks up.
const anchorRetryBatch = 50

// RegisterDefaults registers the built-in maintenance jobs with the manager.
func RegisterDefaults(jm *JobManager) {
	jm.Register("anchor-retry", "Ledger anchor retry", func(ctx JobContext) {
		anchored, err := ctx.Pipeline().RetryUnanchored(context.Background(), anchorRetryBatch)
		if err != nil {
			log.Printf("Anchor retry sweep failed: %v", err)
			return
		}
		if anchored > 0 {
			log.Printf("Anchor retry sweep anchored %d job(s)", anchored)
		}
	})
}

// StartJobs starts the background job scheduler.
func StartJobs(app JobContext) {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()

	startAnchorRetryJob(s, app)

	log.Println("Starting background job scheduler...")
	s.StartAsync()
}

func startAnchorRetryJob(s *gocron.Scheduler, app JobContext) {
	interval := app.Config().AnchorRetryInterval
	if interval == 0 {
		log.Println("Anchor retry interval is 0, scheduled re-anchoring is disabled.")
		return
	}
	if app.Config().Ledger.URL == "" {
		log.Println("No ledger configured, scheduled re-anchoring is disabled.")
		return
	}

	jobId := "anchor-retry"
	log.Printf("Scheduling job: '%s' to run every %d minutes.", jobId, interval)

	_, err := s.Every(interval).Minutes().Do(func() {
		log.Println("Scheduler is triggering job:", jobId)
		// Submit the job to the manager instead of running it directly.
		// This prevents conflicts with manually triggered jobs.
		err := app.JobManager().RunJob(jobId, app)
		if err != nil {
			log.Printf("Scheduled job '%s' could not start: %v", jobId, err)
		}
	})
	if err != nil {
		log.Printf("Error scheduling '%s' job: %v", jobId, err)
	}
}
