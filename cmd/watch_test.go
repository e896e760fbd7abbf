package cmd

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/robfig/cron/v3"

	"github.com/CosmoTheDev/cratetracker/internal/config"
	"github.com/CosmoTheDev/cratetracker/models"
)

const watchTestYAML = `
cves:
  - cve: CVE-2025-4366
    package: pingora-core
    range: "<0.5.0"
    targets:
      - "pingora_core::body::read_body"
`

func TestBatchJobSkipsOverlappingTrigger(t *testing.T) {
	path := writeTemp(t, "cves.yaml", watchTestYAML)

	var (
		mu      sync.Mutex
		runs    int
		started = make(chan struct{})
		release = make(chan struct{})
	)
	job := &batchJob{
		ctx:  context.Background(),
		file: path,
		run: func(context.Context, *config.Config, []models.CVESpec) error {
			mu.Lock()
			runs++
			n := runs
			mu.Unlock()
			if n == 1 {
				close(started)
				<-release
			}
			return nil
		},
	}
	wrapped := cron.SkipIfStillRunning(cron.DiscardLogger)(job)

	done := make(chan struct{})
	go func() {
		wrapped.Run()
		close(done)
	}()
	<-started

	// A second trigger while the first batch is still running must
	// return without starting another batch.
	wrapped.Run()

	close(release)
	<-done

	mu.Lock()
	defer mu.Unlock()
	if runs != 1 {
		t.Fatalf("overlapping trigger must be skipped, batch ran %d times", runs)
	}
}

func TestBatchJobFallsBackToLastGoodSpecs(t *testing.T) {
	path := writeTemp(t, "cves.yaml", watchTestYAML)
	initial, err := loadBatchFile(path)
	if err != nil {
		t.Fatal(err)
	}

	var got []models.CVESpec
	job := &batchJob{
		ctx:   context.Background(),
		file:  path,
		specs: initial,
		run: func(_ context.Context, _ *config.Config, specs []models.CVESpec) error {
			got = specs
			return nil
		},
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	job.Run()

	if len(got) != 1 || got[0].ID != "CVE-2025-4366" {
		t.Fatalf("job must fall back to the last good copy, got %+v", got)
	}
}
