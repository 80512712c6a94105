// Package health probes the service's external dependencies: the
// downloader and encoder binaries on PATH, the job store, and disk
// space on the storage volume. /health and /health/detailed report the
// aggregate; /health/ready gates traffic on it; /health/live never
// does (a live process answers liveness regardless of dependency
// state).
package health

import (
	"context"
	"os/exec"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/aperio-dev/aperio/internal/store"
)

// Check is one dependency's pass/fail result plus a human-readable
// detail, used by /health/detailed.
type Check struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Detail  string `json:"detail,omitempty"`
}

// Report is the full health snapshot.
type Report struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks"`
}

// Checker holds the configuration needed to probe every dependency.
type Checker struct {
	store           *store.Store
	downloadCommand string
	encoderCommand  string
	storagePath     string
}

func New(st *store.Store, downloadCommand, encoderCommand, storagePath string) *Checker {
	return &Checker{
		store:           st,
		downloadCommand: downloadCommand,
		encoderCommand:  encoderCommand,
		storagePath:     storagePath,
	}
}

// Run executes every check and aggregates the result. Individual
// checks never panic or block longer than a few milliseconds:
// exec.LookPath and disk.Usage are both local syscalls.
func (c *Checker) Run(ctx context.Context) Report {
	checks := []Check{
		c.checkDownloader(),
		c.checkEncoder(),
		c.checkStore(ctx),
		c.checkDisk(),
	}

	ok := true
	for _, ch := range checks {
		if !ch.OK {
			ok = false
		}
	}
	return Report{OK: ok, Checks: checks}
}

// Ready reports whether the service should receive traffic: the store
// must be reachable, both subprocess dependencies must be on PATH, and
// the disk check must pass.
func (c *Checker) Ready(ctx context.Context) bool {
	return c.Run(ctx).OK
}

func (c *Checker) checkDownloader() Check {
	if _, err := exec.LookPath(c.downloadCommand); err != nil {
		return Check{Name: "downloader", OK: false, Detail: "DownloaderMissing"}
	}
	return Check{Name: "downloader", OK: true}
}

func (c *Checker) checkEncoder() Check {
	if _, err := exec.LookPath(c.encoderCommand); err != nil {
		return Check{Name: "encoder", OK: false, Detail: "EncoderMissing"}
	}
	return Check{Name: "encoder", OK: true}
}

func (c *Checker) checkStore(ctx context.Context) Check {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, _, err := c.store.List(ctx, 1, 1, nil); err != nil {
		return Check{Name: "store", OK: false, Detail: "StorageUnavailable"}
	}
	return Check{Name: "store", OK: true}
}

func (c *Checker) checkDisk() Check {
	volume := c.storagePath
	if volume == "" {
		volume = "/"
	}
	usage, err := disk.Usage(volume)
	if err != nil {
		// Non-fatal: storage path may not exist yet on first boot.
		return Check{Name: "disk", OK: true, Detail: "unavailable"}
	}
	if usage.UsedPercent > 95 {
		return Check{Name: "disk", OK: false, Detail: "disk usage above 95%"}
	}
	return Check{Name: "disk", OK: true}
}
