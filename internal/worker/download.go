package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/aperio-dev/aperio/internal/jobserr"
)

// DownloadConfig holds everything a Downloader needs to build and
// bound one yt-dlp invocation.
type DownloadConfig struct {
	Command       string
	WorkingDir    string
	Timeout       time.Duration
	MaxFileSizeMB int64
	Retries       int
}

// preferredFormat asks yt-dlp for H.264 video plus AAC audio where the
// source offers it, falling back to its own best-available pick
// otherwise: H.264+AAC is the combination the encoder's container
// flags (see process.go) are tuned for.
const preferredFormat = "bestvideo[vcodec^=avc1]+bestaudio[acodec^=mp4a]/best[vcodec^=avc1]/best"

// Downloader runs the external downloader binary (yt-dlp by default)
// once per job, writing into a per-job subdirectory of WorkingDir.
type Downloader struct {
	cfg DownloadConfig
}

func NewDownloader(cfg DownloadConfig) *Downloader {
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &Downloader{cfg: cfg}
}

// Run executes the downloader for one job, retrying transient failures
// up to cfg.Retries times with a short backoff. The returned path
// points at the single output file produced.
func (d *Downloader) Run(ctx context.Context, jobID, url string) (string, int64, error) {
	jobDir := filepath.Join(d.cfg.WorkingDir, jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return "", 0, jobserr.Wrap(jobserr.KindDownloadFailed, "creating job working directory", err)
	}

	var lastErr error
	attempts := d.cfg.Retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		path, size, err := d.runOnce(ctx, jobDir, url)
		if err == nil {
			return path, size, nil
		}
		lastErr = err
		if !jobserr.KindOf(err).Retryable() || attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return "", 0, jobserr.Wrap(jobserr.KindCancelled, "cancelled during retry backoff", ctx.Err())
		case <-time.After(time.Duration(attempt+1) * time.Second):
		}
	}
	return "", 0, lastErr
}

func (d *Downloader) runOnce(ctx context.Context, jobDir, url string) (string, int64, error) {
	deadline := time.Now().Add(d.cfg.Timeout)
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	outputTemplate := filepath.Join(jobDir, "source.%(ext)s")
	args := []string{
		"--no-playlist",
		"--no-progress",
		"--format", preferredFormat,
		"--output", outputTemplate,
	}
	if d.cfg.MaxFileSizeMB > 0 {
		args = append(args, "--max-filesize", fmt.Sprintf("%dM", d.cfg.MaxFileSizeMB))
	}
	args = append(args, url)

	res, err := runSubprocess(runCtx, jobDir, d.cfg.Command, args)
	if err != nil {
		return "", 0, classifyDownloadError(ctx, runCtx, err, res)
	}

	path, size, err := findSingleFile(jobDir)
	if err != nil {
		return "", 0, jobserr.Wrap(jobserr.KindOutputNotFound, "locating downloaded file", err)
	}

	maxBytes := d.cfg.MaxFileSizeMB * 1024 * 1024
	if d.cfg.MaxFileSizeMB > 0 && size > maxBytes {
		os.Remove(path)
		return "", 0, jobserr.New(jobserr.KindSizeExceeded, fmt.Sprintf("downloaded file %d bytes exceeds limit %d bytes", size, maxBytes))
	}

	return path, size, nil
}

func classifyDownloadError(outerCtx, runCtx context.Context, err error, res runResult) error {
	if outerCtx.Err() != nil {
		return jobserr.Wrap(jobserr.KindCancelled, "download cancelled", outerCtx.Err())
	}
	if runCtx.Err() != nil {
		return jobserr.Wrap(jobserr.KindTimeout, "download exceeded its timeout", runCtx.Err())
	}

	var exitErr *exec.ExitError
	detail := strings.TrimSpace(res.stderr)
	if detail == "" {
		detail = err.Error()
	}
	if len(detail) > 2048 {
		detail = detail[:2048]
	}
	if asExitError(err, &exitErr) {
		return jobserr.Wrap(jobserr.KindDownloadFailed, detail, err)
	}
	return jobserr.Wrap(jobserr.KindDownloaderMissing, detail, err)
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

// findSingleFile returns the one regular file present in dir along
// with its size. The downloader is expected to produce exactly one
// output file per job.
func findSingleFile(dir string) (string, int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		return filepath.Join(dir, e.Name()), info.Size(), nil
	}
	return "", 0, fmt.Errorf("no output file found in %s", dir)
}
