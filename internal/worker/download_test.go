package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aperio-dev/aperio/internal/jobserr"
)

// writeFakeCommand writes an executable shell script standing in for
// yt-dlp/ffmpeg and returns its absolute path.
func writeFakeCommand(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-cmd.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestDownloaderRunSuccess(t *testing.T) {
	fake := writeFakeCommand(t, `
		for arg in "$@"; do
			last="$arg"
		done
		out=$(echo "$@" | sed -n 's/.*--output \([^ ]*\).*/\1/p')
		target="${out%.%(ext)s}.mp4"
		echo "fake video data" > "$target"
	`)

	d := NewDownloader(DownloadConfig{
		Command:       fake,
		WorkingDir:    t.TempDir(),
		Timeout:       5 * time.Second,
		MaxFileSizeMB: 100,
	})

	path, size, err := d.Run(context.Background(), "job-1", "https://example.com/v")
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
	assert.FileExists(t, path)
}

func TestDownloaderRunMissingCommand(t *testing.T) {
	d := NewDownloader(DownloadConfig{
		Command:    filepath.Join(t.TempDir(), "does-not-exist"),
		WorkingDir: t.TempDir(),
		Timeout:    time.Second,
	})

	_, _, err := d.Run(context.Background(), "job-2", "https://example.com/v")
	require.Error(t, err)
	assert.Equal(t, jobserr.KindDownloaderMissing, jobserr.KindOf(err))
}

func TestDownloaderRunNonZeroExit(t *testing.T) {
	fake := writeFakeCommand(t, `exit 1`)

	d := NewDownloader(DownloadConfig{
		Command:    fake,
		WorkingDir: t.TempDir(),
		Timeout:    5 * time.Second,
	})

	_, _, err := d.Run(context.Background(), "job-3", "https://example.com/v")
	require.Error(t, err)
	assert.Equal(t, jobserr.KindDownloadFailed, jobserr.KindOf(err))
}

func TestDownloaderRunTimeout(t *testing.T) {
	fake := writeFakeCommand(t, `sleep 5`)

	d := NewDownloader(DownloadConfig{
		Command:    fake,
		WorkingDir: t.TempDir(),
		Timeout:    100 * time.Millisecond,
	})

	_, _, err := d.Run(context.Background(), "job-4", "https://example.com/v")
	require.Error(t, err)
	assert.Equal(t, jobserr.KindTimeout, jobserr.KindOf(err))
}

func TestDownloaderRunSizeExceeded(t *testing.T) {
	fake := writeFakeCommand(t, `
		out=$(echo "$@" | sed -n 's/.*--output \([^ ]*\).*/\1/p')
		target="${out%.%(ext)s}.mp4"
		dd if=/dev/zero of="$target" bs=1024 count=10 2>/dev/null
	`)

	d := NewDownloader(DownloadConfig{
		Command:       fake,
		WorkingDir:    t.TempDir(),
		Timeout:       5 * time.Second,
		MaxFileSizeMB: 1,
	})

	_, _, err := d.Run(context.Background(), "job-5b", "https://example.com/v")
	require.NoError(t, err) // 10KB well under the 1MB limit; sanity check the happy path

	fakeBig := writeFakeCommand(t, `
		out=$(echo "$@" | sed -n 's/.*--output \([^ ]*\).*/\1/p')
		target="${out%.%(ext)s}.mp4"
		dd if=/dev/zero of="$target" bs=1048576 count=2 2>/dev/null
	`)
	d2 := NewDownloader(DownloadConfig{
		Command:       fakeBig,
		WorkingDir:    t.TempDir(),
		Timeout:       5 * time.Second,
		MaxFileSizeMB: 1,
	})
	_, _, err = d2.Run(context.Background(), "job-5c", "https://example.com/v")
	require.Error(t, err)
	assert.Equal(t, jobserr.KindSizeExceeded, jobserr.KindOf(err))
}

func TestDownloaderRunCancelled(t *testing.T) {
	fake := writeFakeCommand(t, `sleep 5`)

	d := NewDownloader(DownloadConfig{
		Command:    fake,
		WorkingDir: t.TempDir(),
		Timeout:    5 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, _, err := d.Run(ctx, "job-6", "https://example.com/v")
	require.Error(t, err)
	assert.Equal(t, jobserr.KindCancelled, jobserr.KindOf(err))
}
