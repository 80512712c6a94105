package worker

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aperio-dev/aperio/internal/jobserr"
)

// ProcessConfig holds everything a Processor needs to build and bound
// one ffmpeg invocation.
type ProcessConfig struct {
	Command      string
	StorageDir   string
	VideoCodec   string
	AudioCodec   string
	Preset       string
	CRF          int
	AudioBitrate string
	Timeout      time.Duration
}

// Processor runs the external encoder binary (ffmpeg by default) on
// one already-downloaded file, writing the result into StorageDir.
type Processor struct {
	cfg ProcessConfig
}

func NewProcessor(cfg ProcessConfig) *Processor {
	return &Processor{cfg: cfg}
}

// Run transcodes inputPath into a durable artifact under StorageDir
// named after jobID. The encode is written to a temporary sibling file
// and renamed into place only once ffmpeg exits cleanly, so a
// half-written file can never be mistaken for a completed artifact; the
// raw download is removed afterward, since nothing references it once
// the encode succeeds.
func (p *Processor) Run(ctx context.Context, jobID, inputPath string) (string, error) {
	if err := os.MkdirAll(p.cfg.StorageDir, 0o755); err != nil {
		return "", jobserr.Wrap(jobserr.KindProcessingFailed, "creating storage directory", err)
	}

	outputPath := filepath.Join(p.cfg.StorageDir, jobID+"_processed.mp4")
	tmpPath := outputPath + ".tmp"

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	args := []string{
		"-y",
		"-i", inputPath,
		"-c:v", p.cfg.VideoCodec,
		"-preset", p.cfg.Preset,
		"-crf", strconv.Itoa(p.cfg.CRF),
		"-pix_fmt", "yuv420p",
		"-c:a", p.cfg.AudioCodec,
		"-b:a", p.cfg.AudioBitrate,
		"-threads", "0",
		"-movflags", "+faststart",
		tmpPath,
	}

	res, err := runSubprocess(runCtx, filepath.Dir(inputPath), p.cfg.Command, args)
	if err != nil {
		os.Remove(tmpPath)
		return "", classifyProcessError(ctx, runCtx, err, res)
	}

	if _, statErr := os.Stat(tmpPath); statErr != nil {
		return "", jobserr.Wrap(jobserr.KindOutputNotFound, "encoded output missing", statErr)
	}

	if err := os.Rename(tmpPath, outputPath); err != nil {
		os.Remove(tmpPath)
		return "", jobserr.Wrap(jobserr.KindProcessingFailed, "finalizing encoded output", err)
	}

	os.RemoveAll(filepath.Dir(inputPath))

	return outputPath, nil
}

func classifyProcessError(outerCtx, runCtx context.Context, err error, res runResult) error {
	if outerCtx.Err() != nil {
		return jobserr.Wrap(jobserr.KindCancelled, "processing cancelled", outerCtx.Err())
	}
	if runCtx.Err() != nil {
		return jobserr.Wrap(jobserr.KindTimeout, "processing exceeded its timeout", runCtx.Err())
	}

	detail := strings.TrimSpace(res.stderr)
	if detail == "" {
		detail = err.Error()
	}
	if len(detail) > 2048 {
		detail = detail[:2048]
	}
	if _, ok := err.(*exec.ExitError); ok {
		return jobserr.Wrap(jobserr.KindProcessingFailed, detail, err)
	}
	return jobserr.Wrap(jobserr.KindEncoderMissing, detail, err)
}
