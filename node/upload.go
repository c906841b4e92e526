package node

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gurre/brenda/retry"
)

// uploadFunc builds the in-process upload child for a finished render. It
// commits every top-level file of the task's scratch directory to the output
// bucket, retrying the whole push on transient errors. Uploads key on the
// file name, so a repeated push after a crash overwrites the same objects.
func (r *Runner) uploadFunc(task *slot) func(ctx context.Context) error {
	outdir := task.outdir
	return func(ctx context.Context) error {
		push := func() error {
			entries, err := os.ReadDir(outdir)
			if err != nil {
				return err
			}
			for _, e := range entries {
				if !e.Type().IsRegular() {
					continue
				}
				path := filepath.Join(outdir, e.Name())
				slog.Info("uploading", slog.String("path", path), slog.String("url", r.uploader.URL(e.Name())))
				if err := r.uploader.Upload(ctx, path, e.Name()); err != nil {
					return err
				}
				r.metrics.FileUploaded()
			}
			return nil
		}

		err := retry.Do(ctx, retry.Options{
			Retries: r.cfg.ErrorRetries,
			Pause:   r.cfg.ErrorPauseDuration(),
			Reset:   r.cfg.ErrorResetDuration(),
		}, push)
		if err != nil {
			slog.Error("upload failed", slog.String("outdir", outdir), slog.Any("error", err))
		}
		return err
	}
}
