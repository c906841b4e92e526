// Package node implements the worker task loop: a single-threaded
// cooperative scheduler that runs at most one render task and one upload
// task at a time, keeps their queue leases alive, and drains cleanly on
// signal or a done marker.
//
// The delivery contract is at-least-once end to end. A task's message is
// deleted from the queue only after its output has been durably uploaded;
// any failure before that point makes the message visible again for another
// worker, either immediately (clean shutdown returns it) or when the
// visibility timeout expires (hard crash).
package node

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"

	"github.com/gurre/brenda/aws"
	"github.com/gurre/brenda/compute"
	"github.com/gurre/brenda/config"
	"github.com/gurre/brenda/metrics"
	"github.com/gurre/brenda/process"
	"github.com/gurre/brenda/queue"
	"github.com/gurre/brenda/retry"
	"github.com/gurre/brenda/storage"
)

// pollSleep is how long an idle worker in poll mode waits between queue
// checks once the queue has drained.
const pollSleep = 15 * time.Second

// tick is the wait-phase poll interval.
const tick = time.Second

// slot holds the state of one running or recently finished task. At most
// one render slot and one upload slot exist at a time.
type slot struct {
	msg        *queue.Message
	proc       process.Handle
	outdir     string
	retcode    int
	id         int
	scriptName string
}

// Runner drives the task loop for one worker.
type Runner struct {
	cfg      *config.Config
	sqs      aws.SQSClient
	uploader *storage.Uploader
	driver   *compute.Driver // nil off-cloud
	metrics  *metrics.Metrics
	workDir  string

	render    *slot
	upload    *slot
	queue     *queue.Queue
	idCounter int
	completed int
}

// NewRunner creates a worker runner. driver may be nil when the host is not
// a cloud instance.
func NewRunner(cfg *config.Config, sqs aws.SQSClient, uploader *storage.Uploader, driver *compute.Driver, m *metrics.Metrics) *Runner {
	return &Runner{cfg: cfg, sqs: sqs, uploader: uploader, driver: driver, metrics: m}
}

// Completed returns the number of tasks this worker has fully acknowledged.
func (r *Runner) Completed() int { return r.completed }

// Run executes the worker until the queue drains or ctx is cancelled.
// Cancellation (SIGINT/SIGTERM via signal.NotifyContext) runs the cleanup
// path and surfaces ctx.Err.
func (r *Runner) Run(ctx context.Context, shutdownFlag, dryRun bool) error {
	workDir, err := filepath.Abs(r.cfg.WorkDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}
	r.workDir = workDir

	done, err := DoneValue(r.cfg, shutdownFlag)
	if err != nil {
		return err
	}
	if err := r.writeDoneFile(done); err != nil {
		return err
	}

	// Stale accounting from a previous run would mislead observers.
	_ = os.Remove(filepath.Join(workDir, taskCountFile))
	_ = os.Remove(filepath.Join(workDir, taskLastFile))

	if err := r.uploader.Validate(ctx); err != nil {
		return err
	}

	// Workers launched from a persistent spot request must cancel it on
	// shutdown, or the service will immediately replace the instance.
	spotRequestID := ""
	if r.cfg.RunningOnEC2 && r.driver != nil {
		instanceID, err := r.driver.SelfInstanceID(ctx)
		if err == nil {
			spotRequestID, err = r.driver.GetSpotRequestOf(ctx, instanceID)
		}
		if err != nil {
			slog.Warn("failed to discover spot request", slog.Any("error", err))
		} else if spotRequestID != "" {
			slog.Info("spot request discovered", slog.String("id", spotRequestID))
		}
	}

	if dryRun {
		return nil
	}

	err = retry.Do(ctx, retry.Options{
		Retries: r.cfg.ErrorRetries,
		Pause:   r.cfg.ErrorPauseDuration(),
		Reset:   r.cfg.ErrorResetDuration(),
	}, func() error { return r.taskLoop(ctx) })
	if err != nil {
		return err
	}

	done, err = r.readDoneFile()
	if err != nil {
		return err
	}
	if done == DoneShutdown {
		if spotRequestID != "" {
			slog.Info("cancelling spot request", slog.String("id", spotRequestID))
			if err := r.driver.CancelSpotRequests(context.Background(), []string{spotRequestID}, false); err != nil {
				slog.Error("failed to cancel spot request", slog.Any("error", err))
			}
		}
		if err := shutdownHost(); err != nil {
			slog.Error("failed to shut down host", slog.Any("error", err))
		}
	}

	if data, err := json.Marshal(r.metrics.Report()); err == nil {
		if err := writeFileAtomic(filepath.Join(r.workDir, taskReportFile), string(data)+"\n"); err != nil {
			slog.Warn("failed to write task report", slog.Any("error", err))
		}
	}

	slog.Info("completed tasks", slog.Int("count", r.completed))
	return nil
}

// taskLoop is one attempt of the outer loop. A transient failure (render
// exit, queue error) unwinds through the deferred cleanup, which returns any
// held message to the queue, and the retry harness calls back in.
func (r *Runner) taskLoop(ctx context.Context) error {
	defer r.cleanupAll()
	r.render, r.upload = nil, nil

	q, err := queue.Resolve(ctx, r.sqs, r.cfg.WorkQueue)
	if err != nil {
		return err
	}
	r.queue = q

	for {
		r.render = nil

		msg, err := q.Receive(ctx)
		if err != nil {
			return err
		}
		if r.upload != nil {
			slog.Info("upload task running", slog.Int("id", r.upload.id))
		}

		if msg != nil {
			r.idCounter++
			task := &slot{msg: msg, id: r.idCounter, scriptName: msg.ScriptName}
			r.render = task

			task.outdir = filepath.Join(r.workDir, fmt.Sprintf("%s_out_%d", task.scriptName, task.id))
			slog.Info("task folder", slog.String("outdir", task.outdir))
			if err := os.RemoveAll(task.outdir); err != nil {
				return err
			}
			if err := os.MkdirAll(task.outdir, 0o755); err != nil {
				return err
			}

			scriptPath := filepath.Join(task.outdir, task.scriptName)
			if err := os.WriteFile(scriptPath, []byte(msg.Body), 0o755); err != nil {
				return fmt.Errorf("failed to write task script: %w", err)
			}

			slog.Info("executing task script",
				slog.String("script", scriptPath),
				slog.Int("id", task.id))
			proc, err := process.StartScript(task.outdir, scriptPath)
			if err != nil {
				return retry.Transient(err)
			}
			task.proc = proc
			r.metrics.RenderStarted()
		}

		if err := r.waitForTasks(ctx); err != nil {
			return err
		}

		// The upload slot's message was deleted when its process exited 0;
		// releasing it now only removes the scratch directory.
		r.cleanupSlot(r.upload, "upload")
		r.upload = nil

		// Hand the finished render to the upload slot and keep pulling work
		// while its output commits to the object store.
		if r.render != nil {
			r.render.proc = process.Start(r.uploadFunc(r.render))
			r.upload = r.render
			r.render = nil
		}

		if r.render == nil && r.upload == nil {
			done, err := r.readDoneFile()
			if err != nil {
				return err
			}
			if done == DonePoll {
				slog.Info("waiting for tasks")
				select {
				case <-time.After(pollSleep):
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}
			slog.Info("queue drained, exiting")
			return nil
		}
	}
}

// waitForTasks ticks once a second until neither slot has a running process,
// reasserting queue visibility whenever the tick counter crosses the
// configured threshold. The interval between reasserts never exceeds the
// visibility timeout, so live tasks keep their lease.
func (r *Runner) waitForTasks(ctx context.Context) error {
	count := 0
	for {
		reassert := count >= r.cfg.VisibilityTimeoutReassert
		for _, st := range []struct {
			task *slot
			name string
		}{{r.render, "render"}, {r.upload, "upload"}} {
			task := st.task
			if task == nil {
				continue
			}
			if task.proc != nil {
				if code, done := task.proc.Poll(); done {
					task.proc = nil
					task.retcode = code

					if code != 0 {
						if st.name == "render" {
							r.metrics.RenderFailed()
							return retry.Transientf("render task %q #%d exited with status %d",
								task.scriptName, task.id, code)
						}
						r.metrics.UploadFailed()
						return fmt.Errorf("upload task #%d exited with status %d", task.id, code)
					}

					if st.name == "upload" {
						// The output is durable; this is the moment the task
						// stops being re-deliverable.
						slog.Info("finished upload task", slog.Int("id", task.id))
						if err := r.queue.Delete(ctx, task.msg.ReceiptHandle); err != nil {
							return err
						}
						task.msg = nil
						r.completed++
						r.metrics.TaskCompleted()
						if err := r.taskCompleteAccounting(); err != nil {
							return err
						}
					} else {
						slog.Info("finished render task",
							slog.String("script", task.scriptName), slog.Int("id", task.id))
					}
				}
			}

			if reassert && task.proc != nil {
				slog.Debug("reasserting task visibility",
					slog.String("slot", st.name), slog.Int("id", task.id))
				if err := r.queue.Extend(ctx, task.msg.ReceiptHandle, r.cfg.VisibilityTimeout); err != nil {
					return err
				}
				r.metrics.LeaseExtended()
			}
		}

		if (r.render == nil || r.render.proc == nil) && (r.upload == nil || r.upload.proc == nil) {
			return nil
		}

		if reassert {
			count = 0
		}
		select {
		case <-time.After(tick):
		case <-ctx.Done():
			return ctx.Err()
		}
		count++
	}
}

// cleanupAll releases both slots. Pointers are cleared before any external
// call so that re-entry from a second exit path cannot double-release.
func (r *Runner) cleanupAll() {
	render, upload := r.render, r.upload
	r.render, r.upload = nil, nil
	r.cleanupSlot(render, "render")
	r.cleanupSlot(upload, "upload")
}

// cleanupSlot returns the slot's message to the queue, stops its process,
// and removes its scratch directory. Errors are logged and swallowed; the
// queue's visibility timeout backstops anything that fails here.
func (r *Runner) cleanupSlot(task *slot, name string) {
	if task == nil {
		return
	}
	if task.msg != nil {
		// The surrounding context may already be cancelled on this path.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		slog.Debug("returning task to queue",
			slog.String("script", task.scriptName), slog.Int("id", task.id))
		msg := task.msg
		task.msg = nil
		if r.queue != nil {
			if err := r.queue.Return(ctx, msg.ReceiptHandle); err != nil {
				slog.Error("failed to return task to queue",
					slog.String("slot", name), slog.Any("error", err))
			}
		}
		cancel()
	}
	if task.proc != nil {
		slog.Debug("stopping task process",
			slog.String("script", task.scriptName), slog.Int("id", task.id))
		proc := task.proc
		task.proc = nil
		if _, err := proc.Stop(); err != nil {
			slog.Error("failed to stop task process",
				slog.String("slot", name), slog.Any("error", err))
		}
	}
	if task.outdir != "" {
		outdir := task.outdir
		task.outdir = ""
		if err := os.RemoveAll(outdir); err != nil {
			slog.Error("failed to remove task dir",
				slog.String("outdir", outdir), slog.Any("error", err))
		}
	}
}

// shutdownHost powers the instance off after a shutdown drain.
func shutdownHost() error {
	slog.Info("shutting down host")
	return exec.Command("/sbin/shutdown", "-h", "0").Run()
}
