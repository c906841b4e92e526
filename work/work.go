// Package work implements the job submitter: it expands a task script
// template into concrete per-chunk scripts and enqueues them on the work
// queue in batches. It also carries the small queue maintenance commands
// (status, reset).
package work

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"

	"github.com/gurre/brenda/aws"
	"github.com/gurre/brenda/config"
	"github.com/gurre/brenda/queue"
)

// Options controls template expansion.
type Options struct {
	Start int // first frame
	End   int // last frame, inclusive
	Step  int // frames per task

	// When both are positive, every chunk additionally expands into one
	// script per sub-rectangle of the unit frame.
	SubdivX int
	SubdivY int

	// Randomize shuffles the task list for load balancing.
	Randomize bool
}

// Expand turns a task script template into the list of concrete task
// scripts. The template must start with a shebang; the macros $JOB_NAME,
// $JOB_URL, $START, $END, $STEP and (for subframe jobs) $SF_MIN_X,
// $SF_MAX_X, $SF_MIN_Y, $SF_MAX_Y are substituted per task.
func Expand(template string, cfg *config.Config, opts Options) ([]string, error) {
	if !strings.HasPrefix(template, "#!") {
		return nil, fmt.Errorf("shebang (#!) is missing from task script")
	}
	if opts.Step < 1 {
		return nil, fmt.Errorf("task size must be at least 1")
	}
	if opts.End < opts.Start {
		return nil, fmt.Errorf("end frame %d is before start frame %d", opts.End, opts.Start)
	}

	var tasklist []string
	for fnum := opts.Start; fnum <= opts.End; fnum += opts.Step {
		start := fnum
		end := min(fnum+opts.Step-1, opts.End)
		script := template
		for _, sub := range [][2]string{
			{"$JOB_NAME", cfg.JobName},
			{"$JOB_URL", cfg.JobURL},
			{"$START", strconv.Itoa(start)},
			{"$END", strconv.Itoa(end)},
			{"$STEP", strconv.Itoa(opts.Step)},
		} {
			script = strings.ReplaceAll(script, sub[0], sub[1])
		}
		if opts.SubdivX > 0 && opts.SubdivY > 0 {
			for _, macros := range subframes(opts.SubdivX, opts.SubdivY) {
				sf := script
				for _, sub := range macros {
					sf = strings.ReplaceAll(sf, sub[0], sub[1])
				}
				tasklist = append(tasklist, sf)
			}
		} else {
			tasklist = append(tasklist, script)
		}
	}

	if opts.Randomize {
		rand.Shuffle(len(tasklist), func(i, j int) {
			tasklist[i], tasklist[j] = tasklist[j], tasklist[i]
		})
	}
	return tasklist, nil
}

// subframes yields the macro substitutions for each sub-rectangle of the
// unit frame, column-major. Bounds are formatted with the shortest decimal
// that round-trips to the same float64.
func subframes(subdivX, subdivY int) [][][2]string {
	xfrac := 1.0 / float64(subdivX)
	yfrac := 1.0 / float64(subdivY)
	var out [][][2]string
	for x := 0; x < subdivX; x++ {
		minX := float64(x) * xfrac
		maxX := float64(x+1) * xfrac
		for y := 0; y < subdivY; y++ {
			minY := float64(y) * yfrac
			maxY := float64(y+1) * yfrac
			out = append(out, [][2]string{
				{"$SF_MIN_X", formatFrac(minX)},
				{"$SF_MAX_X", formatFrac(maxX)},
				{"$SF_MIN_Y", formatFrac(minY)},
				{"$SF_MAX_Y", formatFrac(maxY)},
			})
		}
	}
	return out
}

func formatFrac(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Push expands the template and enqueues the resulting tasks in batches of
// at most queue.MaxBatch messages, creating the work queue if needed. Every
// message carries the script name attribute. Returns the number of tasks
// enqueued; a dry run expands and counts without touching the queue.
func Push(ctx context.Context, client aws.SQSClient, cfg *config.Config, scriptName, template string, opts Options, dryRun bool) (int, error) {
	tasklist, err := Expand(template, cfg, opts)
	if err != nil {
		return 0, err
	}
	if dryRun {
		return len(tasklist), nil
	}

	q, err := queue.Create(ctx, client, cfg.WorkQueue, cfg.VisibilityTimeout, cfg.MessageRetention)
	if err != nil {
		return 0, err
	}

	var batch []queue.BatchEntry
	sent := 0
	for i, task := range tasklist {
		batch = append(batch, queue.BatchEntry{
			ID:         strconv.Itoa(len(batch) + 1),
			Body:       task,
			ScriptName: scriptName,
		})
		if len(batch) == queue.MaxBatch || i == len(tasklist)-1 {
			slog.Info("queueing tasks", slog.Int("sent", sent+len(batch)), slog.Int("total", len(tasklist)))
			if err := q.WriteBatch(ctx, batch); err != nil {
				return sent, err
			}
			sent += len(batch)
			batch = batch[:0]
		}
	}
	return sent, nil
}

// Status returns the approximate number of queued tasks.
func Status(ctx context.Context, client aws.SQSClient, cfg *config.Config) (int, error) {
	q, err := queue.Resolve(ctx, client, cfg.WorkQueue)
	if err != nil {
		return 0, err
	}
	return q.ApproximateCount(ctx)
}

// Reset clears the work queue; a hard reset deletes the queue itself.
func Reset(ctx context.Context, client aws.SQSClient, cfg *config.Config, hard bool) error {
	q, err := queue.Resolve(ctx, client, cfg.WorkQueue)
	if err != nil {
		return err
	}
	if hard {
		slog.Info("deleting queue", slog.String("name", q.Name()))
		return q.DeleteQueue(ctx)
	}
	slog.Info("clearing queue", slog.String("name", q.Name()))
	return q.Purge(ctx)
}
