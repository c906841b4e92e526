package node

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gurre/brenda/config"
)

// Done marker values. The marker decides what the worker does once the
// queue drains: exit the process, shut the host down, or keep polling.
const (
	DoneExit     = "exit"
	DoneShutdown = "shutdown"
	DonePoll     = "poll"
)

const (
	doneFile       = "DONE"
	taskCountFile  = "task_count"
	taskLastFile   = "task_last"
	taskReportFile = "task_report"
)

// ValidateDone rejects anything but the three legal marker values.
func ValidateDone(d string) error {
	switch d {
	case DoneExit, DoneShutdown, DonePoll:
		return nil
	}
	return fmt.Errorf("DONE must be one of exit, shutdown, poll; got %q", d)
}

// DoneValue computes the marker at worker start: an explicit shutdown flag
// wins, then the DONE config key, then the SHUTDOWN boolean.
func DoneValue(cfg *config.Config, shutdownFlag bool) (string, error) {
	if shutdownFlag {
		return DoneShutdown, nil
	}
	if cfg.Done != "" {
		if err := ValidateDone(cfg.Done); err != nil {
			return "", err
		}
		return cfg.Done, nil
	}
	if cfg.Shutdown {
		return DoneShutdown, nil
	}
	return DoneExit, nil
}

func (r *Runner) writeDoneFile(done string) error {
	return writeFileAtomic(filepath.Join(r.workDir, doneFile), done+"\n")
}

// readDoneFile returns the marker, defaulting to exit when the file is
// unreadable. An unrecognized value is a fatal configuration error.
func (r *Runner) readDoneFile() (string, error) {
	data, err := os.ReadFile(filepath.Join(r.workDir, doneFile))
	if err != nil {
		return DoneExit, nil
	}
	done := strings.TrimSpace(strings.SplitN(string(data), "\n", 2)[0])
	if err := ValidateDone(done); err != nil {
		return "", err
	}
	return done, nil
}

// taskCompleteAccounting records progress for external observers: the number
// of tasks uploaded so far and the timestamp of the last one. Both files are
// replaced atomically so a reader never sees a partial write.
func (r *Runner) taskCompleteAccounting() error {
	if err := writeFileAtomic(filepath.Join(r.workDir, taskCountFile),
		strconv.Itoa(r.completed)+"\n"); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(r.workDir, taskLastFile),
		strconv.FormatInt(time.Now().Unix(), 10)+"\n")
}

func writeFileAtomic(path, data string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(data), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
