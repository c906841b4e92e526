package farm

import (
	"fmt"
	"strings"

	"github.com/gurre/brenda/config"
)

// kv is one KEY=VALUE line of the startup script's here-document.
type kv struct {
	key   string
	value string
}

// StartupScript renders the user-data script a new worker boots with: it
// feeds the farm configuration to the worker daemon through a here-document
// on stdin. Credentials are never embedded; workers authenticate through
// their instance profile.
func StartupScript(cfg *config.Config) (string, error) {
	required := []kv{
		{"WORK_QUEUE", cfg.WorkQueue},
		{"OUTPUT_URL", cfg.Output()},
	}
	optional := []kv{
		{"S3_REGION", cfg.S3Region},
		{"SQS_REGION", cfg.SQSRegion},
		{"EC2_REGION", cfg.EC2Region},
		{"VISIBILITY_TIMEOUT", nonDefault(cfg.VisibilityTimeout, 120)},
		{"VISIBILITY_TIMEOUT_REASSERT", nonDefault(cfg.VisibilityTimeoutReassert, 30)},
		{"ERROR_RETRIES", nonDefault(cfg.ErrorRetries, 5)},
		{"ERROR_PAUSE", nonDefault(cfg.ErrorPause, 30)},
		{"ERROR_RESET", nonDefault(cfg.ErrorReset, 3600)},
		{"WORK_DIR", workDirOrEmpty(cfg.WorkDir)},
		{"DONE", cfg.Done},
		{"SHUTDOWN", boolFlag(cfg.Shutdown)},
		{"LOG_LEVEL", logLevelOrEmpty(cfg.LogLevel)},
		{"LOG_FILE", cfg.LogFile},
		{"METRICS_ADDR", cfg.MetricsAddr},
	}

	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	b.WriteString("cd /root\n")
	b.WriteString("/usr/local/bin/brenda-node --daemon <<EOF\n")
	for _, e := range required {
		if e.value == "" {
			return "", fmt.Errorf("config key %s must be defined", e.key)
		}
		fmt.Fprintf(&b, "%s=%s\n", e.key, e.value)
	}
	for _, e := range optional {
		if e.value != "" {
			fmt.Fprintf(&b, "%s=%s\n", e.key, e.value)
		}
	}
	b.WriteString("EOF\n")
	return b.String(), nil
}

// nonDefault renders n only when it differs from the worker's built-in
// default, keeping the script minimal.
func nonDefault(n, def int) string {
	if n == def {
		return ""
	}
	return fmt.Sprintf("%d", n)
}

func workDirOrEmpty(dir string) string {
	if dir == "." {
		return ""
	}
	return dir
}

func logLevelOrEmpty(level string) string {
	if strings.EqualFold(level, "INFO") {
		return ""
	}
	return level
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return ""
}
