// Package config implements configuration for the render farm tools. Values
// come from the process environment, optionally overlaid with KEY=VALUE lines
// read from a stream; the worker daemon consumes such lines on stdin from the
// here-document emitted by the fleet startup script.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all render farm configuration. Timeout and pause values are
// plain seconds, matching the units the queue service itself uses.
type Config struct {
	// Worker / submitter keys
	WorkQueue    string `env:"WORK_QUEUE"`              // sqs://NAME
	OutputURL    string `env:"OUTPUT_URL"`              // s3://BUCKET[/PREFIX...]
	RenderOutput string `env:"RENDER_OUTPUT"`           // legacy alias for OUTPUT_URL
	WorkDir      string `env:"WORK_DIR" envDefault:"."` // per-worker scratch directory
	RunningOnEC2 bool   `env:"RUNNING_ON_EC2" envDefault:"1"`

	VisibilityTimeout         int `env:"VISIBILITY_TIMEOUT" envDefault:"120"`
	VisibilityTimeoutReassert int `env:"VISIBILITY_TIMEOUT_REASSERT" envDefault:"30"`
	MessageRetention          int `env:"MESSAGE_RETENTION" envDefault:"1209600"` // 14 days

	ErrorRetries int `env:"ERROR_RETRIES" envDefault:"5"`
	ErrorPause   int `env:"ERROR_PAUSE" envDefault:"30"`
	ErrorReset   int `env:"ERROR_RESET" envDefault:"3600"`

	Done     string `env:"DONE"` // exit|shutdown|poll; empty means derive from Shutdown
	Shutdown bool   `env:"SHUTDOWN" envDefault:"0"`

	JobName string `env:"JOB_NAME" envDefault:"NONE"`
	JobURL  string `env:"JOB_URL" envDefault:"NONE"`

	// Fleet keys
	AMIID           string `env:"AMI_ID"`
	InstanceType    string `env:"INSTANCE_TYPE" envDefault:"m2.xlarge"`
	InstanceProfile string `env:"INSTANCE_PROFILE"`
	SSHKeyName      string `env:"SSH_KEY_NAME" envDefault:"brenda"`
	SecurityGroup   string `env:"SECURITY_GROUP" envDefault:"brenda"`
	BidPrice        string `env:"BID_PRICE"`

	// Region selectors; empty falls through to the SDK default chain
	S3Region  string `env:"S3_REGION"`
	SQSRegion string `env:"SQS_REGION"`
	EC2Region string `env:"EC2_REGION"`

	// Ambient
	LogLevel    string `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFile     string `env:"LOG_FILE"`
	MetricsAddr string `env:"METRICS_ADDR"`
}

// Load parses configuration from the process environment.
func Load() (*Config, error) {
	return LoadReader(nil)
}

// LoadReader parses configuration from the process environment overlaid with
// KEY=VALUE lines read from r. Blank lines and #-comments are skipped. A nil
// reader loads the environment alone.
func LoadReader(r io.Reader) (*Config, error) {
	environ := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			environ[k] = v
		}
	}
	if r != nil {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			k, v, ok := strings.Cut(line, "=")
			if !ok {
				return nil, fmt.Errorf("malformed config line: %q", line)
			}
			environ[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read config stream: %w", err)
		}
	}

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	return cfg, nil
}

// Output returns the render output URL, preferring OUTPUT_URL over the
// legacy RENDER_OUTPUT name.
func (c *Config) Output() string {
	if c.OutputURL != "" {
		return c.OutputURL
	}
	return c.RenderOutput
}

// ValidateWorker ensures the fields the worker and submitter depend on are
// present and well formed.
func (c *Config) ValidateWorker() error {
	if c.WorkQueue == "" {
		return fmt.Errorf("WORK_QUEUE is required")
	}
	if _, err := ParseSQSURL(c.WorkQueue); err != nil {
		return err
	}
	if c.Output() == "" {
		return fmt.Errorf("OUTPUT_URL is required")
	}
	if _, _, err := ParseS3URL(c.Output()); err != nil {
		return err
	}
	if c.VisibilityTimeout < 1 {
		return fmt.Errorf("VISIBILITY_TIMEOUT must be at least 1 second")
	}
	if c.VisibilityTimeoutReassert < 1 {
		return fmt.Errorf("VISIBILITY_TIMEOUT_REASSERT must be at least 1 second")
	}
	if c.VisibilityTimeoutReassert >= c.VisibilityTimeout {
		return fmt.Errorf("VISIBILITY_TIMEOUT_REASSERT (%d) must be below VISIBILITY_TIMEOUT (%d)",
			c.VisibilityTimeoutReassert, c.VisibilityTimeout)
	}
	if c.ErrorRetries < 1 {
		return fmt.Errorf("ERROR_RETRIES must be at least 1")
	}
	return nil
}

// ValidateFleet ensures the fields the fleet controller depends on are present.
// The worker fields are validated too since they end up in the startup script.
func (c *Config) ValidateFleet() error {
	if err := c.ValidateWorker(); err != nil {
		return err
	}
	if c.AMIID == "" {
		return fmt.Errorf("AMI_ID is required")
	}
	if c.InstanceType == "" {
		return fmt.Errorf("INSTANCE_TYPE is required")
	}
	return nil
}

// ErrorPauseDuration returns the pause between retries.
func (c *Config) ErrorPauseDuration() time.Duration {
	return time.Duration(c.ErrorPause) * time.Second
}

// ErrorResetDuration returns the window after which the retry budget resets.
func (c *Config) ErrorResetDuration() time.Duration {
	return time.Duration(c.ErrorReset) * time.Second
}

// ParseS3URL splits an s3://BUCKET[/PREFIX...] URL into bucket and prefix.
// A non-empty prefix always carries a trailing slash so that object names can
// be appended directly.
func ParseS3URL(url string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(url, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3:// URL: %q", url)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("missing bucket in s3 URL: %q", url)
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return bucket, prefix, nil
}

// FormatS3URL renders the URL of an object name under bucket and prefix.
func FormatS3URL(bucket, prefix, name string) string {
	return fmt.Sprintf("s3://%s/%s%s", bucket, prefix, name)
}

// ParseSQSURL extracts the queue name from an sqs://NAME URL.
func ParseSQSURL(url string) (string, error) {
	name, ok := strings.CutPrefix(url, "sqs://")
	if !ok {
		return "", fmt.Errorf("not an sqs:// URL: %q", url)
	}
	if name == "" {
		return "", fmt.Errorf("missing queue name in sqs URL: %q", url)
	}
	return name, nil
}
