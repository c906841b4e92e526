// Package main implements the job submitter CLI: push expands a task script
// template into the work queue, status reports the queue depth, and reset
// clears or deletes the queue.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/gurre/brenda/aws"
	"github.com/gurre/brenda/config"
	"github.com/gurre/brenda/logging"
	"github.com/gurre/brenda/work"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() error {
	return fmt.Errorf("usage: brenda-work push|status|reset [flags]")
}

func run() error {
	if len(os.Args) < 2 {
		return usage()
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg); err != nil {
		return err
	}
	if err := cfg.ValidateWorker(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx := context.Background()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := aws.NewSQSClient(sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.SQSRegion != "" {
			o.Region = cfg.SQSRegion
		}
	}))

	switch os.Args[1] {
	case "push":
		return push(ctx, client, cfg, os.Args[2:])
	case "status":
		n, err := work.Status(ctx, client, cfg)
		if err != nil {
			return err
		}
		fmt.Printf("%d tasks queued\n", n)
		return nil
	case "reset":
		fs := flag.NewFlagSet("reset", flag.ExitOnError)
		hard := fs.Bool("hard", false, "delete the queue instead of purging it")
		if err := fs.Parse(os.Args[2:]); err != nil {
			return err
		}
		return work.Reset(ctx, client, cfg, *hard)
	}
	return usage()
}

func push(ctx context.Context, client aws.SQSClient, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("push", flag.ExitOnError)
	taskScript := fs.String("T", "", "task script template (required)")
	start := fs.Int("s", 1, "start frame")
	end := fs.Int("e", 1, "end frame, inclusive")
	taskSize := fs.Int("t", 1, "frames per task")
	subdivX := fs.Int("X", 0, "horizontal subframe subdivisions")
	subdivY := fs.Int("Y", 0, "vertical subframe subdivisions")
	randomize := fs.Bool("r", false, "shuffle the task list")
	dryRun := fs.Bool("dry-run", false, "expand without enqueueing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *taskScript == "" {
		return fmt.Errorf("-T task script is required")
	}

	template, err := os.ReadFile(*taskScript)
	if err != nil {
		return fmt.Errorf("could not read task script: %w", err)
	}

	n, err := work.Push(ctx, client, cfg, filepath.Base(*taskScript), string(template), work.Options{
		Start:     *start,
		End:       *end,
		Step:      *taskSize,
		SubdivX:   *subdivX,
		SubdivY:   *subdivY,
		Randomize: *randomize,
	}, *dryRun)
	if err != nil {
		return err
	}
	fmt.Printf("%d tasks\n", n)
	return nil
}
