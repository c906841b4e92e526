// Package main implements the worker daemon. It pulls task scripts from the
// work queue, renders, uploads results to the output bucket, and exits,
// shuts down, or keeps polling according to the done marker.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/gurre/brenda/aws"
	"github.com/gurre/brenda/compute"
	"github.com/gurre/brenda/config"
	"github.com/gurre/brenda/logging"
	"github.com/gurre/brenda/metrics"
	"github.com/gurre/brenda/node"
	"github.com/gurre/brenda/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("brenda-node", flag.ExitOnError)
	daemon := fs.Bool("daemon", false, "read KEY=VALUE configuration lines from stdin")
	shutdown := fs.Bool("shutdown", false, "shut the host down once the queue drains")
	dryRun := fs.Bool("dry-run", false, "validate configuration without pulling tasks")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}

	var cfg *config.Config
	var err error
	if *daemon {
		cfg, err = config.LoadReader(os.Stdin)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg); err != nil {
		return err
	}
	if err := cfg.ValidateWorker(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}
	sqsClient := aws.NewSQSClient(sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.SQSRegion != "" {
			o.Region = cfg.SQSRegion
		}
	}))
	s3Client := aws.NewS3Client(s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Region != "" {
			o.Region = cfg.S3Region
		}
	}))
	ec2Client := aws.NewEC2Client(ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
		if cfg.EC2Region != "" {
			o.Region = cfg.EC2Region
		}
	}))
	driver := compute.New(ec2Client, aws.NewIMDSClient(imds.NewFromConfig(awsCfg)))

	uploader, err := storage.NewUploader(s3Client, cfg.Output())
	if err != nil {
		return err
	}

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := m.Serve(cfg.MetricsAddr); err != nil {
				slog.Error("metrics listener failed", slog.Any("error", err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := node.NewRunner(cfg, sqsClient, uploader, driver, m)
	return runner.Run(ctx, *shutdown, *dryRun)
}
