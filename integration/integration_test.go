// Package integration exercises the submit-render-upload pipeline end to
// end against the in-memory service mocks: the submitter expands a template
// into the queue, a worker drains it, and the output lands in the bucket.
package integration

import (
	"context"
	"fmt"
	"testing"

	"github.com/gurre/brenda/config"
	"github.com/gurre/brenda/integration/mock"
	"github.com/gurre/brenda/metrics"
	"github.com/gurre/brenda/node"
	"github.com/gurre/brenda/storage"
	"github.com/gurre/brenda/work"
)

func pipelineConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		WorkQueue:                 "sqs://render-queue",
		OutputURL:                 "s3://frames",
		WorkDir:                   t.TempDir(),
		VisibilityTimeout:         30,
		VisibilityTimeoutReassert: 10,
		MessageRetention:          1209600,
		ErrorRetries:              3,
		ErrorPause:                0,
		ErrorReset:                3600,
		JobName:                   "NONE",
		JobURL:                    "NONE",
	}
}

func TestSubmitRenderUploadPipeline(t *testing.T) {
	cfg := pipelineConfig(t)
	sqsClient := mock.NewSQSClient("render-queue")
	s3Client := mock.NewS3Client("frames")

	// Each task writes one frame file named after its range.
	template := "#!/bin/sh\necho rendered > frame-$START-$END.txt\n"
	n, err := work.Push(context.Background(), sqsClient, cfg, "frame.sh", template,
		work.Options{Start: 1, End: 3, Step: 1}, false)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("pushed %d tasks, want 3", n)
	}

	uploader, err := storage.NewUploader(s3Client, cfg.Output())
	if err != nil {
		t.Fatal(err)
	}
	runner := node.NewRunner(cfg, sqsClient, uploader, nil, metrics.New())
	if err := runner.Run(context.Background(), false, false); err != nil {
		t.Fatal(err)
	}

	if runner.Completed() != 3 {
		t.Errorf("completed = %d, want 3", runner.Completed())
	}
	if sqsClient.Remaining() != 0 {
		t.Errorf("queue still holds %d messages", sqsClient.Remaining())
	}
	for frame := 1; frame <= 3; frame++ {
		name := fmt.Sprintf("frame-%d-%d.txt", frame, frame)
		if _, ok := s3Client.Object("frames", name); !ok {
			t.Errorf("missing output object %s", name)
		}
	}
}
