package queue

import (
	"context"
	"strconv"
	"testing"

	"github.com/gurre/brenda/integration/mock"
)

func TestResolveUnknownQueue(t *testing.T) {
	client := mock.NewSQSClient("render-queue")
	if _, err := Resolve(context.Background(), client, "sqs://other-queue"); err == nil {
		t.Error("expected error for unknown queue")
	}
}

func TestReceiveEmptyQueue(t *testing.T) {
	client := mock.NewSQSClient("render-queue")
	q, err := Resolve(context.Background(), client, "sqs://render-queue")
	if err != nil {
		t.Fatal(err)
	}
	msg, err := q.Receive(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if msg != nil {
		t.Errorf("expected nil message from empty queue, got %+v", msg)
	}
}

func TestReceiveHidesMessage(t *testing.T) {
	client := mock.NewSQSClient("render-queue")
	client.Push("#!/bin/sh\ntrue\n", "task.sh")
	q, err := Resolve(context.Background(), client, "sqs://render-queue")
	if err != nil {
		t.Fatal(err)
	}

	msg, err := q.Receive(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil {
		t.Fatal("expected a message")
	}
	if msg.ScriptName != "task.sh" {
		t.Errorf("script name = %q", msg.ScriptName)
	}
	if msg.Body != "#!/bin/sh\ntrue\n" {
		t.Errorf("body = %q", msg.Body)
	}

	// The message is leased to us; a second receive sees nothing.
	again, err := q.Receive(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if again != nil {
		t.Error("received a leased message twice")
	}
}

func TestReturnMakesMessageVisible(t *testing.T) {
	client := mock.NewSQSClient("render-queue")
	client.Push("#!/bin/sh\ntrue\n", "task.sh")
	q, _ := Resolve(context.Background(), client, "sqs://render-queue")

	msg, err := q.Receive(context.Background())
	if err != nil || msg == nil {
		t.Fatalf("receive: %v %v", msg, err)
	}
	if err := q.Return(context.Background(), msg.ReceiptHandle); err != nil {
		t.Fatal(err)
	}
	again, err := q.Receive(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if again == nil {
		t.Fatal("returned message is not receivable")
	}
}

func TestDeleteAcknowledges(t *testing.T) {
	client := mock.NewSQSClient("render-queue")
	client.Push("#!/bin/sh\ntrue\n", "task.sh")
	q, _ := Resolve(context.Background(), client, "sqs://render-queue")

	msg, _ := q.Receive(context.Background())
	if err := q.Delete(context.Background(), msg.ReceiptHandle); err != nil {
		t.Fatal(err)
	}
	if client.Remaining() != 0 {
		t.Error("deleted message still in queue")
	}
}

func TestCreateAppliesQueueProperties(t *testing.T) {
	client := mock.NewSQSClient("render-queue")
	if _, err := Create(context.Background(), client, "sqs://render-queue", 120, 1209600); err != nil {
		t.Fatal(err)
	}
	if !client.Created {
		t.Error("queue was not created")
	}
	if got := client.Attributes["VisibilityTimeout"]; got != "120" {
		t.Errorf("VisibilityTimeout = %q, want 120", got)
	}
	if got := client.Attributes["MessageRetentionPeriod"]; got != "1209600" {
		t.Errorf("MessageRetentionPeriod = %q, want 1209600", got)
	}
}

func TestWriteBatchLimit(t *testing.T) {
	client := mock.NewSQSClient("render-queue")
	q, _ := Create(context.Background(), client, "sqs://render-queue", 120, 1209600)

	entries := make([]BatchEntry, MaxBatch+1)
	for i := range entries {
		entries[i] = BatchEntry{ID: strconv.Itoa(i), Body: "#!/bin/sh\ntrue\n", ScriptName: "task.sh"}
	}
	if err := q.WriteBatch(context.Background(), entries); err == nil {
		t.Error("expected error for oversized batch")
	}
	if err := q.WriteBatch(context.Background(), entries[:MaxBatch]); err != nil {
		t.Fatal(err)
	}
	if client.Visible() != MaxBatch {
		t.Errorf("visible = %d, want %d", client.Visible(), MaxBatch)
	}
}

func TestWriteBatchCarriesScriptName(t *testing.T) {
	client := mock.NewSQSClient("render-queue")
	q, _ := Create(context.Background(), client, "sqs://render-queue", 120, 1209600)
	err := q.WriteBatch(context.Background(), []BatchEntry{
		{ID: "1", Body: "#!/bin/sh\ntrue\n", ScriptName: "frame.sh"},
	})
	if err != nil {
		t.Fatal(err)
	}
	msg, err := q.Receive(context.Background())
	if err != nil || msg == nil {
		t.Fatalf("receive: %v %v", msg, err)
	}
	if msg.ScriptName != "frame.sh" {
		t.Errorf("script name = %q, want frame.sh", msg.ScriptName)
	}
}

func TestApproximateCount(t *testing.T) {
	client := mock.NewSQSClient("render-queue")
	client.Push("#!/bin/sh\ntrue\n", "task.sh")
	client.Push("#!/bin/sh\ntrue\n", "task.sh")
	q, _ := Resolve(context.Background(), client, "sqs://render-queue")
	n, err := q.ApproximateCount(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}
