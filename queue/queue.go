// Package queue implements the durable work queue driver on SQS. One queue
// message is one task: the body is a complete shell script and the single
// script_name attribute names it. Messages are identified by the opaque
// receipt handle the queue hands out on receive.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/gurre/brenda/aws"
	"github.com/gurre/brenda/config"
)

// ScriptNameAttribute is the message attribute carrying the task script name.
const ScriptNameAttribute = "script_name"

// MaxBatch is the queue service's limit on entries per batched send.
const MaxBatch = 10

// Message is one received task. The receipt handle is only valid until the
// visibility timeout expires or the message is deleted.
type Message struct {
	Body          string
	ScriptName    string
	ReceiptHandle string
}

// BatchEntry is one task to enqueue in a batched send.
type BatchEntry struct {
	ID         string
	Body       string
	Delay      int32
	ScriptName string
}

// Queue is the work queue driver. All operations are synchronous; transient
// classification of service errors is left to the retry harness.
type Queue struct {
	client aws.SQSClient
	url    string
	name   string
}

// Resolve looks up an existing work queue from its sqs:// URL.
func Resolve(ctx context.Context, client aws.SQSClient, workQueue string) (*Queue, error) {
	name, err := config.ParseSQSURL(workQueue)
	if err != nil {
		return nil, err
	}
	out, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: &name})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve queue %q: %w", name, err)
	}
	return &Queue{client: client, url: *out.QueueUrl, name: name}, nil
}

// Create creates the work queue if it does not exist and returns it. Creation
// is idempotent; visibility timeout and retention are applied on create.
func Create(ctx context.Context, client aws.SQSClient, workQueue string, visibilityTimeout, retention int) (*Queue, error) {
	name, err := config.ParseSQSURL(workQueue)
	if err != nil {
		return nil, err
	}
	out, err := client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: &name,
		Attributes: map[string]string{
			string(types.QueueAttributeNameVisibilityTimeout):      strconv.Itoa(visibilityTimeout),
			string(types.QueueAttributeNameMessageRetentionPeriod): strconv.Itoa(retention),
		},
	})
	if err != nil {
		// An existing queue with different attributes still counts as created.
		var exists *types.QueueNameExists
		if errors.As(err, &exists) {
			return Resolve(ctx, client, workQueue)
		}
		return nil, fmt.Errorf("failed to create queue %q: %w", name, err)
	}
	return &Queue{client: client, url: *out.QueueUrl, name: name}, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Receive pulls at most one task without waiting. It returns nil when the
// queue has nothing visible.
func (q *Queue) Receive(ctx context.Context) (*Message, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              &q.url,
		MaxNumberOfMessages:   1,
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive message: %w", err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}
	m := out.Messages[0]
	msg := &Message{
		Body:          awssdk.ToString(m.Body),
		ReceiptHandle: awssdk.ToString(m.ReceiptHandle),
	}
	if attr, ok := m.MessageAttributes[ScriptNameAttribute]; ok {
		msg.ScriptName = awssdk.ToString(attr.StringValue)
	}
	if msg.ScriptName == "" {
		return nil, fmt.Errorf("message is missing the %s attribute", ScriptNameAttribute)
	}
	return msg, nil
}

// Extend resets the message's visibility timer, keeping the lease alive.
func (q *Queue) Extend(ctx context.Context, receipt string, seconds int) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          &q.url,
		ReceiptHandle:     &receipt,
		VisibilityTimeout: int32(seconds),
	})
	if err != nil {
		return fmt.Errorf("failed to extend message visibility: %w", err)
	}
	return nil
}

// Return makes the message visible again immediately so a peer picks it up.
func (q *Queue) Return(ctx context.Context, receipt string) error {
	return q.Extend(ctx, receipt, 0)
}

// Delete is the final acknowledgement of a completed task.
func (q *Queue) Delete(ctx context.Context, receipt string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &q.url,
		ReceiptHandle: &receipt,
	})
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// WriteBatch enqueues up to MaxBatch tasks in one request.
func (q *Queue) WriteBatch(ctx context.Context, entries []BatchEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if len(entries) > MaxBatch {
		return fmt.Errorf("batch of %d exceeds the limit of %d entries", len(entries), MaxBatch)
	}
	batch := make([]types.SendMessageBatchRequestEntry, 0, len(entries))
	for _, e := range entries {
		e := e
		batch = append(batch, types.SendMessageBatchRequestEntry{
			Id:           &e.ID,
			MessageBody:  &e.Body,
			DelaySeconds: e.Delay,
			MessageAttributes: map[string]types.MessageAttributeValue{
				ScriptNameAttribute: {
					DataType:    awssdk.String("String"),
					StringValue: &e.ScriptName,
				},
			},
		})
	}
	out, err := q.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
		QueueUrl: &q.url,
		Entries:  batch,
	})
	if err != nil {
		return fmt.Errorf("failed to send message batch: %w", err)
	}
	if len(out.Failed) > 0 {
		f := out.Failed[0]
		return fmt.Errorf("%d of %d batch entries failed, first: %s %s",
			len(out.Failed), len(entries), awssdk.ToString(f.Code), awssdk.ToString(f.Message))
	}
	return nil
}

// ApproximateCount returns the approximate number of visible tasks.
func (q *Queue) ApproximateCount(ctx context.Context) (int, error) {
	out, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       &q.url,
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get queue attributes: %w", err)
	}
	n, err := strconv.Atoi(out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)])
	if err != nil {
		return 0, fmt.Errorf("unexpected message count attribute: %w", err)
	}
	return n, nil
}

// Purge removes all queued tasks but keeps the queue.
func (q *Queue) Purge(ctx context.Context) error {
	_, err := q.client.PurgeQueue(ctx, &sqs.PurgeQueueInput{QueueUrl: &q.url})
	if err != nil {
		return fmt.Errorf("failed to purge queue: %w", err)
	}
	return nil
}

// DeleteQueue removes the queue itself.
func (q *Queue) DeleteQueue(ctx context.Context) error {
	_, err := q.client.DeleteQueue(ctx, &sqs.DeleteQueueInput{QueueUrl: &q.url})
	if err != nil {
		return fmt.Errorf("failed to delete queue: %w", err)
	}
	return nil
}
