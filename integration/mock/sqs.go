// Package mock provides in-memory implementations of the aws service
// interfaces for tests. The mocks model just enough service behavior for
// the drivers and the task loop: message visibility, receipt handles,
// batched sends, and fleet state transitions.
package mock

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// ExtendCall records one ChangeMessageVisibility invocation.
type ExtendCall struct {
	Receipt string
	Seconds int32
}

// sqsMessage is one queued message with its visibility state.
type sqsMessage struct {
	body    string
	attrs   map[string]types.MessageAttributeValue
	receipt string
	visible bool
	deleted bool
}

// SQSClient is an in-memory work queue.
type SQSClient struct {
	mu       sync.Mutex
	name     string
	messages []*sqsMessage
	seq      int

	// Call records for assertions
	Created    bool
	Attributes map[string]string
	Extends    []ExtendCall
	Deletes    []string
	Purged     bool
	Removed    bool
}

// NewSQSClient creates a mock queue with the given name.
func NewSQSClient(name string) *SQSClient {
	return &SQSClient{name: name, Attributes: map[string]string{}}
}

// Push enqueues a visible message directly, bypassing the batch API.
func (m *SQSClient) Push(body, scriptName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.push(body, map[string]types.MessageAttributeValue{
		"script_name": {DataType: awssdk.String("String"), StringValue: &scriptName},
	})
}

func (m *SQSClient) push(body string, attrs map[string]types.MessageAttributeValue) {
	m.seq++
	m.messages = append(m.messages, &sqsMessage{
		body:    body,
		attrs:   attrs,
		receipt: "receipt-" + strconv.Itoa(m.seq),
		visible: true,
	})
}

// Visible returns the number of messages a consumer could receive now.
func (m *SQSClient) Visible() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.messages {
		if msg.visible && !msg.deleted {
			n++
		}
	}
	return n
}

// Remaining returns the number of undeleted messages, visible or not.
func (m *SQSClient) Remaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.messages {
		if !msg.deleted {
			n++
		}
	}
	return n
}

func (m *SQSClient) url() string {
	return "https://sqs.mock/" + m.name
}

// GetQueueUrl implements aws.SQSClient.
func (m *SQSClient) GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if awssdk.ToString(params.QueueName) != m.name {
		return nil, fmt.Errorf("queue %q does not exist", awssdk.ToString(params.QueueName))
	}
	return &sqs.GetQueueUrlOutput{QueueUrl: awssdk.String(m.url())}, nil
}

// CreateQueue implements aws.SQSClient.
func (m *SQSClient) CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Created = true
	for k, v := range params.Attributes {
		m.Attributes[k] = v
	}
	return &sqs.CreateQueueOutput{QueueUrl: awssdk.String(m.url())}, nil
}

// ReceiveMessage implements aws.SQSClient. It hands out at most one message
// and hides it until deleted or returned.
func (m *SQSClient) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.visible && !msg.deleted {
			msg.visible = false
			return &sqs.ReceiveMessageOutput{Messages: []types.Message{{
				Body:              &msg.body,
				ReceiptHandle:     &msg.receipt,
				MessageAttributes: msg.attrs,
			}}}, nil
		}
	}
	return &sqs.ReceiveMessageOutput{}, nil
}

// DeleteMessage implements aws.SQSClient.
func (m *SQSClient) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	receipt := awssdk.ToString(params.ReceiptHandle)
	m.Deletes = append(m.Deletes, receipt)
	for _, msg := range m.messages {
		if msg.receipt == receipt {
			msg.deleted = true
			return &sqs.DeleteMessageOutput{}, nil
		}
	}
	return nil, fmt.Errorf("unknown receipt handle %q", receipt)
}

// ChangeMessageVisibility implements aws.SQSClient. Zero seconds makes the
// message immediately receivable again.
func (m *SQSClient) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	receipt := awssdk.ToString(params.ReceiptHandle)
	m.Extends = append(m.Extends, ExtendCall{Receipt: receipt, Seconds: params.VisibilityTimeout})
	for _, msg := range m.messages {
		if msg.receipt == receipt {
			if params.VisibilityTimeout == 0 {
				msg.visible = true
			}
			return &sqs.ChangeMessageVisibilityOutput{}, nil
		}
	}
	return nil, fmt.Errorf("unknown receipt handle %q", receipt)
}

// SendMessageBatch implements aws.SQSClient.
func (m *SQSClient) SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(params.Entries) > 10 {
		return nil, fmt.Errorf("too many entries in batch: %d", len(params.Entries))
	}
	out := &sqs.SendMessageBatchOutput{}
	for _, e := range params.Entries {
		m.push(awssdk.ToString(e.MessageBody), e.MessageAttributes)
		out.Successful = append(out.Successful, types.SendMessageBatchResultEntry{Id: e.Id})
	}
	return out, nil
}

// GetQueueAttributes implements aws.SQSClient.
func (m *SQSClient) GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.messages {
		if msg.visible && !msg.deleted {
			n++
		}
	}
	return &sqs.GetQueueAttributesOutput{Attributes: map[string]string{
		string(types.QueueAttributeNameApproximateNumberOfMessages): strconv.Itoa(n),
	}}, nil
}

// PurgeQueue implements aws.SQSClient.
func (m *SQSClient) PurgeQueue(ctx context.Context, params *sqs.PurgeQueueInput, optFns ...func(*sqs.Options)) (*sqs.PurgeQueueOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
	m.Purged = true
	return &sqs.PurgeQueueOutput{}, nil
}

// DeleteQueue implements aws.SQSClient.
func (m *SQSClient) DeleteQueue(ctx context.Context, params *sqs.DeleteQueueInput, optFns ...func(*sqs.Options)) (*sqs.DeleteQueueOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
	m.Removed = true
	return &sqs.DeleteQueueOutput{}, nil
}
