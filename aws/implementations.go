// Package aws implements the AWS service abstractions. This file contains the
// concrete implementations of the service interfaces, each a thin wrapper
// around the corresponding SDK client.
package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SQSClientImpl implements SQSClient using the AWS SDK.
type SQSClientImpl struct {
	client *sqs.Client
}

// NewSQSClient creates a new SQSClientImpl instance
func NewSQSClient(client *sqs.Client) *SQSClientImpl {
	return &SQSClientImpl{client: client}
}

// GetQueueUrl implements the SQSClient interface for resolving queue names
func (c *SQSClientImpl) GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	return c.client.GetQueueUrl(ctx, params, optFns...)
}

// CreateQueue implements the SQSClient interface for creating the work queue
func (c *SQSClientImpl) CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error) {
	return c.client.CreateQueue(ctx, params, optFns...)
}

// ReceiveMessage implements the SQSClient interface for pulling tasks
func (c *SQSClientImpl) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	return c.client.ReceiveMessage(ctx, params, optFns...)
}

// DeleteMessage implements the SQSClient interface for acknowledging tasks
func (c *SQSClientImpl) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	return c.client.DeleteMessage(ctx, params, optFns...)
}

// ChangeMessageVisibility implements the SQSClient interface for lease control
func (c *SQSClientImpl) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	return c.client.ChangeMessageVisibility(ctx, params, optFns...)
}

// SendMessageBatch implements the SQSClient interface for batched enqueues
func (c *SQSClientImpl) SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
	return c.client.SendMessageBatch(ctx, params, optFns...)
}

// GetQueueAttributes implements the SQSClient interface for queue inspection
func (c *SQSClientImpl) GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	return c.client.GetQueueAttributes(ctx, params, optFns...)
}

// PurgeQueue implements the SQSClient interface for clearing the work queue
func (c *SQSClientImpl) PurgeQueue(ctx context.Context, params *sqs.PurgeQueueInput, optFns ...func(*sqs.Options)) (*sqs.PurgeQueueOutput, error) {
	return c.client.PurgeQueue(ctx, params, optFns...)
}

// DeleteQueue implements the SQSClient interface for removing the work queue
func (c *SQSClientImpl) DeleteQueue(ctx context.Context, params *sqs.DeleteQueueInput, optFns ...func(*sqs.Options)) (*sqs.DeleteQueueOutput, error) {
	return c.client.DeleteQueue(ctx, params, optFns...)
}

// S3ClientImpl implements S3Client using the AWS SDK.
type S3ClientImpl struct {
	client *s3.Client
}

// NewS3Client creates a new S3ClientImpl instance
func NewS3Client(client *s3.Client) *S3ClientImpl {
	return &S3ClientImpl{client: client}
}

// PutObject implements the S3Client interface for uploading render output
func (c *S3ClientImpl) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return c.client.PutObject(ctx, params, optFns...)
}

// HeadBucket implements the S3Client interface for validating the output bucket
func (c *S3ClientImpl) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return c.client.HeadBucket(ctx, params, optFns...)
}

// EC2ClientImpl implements EC2Client using the AWS SDK.
type EC2ClientImpl struct {
	client *ec2.Client
}

// NewEC2Client creates a new EC2ClientImpl instance
func NewEC2Client(client *ec2.Client) *EC2ClientImpl {
	return &EC2ClientImpl{client: client}
}

// RunInstances implements the EC2Client interface for on-demand launches
func (c *EC2ClientImpl) RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	return c.client.RunInstances(ctx, params, optFns...)
}

// RequestSpotInstances implements the EC2Client interface for spot launches
func (c *EC2ClientImpl) RequestSpotInstances(ctx context.Context, params *ec2.RequestSpotInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RequestSpotInstancesOutput, error) {
	return c.client.RequestSpotInstances(ctx, params, optFns...)
}

// TerminateInstances implements the EC2Client interface for terminating workers
func (c *EC2ClientImpl) TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	return c.client.TerminateInstances(ctx, params, optFns...)
}

// StopInstances implements the EC2Client interface for stopping workers
func (c *EC2ClientImpl) StopInstances(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	return c.client.StopInstances(ctx, params, optFns...)
}

// DescribeInstances implements the EC2Client interface for fleet listings
func (c *EC2ClientImpl) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return c.client.DescribeInstances(ctx, params, optFns...)
}

// DescribeSpotInstanceRequests implements the EC2Client interface for spot listings
func (c *EC2ClientImpl) DescribeSpotInstanceRequests(ctx context.Context, params *ec2.DescribeSpotInstanceRequestsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotInstanceRequestsOutput, error) {
	return c.client.DescribeSpotInstanceRequests(ctx, params, optFns...)
}

// CancelSpotInstanceRequests implements the EC2Client interface for spot cancellation
func (c *EC2ClientImpl) CancelSpotInstanceRequests(ctx context.Context, params *ec2.CancelSpotInstanceRequestsInput, optFns ...func(*ec2.Options)) (*ec2.CancelSpotInstanceRequestsOutput, error) {
	return c.client.CancelSpotInstanceRequests(ctx, params, optFns...)
}

// CreateTags implements the EC2Client interface for tagging fleet resources
func (c *EC2ClientImpl) CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	return c.client.CreateTags(ctx, params, optFns...)
}

// DescribeInstanceAttribute implements the EC2Client interface for block device lookups
func (c *EC2ClientImpl) DescribeInstanceAttribute(ctx context.Context, params *ec2.DescribeInstanceAttributeInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceAttributeOutput, error) {
	return c.client.DescribeInstanceAttribute(ctx, params, optFns...)
}

// DescribeSpotPriceHistory implements the EC2Client interface for price queries
func (c *EC2ClientImpl) DescribeSpotPriceHistory(ctx context.Context, params *ec2.DescribeSpotPriceHistoryInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotPriceHistoryOutput, error) {
	return c.client.DescribeSpotPriceHistory(ctx, params, optFns...)
}

// IMDSClientImpl implements IMDSClient using the AWS SDK metadata client.
type IMDSClientImpl struct {
	client *imds.Client
}

// NewIMDSClient creates a new IMDSClientImpl instance
func NewIMDSClient(client *imds.Client) *IMDSClientImpl {
	return &IMDSClientImpl{client: client}
}

// GetMetadata implements the IMDSClient interface for instance metadata reads
func (c *IMDSClientImpl) GetMetadata(ctx context.Context, params *imds.GetMetadataInput, optFns ...func(*imds.Options)) (*imds.GetMetadataOutput, error) {
	return c.client.GetMetadata(ctx, params, optFns...)
}
