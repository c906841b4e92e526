package mock

import "github.com/gurre/brenda/aws"

// Compile-time checks that the mocks satisfy the service interfaces
var (
	_ aws.SQSClient  = (*SQSClient)(nil)
	_ aws.S3Client   = (*S3Client)(nil)
	_ aws.EC2Client  = (*EC2Client)(nil)
	_ aws.IMDSClient = (*IMDSClient)(nil)
)
