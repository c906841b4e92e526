package mock

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// EC2Instance is the mock's view of one instance.
type EC2Instance struct {
	ID            string
	ImageID       string
	InstanceType  string
	State         string
	PublicDNS     string
	LaunchTime    time.Time
	SpotRequestID string
	Tags          map[string]string
	Volumes       []string
}

// EC2SpotRequest is the mock's view of one spot request. States holds the
// sequence of states successive describes observe; the last state sticks.
type EC2SpotRequest struct {
	ID         string
	States     []string
	Type       string
	Price      string
	CreateTime time.Time
	InstanceID string
	Tags       map[string]string
}

// EC2Client is an in-memory compute service.
type EC2Client struct {
	mu           sync.Mutex
	Instances    []*EC2Instance
	SpotRequests []*EC2SpotRequest
	seq          int

	// Call records for assertions
	Terminated []string
	Stopped    []string
	Cancelled  []string
	Tagged     map[string]map[string]string
}

// NewEC2Client creates an empty mock compute service.
func NewEC2Client() *EC2Client {
	return &EC2Client{Tagged: make(map[string]map[string]string)}
}

// AddInstance registers an instance directly.
func (m *EC2Client) AddInstance(i *EC2Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Instances = append(m.Instances, i)
}

// AddSpotRequest registers a spot request directly.
func (m *EC2Client) AddSpotRequest(r *EC2SpotRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SpotRequests = append(m.SpotRequests, r)
}

func (m *EC2Client) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%04d", prefix, m.seq)
}

// RunInstances implements aws.EC2Client.
func (m *EC2Client) RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := &ec2.RunInstancesOutput{}
	for n := 0; n < int(awssdk.ToInt32(params.MaxCount)); n++ {
		id := m.nextID("i")
		m.Instances = append(m.Instances, &EC2Instance{
			ID:           id,
			ImageID:      awssdk.ToString(params.ImageId),
			InstanceType: string(params.InstanceType),
			State:        "running",
			LaunchTime:   time.Now(),
			Volumes:      []string{m.nextID("vol")},
		})
		out.Instances = append(out.Instances, types.Instance{InstanceId: &id})
	}
	return out, nil
}

// RequestSpotInstances implements aws.EC2Client. Each request is fulfilled
// immediately with a fresh instance; the request reports open once before
// turning active.
func (m *EC2Client) RequestSpotInstances(ctx context.Context, params *ec2.RequestSpotInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RequestSpotInstancesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := &ec2.RequestSpotInstancesOutput{}
	for n := 0; n < int(awssdk.ToInt32(params.InstanceCount)); n++ {
		rid := m.nextID("sir")
		iid := m.nextID("i")
		m.Instances = append(m.Instances, &EC2Instance{
			ID:            iid,
			ImageID:       awssdk.ToString(params.LaunchSpecification.ImageId),
			InstanceType:  string(params.LaunchSpecification.InstanceType),
			State:         "running",
			LaunchTime:    time.Now(),
			SpotRequestID: rid,
			Volumes:       []string{m.nextID("vol")},
		})
		m.SpotRequests = append(m.SpotRequests, &EC2SpotRequest{
			ID:         rid,
			States:     []string{"open", "active"},
			Type:       string(params.Type),
			Price:      awssdk.ToString(params.SpotPrice),
			CreateTime: time.Now(),
			InstanceID: iid,
		})
		out.SpotInstanceRequests = append(out.SpotInstanceRequests, types.SpotInstanceRequest{
			SpotInstanceRequestId: &rid,
		})
	}
	return out, nil
}

// TerminateInstances implements aws.EC2Client.
func (m *EC2Client) TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Terminated = append(m.Terminated, params.InstanceIds...)
	for _, i := range m.Instances {
		for _, id := range params.InstanceIds {
			if i.ID == id {
				i.State = "terminated"
			}
		}
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

// StopInstances implements aws.EC2Client.
func (m *EC2Client) StopInstances(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Stopped = append(m.Stopped, params.InstanceIds...)
	return &ec2.StopInstancesOutput{}, nil
}

// DescribeInstances implements aws.EC2Client with the filters the fleet
// tools use: instance ids, state, type, DNS name, and tags.
func (m *EC2Client) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var instances []types.Instance
	for _, i := range m.Instances {
		if len(params.InstanceIds) > 0 && !contains(params.InstanceIds, i.ID) {
			continue
		}
		if !matchInstance(i, params.Filters) {
			continue
		}
		inst := types.Instance{
			InstanceId:   awssdk.String(i.ID),
			ImageId:      awssdk.String(i.ImageID),
			InstanceType: types.InstanceType(i.InstanceType),
			State:        &types.InstanceState{Name: types.InstanceStateName(i.State)},
			LaunchTime:   awssdk.Time(i.LaunchTime),
		}
		if i.PublicDNS != "" {
			inst.PublicDnsName = awssdk.String(i.PublicDNS)
		}
		if i.SpotRequestID != "" {
			inst.SpotInstanceRequestId = awssdk.String(i.SpotRequestID)
		}
		for k, v := range i.Tags {
			k, v := k, v
			inst.Tags = append(inst.Tags, types.Tag{Key: &k, Value: &v})
		}
		instances = append(instances, inst)
	}
	return &ec2.DescribeInstancesOutput{
		Reservations: []types.Reservation{{Instances: instances}},
	}, nil
}

func matchInstance(i *EC2Instance, filters []types.Filter) bool {
	for _, f := range filters {
		name := awssdk.ToString(f.Name)
		switch {
		case name == "instance-state-name":
			if !contains(f.Values, i.State) {
				return false
			}
		case name == "instance-type":
			if !contains(f.Values, i.InstanceType) {
				return false
			}
		case name == "dns-name":
			if !contains(f.Values, i.PublicDNS) {
				return false
			}
		case strings.HasPrefix(name, "tag:"):
			if i.Tags[strings.TrimPrefix(name, "tag:")] != f.Values[0] {
				return false
			}
		}
	}
	return true
}

// DescribeSpotInstanceRequests implements aws.EC2Client. Each describe of a
// request consumes one entry of its state sequence.
func (m *EC2Client) DescribeSpotInstanceRequests(ctx context.Context, params *ec2.DescribeSpotInstanceRequestsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotInstanceRequestsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := &ec2.DescribeSpotInstanceRequestsOutput{}
	for _, r := range m.SpotRequests {
		if len(params.SpotInstanceRequestIds) > 0 && !contains(params.SpotInstanceRequestIds, r.ID) {
			continue
		}
		state := r.States[0]
		if len(r.States) > 1 {
			r.States = r.States[1:]
		}
		if !matchSpotRequest(r, state, params.Filters) {
			continue
		}
		req := types.SpotInstanceRequest{
			SpotInstanceRequestId: awssdk.String(r.ID),
			State:                 types.SpotInstanceState(state),
			Type:                  types.SpotInstanceType(r.Type),
			SpotPrice:             awssdk.String(r.Price),
			CreateTime:            awssdk.Time(r.CreateTime),
		}
		if r.InstanceID != "" {
			req.InstanceId = awssdk.String(r.InstanceID)
		}
		out.SpotInstanceRequests = append(out.SpotInstanceRequests, req)
	}
	return out, nil
}

func matchSpotRequest(r *EC2SpotRequest, state string, filters []types.Filter) bool {
	for _, f := range filters {
		name := awssdk.ToString(f.Name)
		switch {
		case name == "state":
			if !contains(f.Values, state) {
				return false
			}
		case strings.HasPrefix(name, "tag:"):
			if r.Tags[strings.TrimPrefix(name, "tag:")] != f.Values[0] {
				return false
			}
		}
	}
	return true
}

// CancelSpotInstanceRequests implements aws.EC2Client.
func (m *EC2Client) CancelSpotInstanceRequests(ctx context.Context, params *ec2.CancelSpotInstanceRequestsInput, optFns ...func(*ec2.Options)) (*ec2.CancelSpotInstanceRequestsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Cancelled = append(m.Cancelled, params.SpotInstanceRequestIds...)
	for _, r := range m.SpotRequests {
		if contains(params.SpotInstanceRequestIds, r.ID) {
			r.States = []string{"cancelled"}
		}
	}
	return &ec2.CancelSpotInstanceRequestsOutput{}, nil
}

// CreateTags implements aws.EC2Client.
func (m *EC2Client) CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range params.Resources {
		if m.Tagged[id] == nil {
			m.Tagged[id] = make(map[string]string)
		}
		for _, t := range params.Tags {
			m.Tagged[id][awssdk.ToString(t.Key)] = awssdk.ToString(t.Value)
		}
	}
	return &ec2.CreateTagsOutput{}, nil
}

// DescribeInstanceAttribute implements aws.EC2Client for block device
// mapping lookups.
func (m *EC2Client) DescribeInstanceAttribute(ctx context.Context, params *ec2.DescribeInstanceAttributeInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceAttributeOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := &ec2.DescribeInstanceAttributeOutput{}
	for _, i := range m.Instances {
		if i.ID == awssdk.ToString(params.InstanceId) {
			for _, vol := range i.Volumes {
				vol := vol
				out.BlockDeviceMappings = append(out.BlockDeviceMappings, types.InstanceBlockDeviceMapping{
					Ebs: &types.EbsInstanceBlockDevice{VolumeId: &vol},
				})
			}
		}
	}
	return out, nil
}

// DescribeSpotPriceHistory implements aws.EC2Client.
func (m *EC2Client) DescribeSpotPriceHistory(ctx context.Context, params *ec2.DescribeSpotPriceHistoryInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotPriceHistoryOutput, error) {
	return &ec2.DescribeSpotPriceHistoryOutput{}, nil
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

// IMDSClient is a mock metadata service reporting a fixed instance id.
type IMDSClient struct {
	InstanceID string
}

// GetMetadata implements aws.IMDSClient.
func (m *IMDSClient) GetMetadata(ctx context.Context, params *imds.GetMetadataInput, optFns ...func(*imds.Options)) (*imds.GetMetadataOutput, error) {
	if params.Path != "instance-id" {
		return nil, fmt.Errorf("unsupported metadata path %q", params.Path)
	}
	return &imds.GetMetadataOutput{Content: io.NopCloser(strings.NewReader(m.InstanceID))}, nil
}
