// Package compute implements the elastic-compute driver behind the fleet
// controller: launching on-demand and spot workers, listing and filtering
// the fleet, tagging resources, and cancelling spot requests. The worker
// itself uses it only to learn its own instance id and spot request.
package compute

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/gurre/brenda/aws"
)

// Driver wraps the compute and metadata clients.
type Driver struct {
	client aws.EC2Client
	meta   aws.IMDSClient
}

// New creates a Driver. meta may be nil on hosts outside the cloud.
func New(client aws.EC2Client, meta aws.IMDSClient) *Driver {
	return &Driver{client: client, meta: meta}
}

// Instance is the subset of instance state the fleet tools work with.
type Instance struct {
	ID            string
	ImageID       string
	InstanceType  string
	State         string
	PublicDNS     string
	LaunchTime    time.Time
	SpotRequestID string
	Tags          map[string]string
}

// SpotRequest is the subset of spot request state the fleet tools work with.
type SpotRequest struct {
	ID         string
	State      string
	Status     string
	Type       string
	Price      string
	CreateTime time.Time
	InstanceID string
	Tags       map[string]string
}

// SpotPrice is one most-recent price observation for an availability zone.
type SpotPrice struct {
	AvailabilityZone string
	Timestamp        time.Time
	Price            string
}

// LaunchSpec describes the workers to launch.
type LaunchSpec struct {
	AMIID           string
	InstanceType    string
	Count           int
	UserData        string // startup script, plain text
	KeyName         string
	SecurityGroups  []string
	InstanceProfile string
	DryRun          bool
}

// Filters narrows instance and spot request listings.
type Filters struct {
	States       []string
	InstanceType string
	DNSNames     []string
	Tags         map[string]string
}

// IsDryRun reports whether err is the service's dry-run acknowledgement,
// which is logged at warning and never treated as a failure.
func IsDryRun(err error) bool {
	var ae smithy.APIError
	return errors.As(err, &ae) && ae.ErrorCode() == "DryRunOperation"
}

// RunOnDemand launches spec.Count on-demand workers and returns their ids.
func (d *Driver) RunOnDemand(ctx context.Context, spec LaunchSpec) ([]string, error) {
	input := &ec2.RunInstancesInput{
		ImageId:        &spec.AMIID,
		InstanceType:   types.InstanceType(spec.InstanceType),
		MinCount:       awssdk.Int32(1),
		MaxCount:       awssdk.Int32(int32(spec.Count)),
		KeyName:        &spec.KeyName,
		SecurityGroups: spec.SecurityGroups,
		UserData:       awssdk.String(base64.StdEncoding.EncodeToString([]byte(spec.UserData))),
		DryRun:         awssdk.Bool(spec.DryRun),
	}
	if spec.InstanceProfile != "" {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{Name: &spec.InstanceProfile}
	}
	out, err := d.client.RunInstances(ctx, input)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out.Instances))
	for _, i := range out.Instances {
		ids = append(ids, awssdk.ToString(i.InstanceId))
	}
	return ids, nil
}

// RunSpot issues spec.Count spot requests at the bid price and returns the
// request ids. persistent requests are renewed by the service until
// cancelled; one-time requests die with their instance.
func (d *Driver) RunSpot(ctx context.Context, spec LaunchSpec, persistent bool, price string) ([]string, error) {
	reqType := types.SpotInstanceTypeOneTime
	if persistent {
		reqType = types.SpotInstanceTypePersistent
	}
	launch := &types.RequestSpotLaunchSpecification{
		ImageId:        &spec.AMIID,
		InstanceType:   types.InstanceType(spec.InstanceType),
		KeyName:        &spec.KeyName,
		SecurityGroups: spec.SecurityGroups,
		UserData:       awssdk.String(base64.StdEncoding.EncodeToString([]byte(spec.UserData))),
	}
	if spec.InstanceProfile != "" {
		launch.IamInstanceProfile = &types.IamInstanceProfileSpecification{Name: &spec.InstanceProfile}
	}
	out, err := d.client.RequestSpotInstances(ctx, &ec2.RequestSpotInstancesInput{
		SpotPrice:           &price,
		Type:                reqType,
		InstanceCount:       awssdk.Int32(int32(spec.Count)),
		LaunchSpecification: launch,
		DryRun:              awssdk.Bool(spec.DryRun),
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out.SpotInstanceRequests))
	for _, r := range out.SpotInstanceRequests {
		ids = append(ids, awssdk.ToString(r.SpotInstanceRequestId))
	}
	return ids, nil
}

// Terminate terminates the given instances, cancelling their spot requests
// first so persistent requests do not replace them.
func (d *Driver) Terminate(ctx context.Context, ids []string, dryRun bool) error {
	if len(ids) == 0 {
		return nil
	}
	if err := d.cancelSpotRequestsOf(ctx, ids, dryRun); err != nil {
		return err
	}
	_, err := d.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: ids,
		DryRun:      awssdk.Bool(dryRun),
	})
	return err
}

// Stop stops the given instances, cancelling their spot requests first.
func (d *Driver) Stop(ctx context.Context, ids []string, dryRun bool) error {
	if len(ids) == 0 {
		return nil
	}
	if err := d.cancelSpotRequestsOf(ctx, ids, dryRun); err != nil {
		return err
	}
	_, err := d.client.StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: ids,
		DryRun:      awssdk.Bool(dryRun),
	})
	return err
}

func (d *Driver) cancelSpotRequestsOf(ctx context.Context, ids []string, dryRun bool) error {
	instances, err := d.describe(ctx, ids, nil)
	if err != nil {
		return err
	}
	var sirs []string
	for _, i := range instances {
		if i.SpotRequestID != "" {
			sirs = append(sirs, i.SpotRequestID)
		}
	}
	if len(sirs) == 0 {
		return nil
	}
	return d.CancelSpotRequests(ctx, sirs, dryRun)
}

// CancelSpotRequests cancels the given spot requests.
func (d *Driver) CancelSpotRequests(ctx context.Context, ids []string, dryRun bool) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := d.client.CancelSpotInstanceRequests(ctx, &ec2.CancelSpotInstanceRequestsInput{
		SpotInstanceRequestIds: ids,
		DryRun:                 awssdk.Bool(dryRun),
	})
	return err
}

// CreateTags applies tags to the given resource ids.
func (d *Driver) CreateTags(ctx context.Context, ids []string, tags map[string]string) error {
	if len(ids) == 0 || len(tags) == 0 {
		return nil
	}
	ec2Tags := make([]types.Tag, 0, len(tags))
	for k, v := range tags {
		k, v := k, v
		ec2Tags = append(ec2Tags, types.Tag{Key: &k, Value: &v})
	}
	_, err := d.client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: ids,
		Tags:      ec2Tags,
	})
	return err
}

// ListInstances returns instances matching the filters, ordered by
// (image id, launch time, public DNS name) so fleet listings are stable.
func (d *Driver) ListInstances(ctx context.Context, f Filters) ([]Instance, error) {
	instances, err := d.describe(ctx, nil, buildFilters(f))
	if err != nil {
		return nil, err
	}
	SortInstances(instances)
	return instances, nil
}

// GetInstance returns a single instance by id, or nil when not found.
func (d *Driver) GetInstance(ctx context.Context, id string) (*Instance, error) {
	instances, err := d.describe(ctx, []string{id}, nil)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, nil
	}
	return &instances[0], nil
}

// GetSpotRequestOf returns the spot request id behind an instance, empty for
// on-demand instances.
func (d *Driver) GetSpotRequestOf(ctx context.Context, instanceID string) (string, error) {
	inst, err := d.GetInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	if inst == nil {
		return "", fmt.Errorf("instance %s not found", instanceID)
	}
	return inst.SpotRequestID, nil
}

// ListSpotRequests returns spot requests matching the filters.
func (d *Driver) ListSpotRequests(ctx context.Context, f Filters) ([]SpotRequest, error) {
	var filters []types.Filter
	if len(f.States) > 0 {
		filters = append(filters, types.Filter{Name: awssdk.String("state"), Values: f.States})
	}
	for k, v := range f.Tags {
		filters = append(filters, types.Filter{Name: awssdk.String("tag:" + k), Values: []string{v}})
	}
	out, err := d.client.DescribeSpotInstanceRequests(ctx, &ec2.DescribeSpotInstanceRequestsInput{
		Filters: filters,
	})
	if err != nil {
		return nil, err
	}
	requests := make([]SpotRequest, 0, len(out.SpotInstanceRequests))
	for _, r := range out.SpotInstanceRequests {
		requests = append(requests, SpotRequest{
			ID:         awssdk.ToString(r.SpotInstanceRequestId),
			State:      string(r.State),
			Status:     statusCode(r.Status),
			Type:       string(r.Type),
			Price:      awssdk.ToString(r.SpotPrice),
			CreateTime: awssdk.ToTime(r.CreateTime),
			InstanceID: awssdk.ToString(r.InstanceId),
			Tags:       tagMap(r.Tags),
		})
	}
	return requests, nil
}

// GetSpotRequest returns a single spot request by id.
func (d *Driver) GetSpotRequest(ctx context.Context, id string) (*SpotRequest, error) {
	out, err := d.client.DescribeSpotInstanceRequests(ctx, &ec2.DescribeSpotInstanceRequestsInput{
		SpotInstanceRequestIds: []string{id},
	})
	if err != nil {
		return nil, err
	}
	if len(out.SpotInstanceRequests) == 0 {
		return nil, fmt.Errorf("spot request %s not found", id)
	}
	r := out.SpotInstanceRequests[0]
	return &SpotRequest{
		ID:         awssdk.ToString(r.SpotInstanceRequestId),
		State:      string(r.State),
		Status:     statusCode(r.Status),
		Type:       string(r.Type),
		Price:      awssdk.ToString(r.SpotPrice),
		CreateTime: awssdk.ToTime(r.CreateTime),
		InstanceID: awssdk.ToString(r.InstanceId),
		Tags:       tagMap(r.Tags),
	}, nil
}

// BlockVolumes returns the ids of the EBS volumes attached to an instance.
func (d *Driver) BlockVolumes(ctx context.Context, instanceID string) ([]string, error) {
	out, err := d.client.DescribeInstanceAttribute(ctx, &ec2.DescribeInstanceAttributeInput{
		InstanceId: &instanceID,
		Attribute:  types.InstanceAttributeNameBlockDeviceMapping,
	})
	if err != nil {
		return nil, err
	}
	var volumes []string
	for _, m := range out.BlockDeviceMappings {
		if m.Ebs != nil && m.Ebs.VolumeId != nil {
			volumes = append(volumes, *m.Ebs.VolumeId)
		}
	}
	return volumes, nil
}

// SpotPriceHistory returns the most recent Linux/UNIX spot price per
// availability zone for the instance type.
func (d *Driver) SpotPriceHistory(ctx context.Context, instanceType string) ([]SpotPrice, error) {
	out, err := d.client.DescribeSpotPriceHistory(ctx, &ec2.DescribeSpotPriceHistoryInput{
		InstanceTypes:       []types.InstanceType{types.InstanceType(instanceType)},
		ProductDescriptions: []string{"Linux/UNIX"},
	})
	if err != nil {
		return nil, err
	}
	latest := make(map[string]SpotPrice)
	for _, item := range out.SpotPriceHistory {
		p := SpotPrice{
			AvailabilityZone: awssdk.ToString(item.AvailabilityZone),
			Timestamp:        awssdk.ToTime(item.Timestamp),
			Price:            awssdk.ToString(item.SpotPrice),
		}
		if cur, ok := latest[p.AvailabilityZone]; !ok || p.Timestamp.After(cur.Timestamp) {
			latest[p.AvailabilityZone] = p
		}
	}
	prices := make([]SpotPrice, 0, len(latest))
	for _, p := range latest {
		prices = append(prices, p)
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].AvailabilityZone < prices[j].AvailabilityZone })
	return prices, nil
}

// SelfInstanceID reads this host's instance id from the metadata service.
func (d *Driver) SelfInstanceID(ctx context.Context) (string, error) {
	if d.meta == nil {
		return "", fmt.Errorf("no metadata client configured")
	}
	out, err := d.meta.GetMetadata(ctx, &imds.GetMetadataInput{Path: "instance-id"})
	if err != nil {
		return "", fmt.Errorf("failed to read instance id from metadata service: %w", err)
	}
	defer func() { _ = out.Content.Close() }()
	id, err := io.ReadAll(out.Content)
	if err != nil {
		return "", fmt.Errorf("failed to read instance id from metadata service: %w", err)
	}
	return string(id), nil
}

func (d *Driver) describe(ctx context.Context, ids []string, filters []types.Filter) ([]Instance, error) {
	out, err := d.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: ids,
		Filters:     filters,
	})
	if err != nil {
		return nil, err
	}
	var instances []Instance
	for _, res := range out.Reservations {
		for _, i := range res.Instances {
			instances = append(instances, Instance{
				ID:            awssdk.ToString(i.InstanceId),
				ImageID:       awssdk.ToString(i.ImageId),
				InstanceType:  string(i.InstanceType),
				State:         stateName(i.State),
				PublicDNS:     awssdk.ToString(i.PublicDnsName),
				LaunchTime:    awssdk.ToTime(i.LaunchTime),
				SpotRequestID: awssdk.ToString(i.SpotInstanceRequestId),
				Tags:          tagMap(i.Tags),
			})
		}
	}
	return instances, nil
}

func buildFilters(f Filters) []types.Filter {
	var filters []types.Filter
	if len(f.States) > 0 {
		filters = append(filters, types.Filter{Name: awssdk.String("instance-state-name"), Values: f.States})
	}
	if f.InstanceType != "" {
		filters = append(filters, types.Filter{Name: awssdk.String("instance-type"), Values: []string{f.InstanceType}})
	}
	if len(f.DNSNames) > 0 {
		filters = append(filters, types.Filter{Name: awssdk.String("dns-name"), Values: f.DNSNames})
	}
	for k, v := range f.Tags {
		filters = append(filters, types.Filter{Name: awssdk.String("tag:" + k), Values: []string{v}})
	}
	return filters
}

// SortInstances orders a listing by (image id, launch time, public DNS name).
func SortInstances(instances []Instance) {
	sort.Slice(instances, func(i, j int) bool {
		a, b := instances[i], instances[j]
		if a.ImageID != b.ImageID {
			return a.ImageID < b.ImageID
		}
		if !a.LaunchTime.Equal(b.LaunchTime) {
			return a.LaunchTime.Before(b.LaunchTime)
		}
		return a.PublicDNS < b.PublicDNS
	})
}

// Uptime returns how long an instance has been up.
func Uptime(now time.Time, launch time.Time) time.Duration {
	return now.Sub(launch).Truncate(time.Second)
}

// FormatUptime renders an uptime the way the fleet listings print it.
func FormatUptime(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}

// WithinThreshold reports whether an instance is at least threshold minutes
// into its current hour of uptime, that is, inside the last 60-threshold
// minutes before it completes that hour. Operators use it to prune workers
// shortly before they cross a billing-hour boundary; it is not a minimum-age
// test. A threshold of zero admits every instance.
func WithinThreshold(now time.Time, launch time.Time, threshold int) bool {
	uptime := int(now.Sub(launch).Seconds())
	return (uptime/60)%60 >= threshold
}

// FilterByUptime keeps the instances admitted by WithinThreshold.
func FilterByUptime(instances []Instance, now time.Time, threshold int) []Instance {
	kept := instances[:0]
	for _, i := range instances {
		if WithinThreshold(now, i.LaunchTime, threshold) {
			kept = append(kept, i)
		}
	}
	return kept
}

func tagMap(tags []types.Tag) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	m := make(map[string]string, len(tags))
	for _, t := range tags {
		m[awssdk.ToString(t.Key)] = awssdk.ToString(t.Value)
	}
	return m
}

func stateName(s *types.InstanceState) string {
	if s == nil {
		return ""
	}
	return string(s.Name)
}

func statusCode(s *types.SpotInstanceStatus) string {
	if s == nil {
		return ""
	}
	return awssdk.ToString(s.Code)
}
