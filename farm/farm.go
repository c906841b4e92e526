// Package farm implements the fleet controller: launching tagged on-demand
// or spot workers with the startup script, pruning them near billing-hour
// boundaries, and inspecting fleet state.
package farm

import (
	"context"
	"log/slog"
	"time"

	"github.com/gurre/brenda/compute"
	"github.com/gurre/brenda/config"
)

// tagPoll is the interval at which resource tagging polls for spot requests
// to be fulfilled and block volumes to attach. Variable so tests can tighten
// it.
var tagPoll = 3 * time.Second

// LaunchOptions controls a fleet launch.
type LaunchOptions struct {
	Count      int
	Persistent bool   // spot only: auto-renewing request
	Price      string // spot only: bid, overrides BID_PRICE
	Idle       bool   // launch without user data (no worker starts)
	DryRun     bool
	Tags       map[string]string
}

// Controller drives fleet operations through the compute driver.
type Controller struct {
	driver *compute.Driver
	cfg    *config.Config
}

// NewController creates a fleet controller.
func NewController(driver *compute.Driver, cfg *config.Config) *Controller {
	return &Controller{driver: driver, cfg: cfg}
}

func (c *Controller) launchSpec(opts LaunchOptions) (compute.LaunchSpec, error) {
	spec := compute.LaunchSpec{
		AMIID:           c.cfg.AMIID,
		InstanceType:    c.cfg.InstanceType,
		Count:           opts.Count,
		KeyName:         c.cfg.SSHKeyName,
		SecurityGroups:  []string{c.cfg.SecurityGroup},
		InstanceProfile: c.cfg.InstanceProfile,
		DryRun:          opts.DryRun,
	}
	if !opts.Idle {
		script, err := StartupScript(c.cfg)
		if err != nil {
			return compute.LaunchSpec{}, err
		}
		spec.UserData = script
	}
	return spec, nil
}

// Demand launches on-demand workers and tags them and their volumes.
func (c *Controller) Demand(ctx context.Context, opts LaunchOptions) ([]string, error) {
	spec, err := c.launchSpec(opts)
	if err != nil {
		return nil, err
	}
	ids, err := c.driver.RunOnDemand(ctx, spec)
	if err != nil {
		if compute.IsDryRun(err) {
			slog.Warn("dry run", slog.Any("response", err))
			return nil, nil
		}
		return nil, err
	}
	slog.Info("launched on-demand workers", slog.Any("instances", ids))
	for _, id := range ids {
		if err := c.tagInstance(ctx, id, opts.Tags); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

// Spot issues spot requests at the bid price, tags each request, waits for
// fulfilment, then tags the resulting instance and its volumes. Persistent
// requests keep replacing their instance until cancelled.
func (c *Controller) Spot(ctx context.Context, opts LaunchOptions) ([]string, error) {
	price := opts.Price
	if price == "" {
		price = c.cfg.BidPrice
	}
	spec, err := c.launchSpec(opts)
	if err != nil {
		return nil, err
	}
	requestIDs, err := c.driver.RunSpot(ctx, spec, opts.Persistent, price)
	if err != nil {
		if compute.IsDryRun(err) {
			slog.Warn("dry run", slog.Any("response", err))
			return nil, nil
		}
		return nil, err
	}
	slog.Info("issued spot requests", slog.Any("requests", requestIDs))

	for _, rid := range requestIDs {
		if err := c.driver.CreateTags(ctx, []string{rid}, opts.Tags); err != nil {
			return requestIDs, err
		}
		instanceID, err := c.waitForSpotInstance(ctx, rid)
		if err != nil {
			return requestIDs, err
		}
		if instanceID == "" {
			slog.Warn("spot request left open state without an instance", slog.String("request", rid))
			continue
		}
		if err := c.tagInstance(ctx, instanceID, opts.Tags); err != nil {
			return requestIDs, err
		}
	}
	return requestIDs, nil
}

// waitForSpotInstance polls until the request leaves the open state and
// returns the instance id it was fulfilled with.
func (c *Controller) waitForSpotInstance(ctx context.Context, requestID string) (string, error) {
	for {
		slog.Debug("waiting for spot request", slog.String("request", requestID))
		select {
		case <-time.After(tagPoll):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		req, err := c.driver.GetSpotRequest(ctx, requestID)
		if err != nil {
			return "", err
		}
		if req.State != "open" {
			return req.InstanceID, nil
		}
	}
}

// tagInstance tags an instance and, once they attach, its block volumes.
func (c *Controller) tagInstance(ctx context.Context, instanceID string, tags map[string]string) error {
	if len(tags) == 0 {
		return nil
	}
	ids := []string{instanceID}
	for {
		slog.Debug("waiting for block volumes", slog.String("instance", instanceID))
		select {
		case <-time.After(tagPoll):
		case <-ctx.Done():
			return ctx.Err()
		}
		volumes, err := c.driver.BlockVolumes(ctx, instanceID)
		if err != nil {
			return err
		}
		if len(volumes) > 0 {
			ids = append(ids, volumes...)
			break
		}
	}
	slog.Info("tagging resources", slog.Any("ids", ids), slog.Any("tags", tags))
	return c.driver.CreateTags(ctx, ids, tags)
}

// StatusFilters narrows status/stop listings.
type StatusFilters struct {
	Tags         map[string]string
	InstanceType string
	DNSNames     []string
	// Threshold admits only instances at least Threshold minutes into
	// their current hour of uptime; zero admits everything.
	Threshold int
}

// Instances lists matching running-or-otherwise instances in stable order.
func (c *Controller) Instances(ctx context.Context, f StatusFilters, states ...string) ([]compute.Instance, error) {
	instances, err := c.driver.ListInstances(ctx, compute.Filters{
		States:       states,
		InstanceType: f.InstanceType,
		DNSNames:     f.DNSNames,
		Tags:         f.Tags,
	})
	if err != nil {
		return nil, err
	}
	return compute.FilterByUptime(instances, time.Now(), f.Threshold), nil
}

// SpotRequests lists spot requests in the given states.
func (c *Controller) SpotRequests(ctx context.Context, tags map[string]string, states ...string) ([]compute.SpotRequest, error) {
	return c.driver.ListSpotRequests(ctx, compute.Filters{States: states, Tags: tags})
}

// Stop stops or terminates matching workers, cancelling their spot requests
// first so persistent requests do not resurrect them.
func (c *Controller) Stop(ctx context.Context, f StatusFilters, terminate, dryRun bool) ([]string, error) {
	instances, err := c.Instances(ctx, f)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(instances))
	for _, i := range instances {
		ids = append(ids, i.ID)
	}
	if len(ids) == 0 {
		slog.Info("no instances matched")
		return nil, nil
	}
	if terminate {
		slog.Info("terminating instances", slog.Any("ids", ids))
		err = c.driver.Terminate(ctx, ids, dryRun)
	} else {
		slog.Info("stopping instances", slog.Any("ids", ids))
		err = c.driver.Stop(ctx, ids, dryRun)
	}
	if err != nil {
		if compute.IsDryRun(err) {
			slog.Warn("dry run", slog.Any("response", err))
			return ids, nil
		}
		return nil, err
	}
	return ids, nil
}

// Cancel cancels all open or active spot requests matching the tags.
func (c *Controller) Cancel(ctx context.Context, tags map[string]string, dryRun bool) ([]string, error) {
	requests, err := c.SpotRequests(ctx, tags, "open", "active")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(requests))
	for _, r := range requests {
		ids = append(ids, r.ID)
	}
	if len(ids) == 0 {
		slog.Info("no spot requests matched")
		return nil, nil
	}
	slog.Info("cancelling spot requests", slog.Any("ids", ids))
	if err := c.driver.CancelSpotRequests(ctx, ids, dryRun); err != nil {
		if compute.IsDryRun(err) {
			slog.Warn("dry run", slog.Any("response", err))
			return ids, nil
		}
		return nil, err
	}
	return ids, nil
}

// Price returns the latest spot price per availability zone for the
// configured instance type.
func (c *Controller) Price(ctx context.Context) ([]compute.SpotPrice, error) {
	return c.driver.SpotPriceHistory(ctx, c.cfg.InstanceType)
}
