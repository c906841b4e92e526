// Package main implements the fleet CLI: launching on-demand or spot
// workers, printing the startup script, listing fleet state, and stopping
// or cancelling workers.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	json "github.com/goccy/go-json"

	"github.com/gurre/brenda/aws"
	"github.com/gurre/brenda/compute"
	"github.com/gurre/brenda/config"
	"github.com/gurre/brenda/farm"
	"github.com/gurre/brenda/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() error {
	return fmt.Errorf("usage: brenda-run demand|spot|price|script|status|stop|cancel [flags]")
}

// tagFlags collects repeated -tag KEY=VALUE flags.
type tagFlags map[string]string

func (t tagFlags) String() string { return fmt.Sprintf("%v", map[string]string(t)) }

func (t tagFlags) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("tag must be KEY=VALUE: %q", s)
	}
	t[k] = v
	return nil
}

func run() error {
	if len(os.Args) < 2 {
		return usage()
	}
	command := os.Args[1]

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg); err != nil {
		return err
	}

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	count := fs.Int("n", 1, "number of instances")
	persistent := fs.Bool("p", false, "spot: persistent request")
	price := fs.String("price", "", "spot: bid price, overrides BID_PRICE")
	idle := fs.Bool("i", false, "launch without starting the worker")
	dryRun := fs.Bool("dry-run", false, "dry-run fleet mutations")
	terminate := fs.Bool("terminate", false, "stop: terminate instead of stopping")
	threshold := fs.Int("threshold", 0, "only instances at least N minutes into their current billing hour")
	imatch := fs.String("imatch", "", "filter by instance type")
	host := fs.String("host", "", "filter by public DNS name")
	hostsFile := fs.String("hosts-file", "", "filter by public DNS names listed in a file")
	jsonOut := fs.Bool("json", false, "status: print JSON")
	tags := tagFlags{}
	fs.Var(tags, "tag", "tag KEY=VALUE applied to launched resources (repeatable)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}

	ctx := context.Background()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}
	driver := compute.New(aws.NewEC2Client(ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
		if cfg.EC2Region != "" {
			o.Region = cfg.EC2Region
		}
	})), nil)
	ctl := farm.NewController(driver, cfg)

	filters, err := statusFilters(tags, *imatch, *host, *hostsFile, *threshold)
	if err != nil {
		return err
	}
	opts := farm.LaunchOptions{
		Count:      *count,
		Persistent: *persistent,
		Price:      *price,
		Idle:       *idle,
		DryRun:     *dryRun,
		Tags:       tags,
	}

	switch command {
	case "script":
		script, err := farm.StartupScript(cfg)
		if err != nil {
			return err
		}
		fmt.Print(script)
		return nil
	case "demand":
		if err := cfg.ValidateFleet(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		printLaunch(cfg, opts)
		_, err := ctl.Demand(ctx, opts)
		return err
	case "spot":
		if err := cfg.ValidateFleet(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		printLaunch(cfg, opts)
		_, err := ctl.Spot(ctx, opts)
		return err
	case "price":
		prices, err := ctl.Price(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Spot price data for instance %s\n", cfg.InstanceType)
		for _, p := range prices {
			fmt.Printf("%s %s $%s\n", p.AvailabilityZone, p.Timestamp.Format(time.RFC3339), p.Price)
		}
		return nil
	case "status":
		return status(ctx, ctl, filters, tags, *jsonOut)
	case "stop":
		_, err := ctl.Stop(ctx, filters, *terminate, *dryRun)
		return err
	case "cancel":
		_, err := ctl.Cancel(ctx, tags, *dryRun)
		return err
	}
	return usage()
}

func statusFilters(tags map[string]string, imatch, host, hostsFile string, threshold int) (farm.StatusFilters, error) {
	f := farm.StatusFilters{Tags: tags, InstanceType: imatch, Threshold: threshold}
	if hostsFile != "" {
		file, err := os.Open(hostsFile)
		if err != nil {
			return f, err
		}
		defer func() { _ = file.Close() }()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				f.DNSNames = append(f.DNSNames, line)
			}
		}
		if err := scanner.Err(); err != nil {
			return f, err
		}
	}
	if host != "" {
		f.DNSNames = append(f.DNSNames, host)
	}
	return f, nil
}

func printLaunch(cfg *config.Config, opts farm.LaunchOptions) {
	fmt.Println("----------------------------")
	fmt.Println("AMI ID:", cfg.AMIID)
	fmt.Println("Instance type:", cfg.InstanceType)
	fmt.Println("Instance count:", opts.Count)
	fmt.Println("SSH key name:", cfg.SSHKeyName)
	fmt.Println("Security group:", cfg.SecurityGroup)
	if cfg.InstanceProfile != "" {
		fmt.Println("Instance profile:", cfg.InstanceProfile)
	}
}

// statusReport is the -json shape of the status command.
type statusReport struct {
	Instances    []instanceStatus `json:"instances"`
	SpotRequests []spotStatus     `json:"spotRequests"`
}

type instanceStatus struct {
	ID        string            `json:"id"`
	ImageID   string            `json:"imageId"`
	Uptime    string            `json:"uptime"`
	PublicDNS string            `json:"publicDns"`
	Tags      map[string]string `json:"tags,omitempty"`
}

type spotStatus struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	CreateTime time.Time         `json:"createTime"`
	Price      string            `json:"price"`
	State      string            `json:"state"`
	Status     string            `json:"status"`
	Tags       map[string]string `json:"tags,omitempty"`
}

func status(ctx context.Context, ctl *farm.Controller, filters farm.StatusFilters, tags map[string]string, jsonOut bool) error {
	now := time.Now()
	instances, err := ctl.Instances(ctx, filters, "running")
	if err != nil {
		return err
	}
	requests, err := ctl.SpotRequests(ctx, tags, "active", "open")
	if err != nil {
		return err
	}

	if jsonOut {
		report := statusReport{}
		for _, i := range instances {
			report.Instances = append(report.Instances, instanceStatus{
				ID:        i.ID,
				ImageID:   i.ImageID,
				Uptime:    compute.FormatUptime(compute.Uptime(now, i.LaunchTime)),
				PublicDNS: i.PublicDNS,
				Tags:      i.Tags,
			})
		}
		for _, r := range requests {
			report.SpotRequests = append(report.SpotRequests, spotStatus{
				ID:         r.ID,
				Type:       r.Type,
				CreateTime: r.CreateTime,
				Price:      r.Price,
				State:      r.State,
				Status:     r.Status,
				Tags:       r.Tags,
			})
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	if len(instances) > 0 {
		fmt.Println("Running Instances")
	}
	for _, i := range instances {
		fmt.Printf("  %s %s %s %v\n", i.ImageID,
			compute.FormatUptime(compute.Uptime(now, i.LaunchTime)), i.PublicDNS, i.Tags)
	}
	if len(requests) > 0 {
		fmt.Println("Active Spot Requests")
	}
	for _, r := range requests {
		fmt.Printf("  %s %s %s $%s %s %s %v\n", r.ID, r.Type,
			r.CreateTime.Format(time.RFC3339), r.Price, r.State, r.Status, r.Tags)
	}
	return nil
}
