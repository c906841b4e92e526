package farm

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gurre/brenda/compute"
	"github.com/gurre/brenda/config"
	"github.com/gurre/brenda/integration/mock"
)

func fleetConfig() *config.Config {
	return &config.Config{
		WorkQueue:                 "sqs://render-queue",
		OutputURL:                 "s3://frames/out",
		WorkDir:                   ".",
		VisibilityTimeout:         120,
		VisibilityTimeoutReassert: 30,
		ErrorRetries:              5,
		ErrorPause:                30,
		ErrorReset:                3600,
		AMIID:                     "ami-123",
		InstanceType:              "c5.large",
		SSHKeyName:                "brenda",
		SecurityGroup:             "brenda",
		BidPrice:                  "0.07",
		LogLevel:                  "INFO",
	}
}

func newController(cfg *config.Config) (*Controller, *mock.EC2Client) {
	client := mock.NewEC2Client()
	return NewController(compute.New(client, nil), cfg), client
}

func TestMain(m *testing.M) {
	tagPoll = 10 * time.Millisecond
	os.Exit(m.Run())
}

func TestStartupScript(t *testing.T) {
	cfg := fleetConfig()
	cfg.SQSRegion = "us-west-2"
	cfg.Shutdown = true
	script, err := StartupScript(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(script, "#!/bin/bash\n") {
		t.Error("startup script must start with a bash shebang")
	}
	if !strings.Contains(script, "/usr/local/bin/brenda-node --daemon <<EOF\n") {
		t.Error("startup script must run the worker daemon on a here-document")
	}
	if !strings.HasSuffix(script, "EOF\n") {
		t.Error("here-document is not terminated")
	}
	for _, line := range []string{
		"WORK_QUEUE=sqs://render-queue\n",
		"OUTPUT_URL=s3://frames/out\n",
		"SQS_REGION=us-west-2\n",
		"SHUTDOWN=1\n",
	} {
		if !strings.Contains(script, line) {
			t.Errorf("startup script is missing %q:\n%s", line, script)
		}
	}
	// Default-valued keys stay out of the script.
	if strings.Contains(script, "VISIBILITY_TIMEOUT=") {
		t.Error("default visibility timeout should not be exported")
	}
}

func TestStartupScriptRequiresWorkQueue(t *testing.T) {
	cfg := fleetConfig()
	cfg.WorkQueue = ""
	if _, err := StartupScript(cfg); err == nil {
		t.Error("expected error for missing WORK_QUEUE")
	}
}

func TestDemandLaunchesAndTags(t *testing.T) {
	ctl, client := newController(fleetConfig())
	ids, err := ctl.Demand(context.Background(), LaunchOptions{
		Count: 2,
		Tags:  map[string]string{"farm": "night"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("launched %d instances, want 2", len(ids))
	}
	for _, id := range ids {
		if client.Tagged[id]["farm"] != "night" {
			t.Errorf("instance %s is not tagged", id)
		}
	}
	// Attached volumes are tagged along with their instance.
	tagged := 0
	for id := range client.Tagged {
		if strings.HasPrefix(id, "vol-") {
			tagged++
		}
	}
	if tagged != 2 {
		t.Errorf("tagged %d volumes, want 2", tagged)
	}
}

func TestSpotWaitsForFulfilmentAndTags(t *testing.T) {
	ctl, client := newController(fleetConfig())
	requestIDs, err := ctl.Spot(context.Background(), LaunchOptions{
		Count:      1,
		Persistent: true,
		Tags:       map[string]string{"farm": "night"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(requestIDs) != 1 {
		t.Fatalf("issued %d requests, want 1", len(requestIDs))
	}
	rid := requestIDs[0]
	if client.Tagged[rid]["farm"] != "night" {
		t.Errorf("spot request %s is not tagged", rid)
	}
	if len(client.SpotRequests) != 1 || client.SpotRequests[0].Type != "persistent" {
		t.Errorf("spot request type = %+v, want persistent", client.SpotRequests)
	}
	iid := client.SpotRequests[0].InstanceID
	if client.Tagged[iid]["farm"] != "night" {
		t.Errorf("fulfilled instance %s is not tagged", iid)
	}
}

func TestStopTerminateCancelsSpotFirst(t *testing.T) {
	ctl, client := newController(fleetConfig())
	client.AddInstance(&mock.EC2Instance{
		ID: "i-1", ImageID: "ami-123", State: "running", SpotRequestID: "sir-1",
	})

	ids, err := ctl.Stop(context.Background(), StatusFilters{}, true, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "i-1" {
		t.Fatalf("stopped %v, want [i-1]", ids)
	}
	if len(client.Cancelled) != 1 || client.Cancelled[0] != "sir-1" {
		t.Errorf("cancelled %v, want the spot request first", client.Cancelled)
	}
	if len(client.Terminated) != 1 {
		t.Errorf("terminated %v", client.Terminated)
	}
}

func TestCancelOpenAndActiveRequests(t *testing.T) {
	ctl, client := newController(fleetConfig())
	client.AddSpotRequest(&mock.EC2SpotRequest{ID: "sir-1", States: []string{"open"}})
	client.AddSpotRequest(&mock.EC2SpotRequest{ID: "sir-2", States: []string{"active"}})
	client.AddSpotRequest(&mock.EC2SpotRequest{ID: "sir-3", States: []string{"cancelled"}})

	ids, err := ctl.Cancel(context.Background(), nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("cancelled %v, want sir-1 and sir-2", ids)
	}
	for _, id := range client.Cancelled {
		if id == "sir-3" {
			t.Error("cancelled an already-cancelled request")
		}
	}
}
