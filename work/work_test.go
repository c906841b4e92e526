package work

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/gurre/brenda/config"
	"github.com/gurre/brenda/integration/mock"
)

const template = "#!/bin/sh\nblender -s $START -e $END -j $STEP scene.blend\n"

func testConfig() *config.Config {
	return &config.Config{
		WorkQueue:         "sqs://render-queue",
		VisibilityTimeout: 120,
		MessageRetention:  1209600,
		JobName:           "NONE",
		JobURL:            "NONE",
	}
}

func TestExpandRejectsMissingShebang(t *testing.T) {
	if _, err := Expand("blender scene.blend\n", testConfig(), Options{Start: 1, End: 1, Step: 1}); err == nil {
		t.Error("expected error for template without shebang")
	}
}

func TestExpandSingleFrames(t *testing.T) {
	tasks, err := Expand(template, testConfig(), Options{Start: 1, End: 3, Step: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 3 {
		t.Fatalf("got %d tasks, want 3", len(tasks))
	}
	for i, task := range tasks {
		want := fmt.Sprintf("#!/bin/sh\nblender -s %d -e %d -j 1 scene.blend\n", i+1, i+1)
		if task != want {
			t.Errorf("task %d = %q, want %q", i, task, want)
		}
	}
}

func TestExpandLastChunkClamped(t *testing.T) {
	tasks, err := Expand(template, testConfig(), Options{Start: 1, End: 10, Step: 4})
	if err != nil {
		t.Fatal(err)
	}
	want := [][2]int{{1, 4}, {5, 8}, {9, 10}}
	if len(tasks) != len(want) {
		t.Fatalf("got %d tasks, want %d", len(tasks), len(want))
	}
	for i, w := range want {
		if !strings.Contains(tasks[i], fmt.Sprintf("-s %d -e %d", w[0], w[1])) {
			t.Errorf("task %d does not cover [%d, %d]: %q", i, w[0], w[1], tasks[i])
		}
	}
}

// TestExpandPartitionCovers checks that the emitted ranges tile [start, end]
// with no gaps and no overlaps for a spread of partition shapes.
func TestExpandPartitionCovers(t *testing.T) {
	re := regexp.MustCompile(`-s (\d+) -e (\d+)`)
	testCases := []struct{ start, end, step int }{
		{1, 1, 1}, {1, 240, 1}, {1, 240, 7}, {10, 17, 3}, {5, 5, 10},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%d-%d-%d", tc.start, tc.end, tc.step), func(t *testing.T) {
			tasks, err := Expand(template, testConfig(), Options{Start: tc.start, End: tc.end, Step: tc.step})
			if err != nil {
				t.Fatal(err)
			}
			next := tc.start
			for _, task := range tasks {
				m := re.FindStringSubmatch(task)
				if m == nil {
					t.Fatalf("no range in task %q", task)
				}
				s, _ := strconv.Atoi(m[1])
				e, _ := strconv.Atoi(m[2])
				if s != next {
					t.Fatalf("range starts at %d, want %d", s, next)
				}
				if e < s {
					t.Fatalf("range [%d, %d] is inverted", s, e)
				}
				next = e + 1
			}
			if next != tc.end+1 {
				t.Errorf("partition ends at %d, want %d", next-1, tc.end)
			}
		})
	}
}

const subframeTemplate = "#!/bin/sh\nrender $START $SF_MIN_X $SF_MAX_X $SF_MIN_Y $SF_MAX_Y\n"

func TestExpandSubframes(t *testing.T) {
	tasks, err := Expand(subframeTemplate, testConfig(), Options{Start: 10, End: 10, Step: 1, SubdivX: 2, SubdivY: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 6 {
		t.Fatalf("got %d tasks, want 6", len(tasks))
	}
	var got []string
	for _, task := range tasks {
		got = append(got, strings.TrimPrefix(strings.TrimSpace(strings.SplitN(task, "\n", 2)[1]), "render "))
	}
	sort.Strings(got)
	want := []string{
		"10 0 0.5 0 0.3333333333333333",
		"10 0 0.5 0.3333333333333333 0.6666666666666666",
		"10 0 0.5 0.6666666666666666 1",
		"10 0.5 1 0 0.3333333333333333",
		"10 0.5 1 0.3333333333333333 0.6666666666666666",
		"10 0.5 1 0.6666666666666666 1",
	}
	sort.Strings(want)
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("subframe %d = %q, want %q", i, got[i], want[i])
		}
	}
}

// TestSubframeBoundsRoundTrip checks the bounds are decimal strings that
// parse back to the exact float they were formatted from.
func TestSubframeBoundsRoundTrip(t *testing.T) {
	for _, subdiv := range [][2]int{{2, 2}, {3, 7}, {10, 10}} {
		for _, macros := range subframes(subdiv[0], subdiv[1]) {
			for _, sub := range macros {
				f, err := strconv.ParseFloat(sub[1], 64)
				if err != nil {
					t.Fatalf("%s value %q is not a decimal: %v", sub[0], sub[1], err)
				}
				if formatFrac(f) != sub[1] {
					t.Errorf("%s value %q does not round trip", sub[0], sub[1])
				}
			}
		}
	}
}

func TestExpandRandomizeKeepsTasks(t *testing.T) {
	opts := Options{Start: 1, End: 50, Step: 1, Randomize: true}
	tasks, err := Expand(template, testConfig(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 50 {
		t.Fatalf("got %d tasks, want 50", len(tasks))
	}
	seen := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		seen[task] = true
	}
	if len(seen) != 50 {
		t.Errorf("shuffle lost tasks: %d unique of 50", len(seen))
	}
}

func TestPushEnqueuesBatches(t *testing.T) {
	client := mock.NewSQSClient("render-queue")
	n, err := Push(context.Background(), client, testConfig(), "frame.sh", template,
		Options{Start: 1, End: 23, Step: 1}, false)
	if err != nil {
		t.Fatal(err)
	}
	if n != 23 {
		t.Errorf("pushed %d tasks, want 23", n)
	}
	if got := client.Visible(); got != 23 {
		t.Errorf("queue holds %d visible messages, want 23", got)
	}
}

func TestPushDryRun(t *testing.T) {
	client := mock.NewSQSClient("render-queue")
	n, err := Push(context.Background(), client, testConfig(), "frame.sh", template,
		Options{Start: 1, End: 5, Step: 1}, true)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("counted %d tasks, want 5", n)
	}
	if client.Visible() != 0 {
		t.Error("dry run must not enqueue")
	}
}

func TestStatusAndReset(t *testing.T) {
	client := mock.NewSQSClient("render-queue")
	client.Push(template, "frame.sh")
	client.Push(template, "frame.sh")

	n, err := Status(context.Background(), client, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("status = %d, want 2", n)
	}

	if err := Reset(context.Background(), client, testConfig(), false); err != nil {
		t.Fatal(err)
	}
	if !client.Purged {
		t.Error("soft reset should purge the queue")
	}

	if err := Reset(context.Background(), client, testConfig(), true); err != nil {
		t.Fatal(err)
	}
	if !client.Removed {
		t.Error("hard reset should delete the queue")
	}
}
