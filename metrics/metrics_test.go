package metrics

import "testing"

func TestReportCounts(t *testing.T) {
	m := New()
	m.RenderStarted()
	m.RenderStarted()
	m.RenderFailed()
	m.TaskCompleted()
	m.FileUploaded()
	m.FileUploaded()
	m.LeaseExtended()

	r := m.Report()
	if r.RendersStarted != 2 {
		t.Errorf("RendersStarted = %d, want 2", r.RendersStarted)
	}
	if r.RenderFailures != 1 {
		t.Errorf("RenderFailures = %d, want 1", r.RenderFailures)
	}
	if r.TasksCompleted != 1 {
		t.Errorf("TasksCompleted = %d, want 1", r.TasksCompleted)
	}
	if r.FilesUploaded != 2 {
		t.Errorf("FilesUploaded = %d, want 2", r.FilesUploaded)
	}
	if r.LeaseExtends != 1 {
		t.Errorf("LeaseExtends = %d, want 1", r.LeaseExtends)
	}
	if r.UptimeSeconds < 0 {
		t.Errorf("UptimeSeconds = %f", r.UptimeSeconds)
	}
}

func TestSeparateRegistries(t *testing.T) {
	// Two instances must not collide on collector registration.
	a := New()
	b := New()
	a.TaskCompleted()
	if b.Report().TasksCompleted != 0 {
		t.Error("counters leaked between instances")
	}
}
