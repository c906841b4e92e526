package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gurre/brenda/integration/mock"
)

func TestUploadPutsAtPrefixedKey(t *testing.T) {
	client := mock.NewS3Client("frames")
	u, err := NewUploader(client, "s3://frames/jobs/night")
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "frame-0001.png")
	if err := os.WriteFile(path, []byte("pixels"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := u.Upload(context.Background(), path, "frame-0001.png"); err != nil {
		t.Fatal(err)
	}
	data, ok := client.Object("frames", "jobs/night/frame-0001.png")
	if !ok {
		t.Fatal("object not stored at prefixed key")
	}
	if !bytes.Equal(data, []byte("pixels")) {
		t.Errorf("stored %q", data)
	}
}

func TestUploadOverwritesDeterministically(t *testing.T) {
	client := mock.NewS3Client("frames")
	u, err := NewUploader(client, "s3://frames")
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "frame.png")
	for _, content := range []string{"first", "second"} {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := u.Upload(context.Background(), path, "frame.png"); err != nil {
			t.Fatal(err)
		}
	}
	data, _ := client.Object("frames", "frame.png")
	if string(data) != "second" {
		t.Errorf("re-upload did not overwrite: %q", data)
	}
}

func TestUploadMissingFile(t *testing.T) {
	client := mock.NewS3Client("frames")
	u, err := NewUploader(client, "s3://frames")
	if err != nil {
		t.Fatal(err)
	}
	if err := u.Upload(context.Background(), "/nonexistent/file.png", "file.png"); err == nil {
		t.Error("expected error for missing local file")
	}
}

func TestValidate(t *testing.T) {
	client := mock.NewS3Client("frames")
	u, err := NewUploader(client, "s3://frames")
	if err != nil {
		t.Fatal(err)
	}
	if err := u.Validate(context.Background()); err != nil {
		t.Errorf("expected existing bucket to validate: %v", err)
	}

	u2, err := NewUploader(client, "s3://missing-bucket")
	if err != nil {
		t.Fatal(err)
	}
	if err := u2.Validate(context.Background()); err == nil {
		t.Error("expected error for missing bucket")
	}
}

func TestURL(t *testing.T) {
	client := mock.NewS3Client("frames")
	u, err := NewUploader(client, "s3://frames/out")
	if err != nil {
		t.Fatal(err)
	}
	if got := u.URL("a.png"); got != "s3://frames/out/a.png" {
		t.Errorf("URL = %q", got)
	}
}
