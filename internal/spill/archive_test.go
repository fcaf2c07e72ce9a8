package spill

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

type mockS3 struct {
	puts    []*s3.PutObjectInput
	bodies  [][]byte
	failure error
}

func (m *mockS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.failure != nil {
		return nil, m.failure
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.puts = append(m.puts, params)
	m.bodies = append(m.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestArchiverUploadsSegment(t *testing.T) {
	mock := &mockS3{}
	a := NewArchiver(mock, "telemetry", "gateways/gw-1", zap.NewNop())

	dir := t.TempDir()
	path := filepath.Join(dir, "uploader.seg")
	frame := encodeFrame(testRec(1))
	data := append(frame[:], frame[:]...)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("writing segment: %v", err)
	}

	if err := a.Archive(context.Background(), "gps", "uploader", path); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}

	if len(mock.puts) != 1 {
		t.Fatalf("expected 1 upload, got %d", len(mock.puts))
	}
	put := mock.puts[0]
	if *put.Bucket != "telemetry" {
		t.Errorf("bucket: got %s", *put.Bucket)
	}
	if !strings.HasPrefix(*put.Key, "gateways/gw-1/gps/uploader/") {
		t.Errorf("key missing prefix: %s", *put.Key)
	}
	if put.Metadata["telembuf-frames"] != "2" {
		t.Errorf("frame count metadata: got %q", put.Metadata["telembuf-frames"])
	}
	if len(mock.bodies[0]) != len(data) {
		t.Errorf("uploaded %d bytes, want %d", len(mock.bodies[0]), len(data))
	}
}

func TestArchiveFailureKeepsSegment(t *testing.T) {
	dir := t.TempDir()
	meta, err := OpenMeta(filepath.Join(dir, "meta.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("OpenMeta failed: %v", err)
	}
	defer meta.Close()

	mock := &mockS3{failure: fmt.Errorf("connection refused")}
	archiver := NewArchiver(mock, "telemetry", "", zap.NewNop())
	store, err := NewFileStore(filepath.Join(dir, "data"), meta, archiver, zap.NewNop())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	store.Append("rpm", "uploader", testRec(0))
	store.Append("rpm", "uploader", testRec(1))

	// The full commit cannot finalize because the upload fails; the
	// segment and its counters survive for a later retry.
	if err := store.Commit(ctx, "rpm", "uploader", 2); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	count, _ := store.Count("rpm", "uploader")
	if count != 2 {
		t.Fatalf("segment retired despite archive failure: count=%d", count)
	}

	// Once S3 recovers, the sweep retires the segment.
	mock.failure = nil
	if err := store.Sweep(ctx); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	count, _ = store.Count("rpm", "uploader")
	if count != 0 {
		t.Errorf("segment not retired by sweep: count=%d", count)
	}
	if len(mock.puts) != 1 {
		t.Errorf("expected 1 successful upload, got %d", len(mock.puts))
	}
}
