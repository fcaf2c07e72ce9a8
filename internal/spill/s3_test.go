package spill

import (
	"context"
	"testing"

	"github.com/gatewaylabs/telembuf/internal/config"
)

func TestNewS3ClientStaticConfig(t *testing.T) {
	// Construction is offline; no request is made until the first call.
	c, err := NewS3Client(context.Background(), config.ArchiveConfig{
		Enabled:         true,
		Region:          "us-east-1",
		Bucket:          "telemetry",
		Prefix:          "gw",
		Endpoint:        "http://localhost:9000",
		ForcePathStyle:  true,
		AccessKeyID:     "test-key",
		SecretAccessKey: "test-secret",
	})
	if err != nil {
		t.Fatalf("NewS3Client failed: %v", err)
	}
	if c.API == nil {
		t.Fatal("expected a constructed S3 client")
	}
	if c.Bucket != "telemetry" || c.Prefix != "gw" {
		t.Errorf("bucket/prefix not carried: got %q/%q", c.Bucket, c.Prefix)
	}
}
