package spill

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gatewaylabs/telembuf/internal/metrics"
	"go.uber.org/zap"
)

// S3API is the subset of the S3 client the archiver uses; tests
// substitute a mock.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver uploads retired spill segments to S3-compatible object
// storage so committed telemetry survives for fleet analytics after
// the gateway deletes its local copy.
type Archiver struct {
	api    S3API
	bucket string
	prefix string
	logger *zap.Logger
}

func NewArchiver(api S3API, bucket, prefix string, logger *zap.Logger) *Archiver {
	return &Archiver{api: api, bucket: bucket, prefix: prefix, logger: logger}
}

func (a *Archiver) objectKey(sensorID, consumer string, ts time.Time) string {
	key := fmt.Sprintf("%s/%s/%d.seg", sensorID, consumer, ts.UnixNano())
	if a.prefix != "" {
		return a.prefix + "/" + key
	}
	return key
}

// Archive uploads the segment file at path. The local file is left
// untouched; deletion is the caller's decision.
func (a *Archiver) Archive(ctx context.Context, sensorID, consumer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading segment for archive: %w", err)
	}

	key := a.objectKey(sensorID, consumer, time.Now())
	start := time.Now()
	_, err = a.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"telembuf-sensor":   sensorID,
			"telembuf-consumer": consumer,
			"telembuf-frames":   fmt.Sprintf("%d", len(data)/FrameSize),
		},
	})
	if err != nil {
		return fmt.Errorf("uploading segment to s3: %w", err)
	}

	metrics.SegmentsArchived.Inc()
	a.logger.Info("segment archived",
		zap.String("sensor", sensorID),
		zap.String("consumer", consumer),
		zap.String("key", key),
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}
