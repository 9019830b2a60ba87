package sync

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Object metadata keys set on every uploaded snapshot. S3 returns them as
// x-amz-meta-* headers.
const (
	MetaTaskCount   = "sorotask-task-count"
	MetaCounter     = "sorotask-counter"
	MetaLastEventID = "sorotask-last-event-id"
	MetaDigest      = "sorotask-digest"
	MetaTakenAt     = "sorotask-taken-at"
)

// S3Destination uploads snapshots to an S3-compatible bucket.
type S3Destination struct {
	client *s3.Client
	bucket string
	key    string
}

// NewS3Destination creates an S3 destination. A non-empty endpoint turns
// on path-style addressing, as MinIO and similar servers expect.
func NewS3Destination(ctx context.Context, bucket, key, region, endpoint string) (*S3Destination, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3opts []func(*s3.Options)
	if endpoint != "" {
		s3opts = append(s3opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Destination{
		client: s3.NewFromConfig(cfg, s3opts...),
		bucket: bucket,
		key:    key,
	}, nil
}

func (d *S3Destination) Name() string { return "s3://" + d.bucket + "/" + d.key }

// snapshotMetadata labels an object with what the snapshot covers.
func snapshotMetadata(snap *Snapshot) map[string]string {
	return map[string]string{
		MetaTaskCount:   strconv.Itoa(snap.TaskCount),
		MetaCounter:     snap.Counter.String(),
		MetaLastEventID: strconv.FormatInt(snap.LastEventID, 10),
		MetaDigest:      snap.Digest,
		MetaTakenAt:     snap.TakenAt.Format(time.RFC3339),
	}
}

// Write uploads snap under the configured key.
func (d *S3Destination) Write(ctx context.Context, snap *Snapshot) error {
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(d.key),
		Body:        bytes.NewReader(snap.Data),
		ContentType: aws.String("application/x-ndjson"),
		Metadata:    snapshotMetadata(snap),
	})
	if err != nil {
		return fmt.Errorf("s3 put object (counter %s): %w", snap.Counter, err)
	}
	return nil
}
