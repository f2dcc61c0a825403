package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archive writes raw vendor payloads to S3-compatible object storage before
// normalization, one object per (endpoint, date, identity). The raw zone lets
// a bad normalization be replayed without re-pulling from the vendor.
type Archive struct {
	client *s3.Client
	bucket string
}

type ArchiveConfig struct {
	Endpoint string // custom endpoint for R2/minio; empty means plain S3
	Region   string
	Bucket   string
}

func NewArchive(ctx context.Context, cfg ArchiveConfig) (*Archive, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &Archive{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// Store uploads one raw payload. Objects are content-addressed by run
// coordinates, so re-running a window overwrites rather than accumulates.
func (a *Archive) Store(ctx context.Context, endpoint, identity, date string, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("empty payload")
	}

	key := fmt.Sprintf("raw/%s/%s/%s.json", endpoint, date, identity)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"identity": identity,
			"endpoint": endpoint,
			"date":     date,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload payload: %w", err)
	}
	return nil
}
