package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/Duds/CouncilWorks-sub003/internal/store"
)

// Archiver uploads margin event JSON to object storage.
type Archiver interface {
	ArchiveEvent(ctx context.Context, ev *store.EventRecord) (objectKey string, err error)
}

// S3Archiver writes margin events to S3 paths like:
//
//	s3://<bucket>/<prefix>/margin/YYYY/MM/DD/<eventID>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Archiver creates an S3Archiver. Region and credentials come from the
// environment (AWS_REGION, AWS_PROFILE, AWS_ACCESS_KEY_ID/SECRET etc.).
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

// ArchiveEvent uploads the event envelope and returns the object key so the
// caller can persist the S3 pointer next to the event row.
func (s *S3Archiver) ArchiveEvent(ctx context.Context, ev *store.EventRecord) (string, error) {
	if ev == nil {
		return "", fmt.Errorf("nil event")
	}

	body, err := json.Marshal(Envelope(ev))
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	ts := time.Now().UTC()
	if !ev.TS.IsZero() {
		ts = ev.TS
	}
	year, month, day := ts.Date()
	objectKey := path.Join(s.prefix, "margin",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s.json", ev.ID),
	)

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(objectKey),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return objectKey, nil
}

// Envelope is the wire shape shared by the Kafka producer and the archiver.
func Envelope(ev *store.EventRecord) map[string]interface{} {
	return map[string]interface{}{
		"id":             ev.ID.String(),
		"organisationId": ev.OrganisationID,
		"eventType":      ev.EventType,
		"marginType":     ev.MarginType,
		"description":    ev.Description,
		"impact":         ev.Impact,
		"ts":             ev.TS.Format(time.RFC3339Nano),
	}
}
