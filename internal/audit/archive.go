package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/david/bandi-engine/internal/ingest"
)

// Trail is the audit document written for one aggregation run.
type Trail struct {
	RunID       string              `json:"run_id"`
	GeneratedAt time.Time           `json:"generated_at"`
	Total       int                 `json:"total_records"`
	Skipped     int                 `json:"skipped"`
	Collisions  int                 `json:"collisions"`
	DerivedKeys int                 `json:"derived_keys"`
	Events      []ingest.AuditEvent `json:"events"`
}

// NewTrail summarizes a dedup result for archiving.
func NewTrail(runID string, at time.Time, res ingest.DedupResult) Trail {
	events := res.Events
	if events == nil {
		events = []ingest.AuditEvent{}
	}
	return Trail{
		RunID:       runID,
		GeneratedAt: at.UTC(),
		Total:       res.Total,
		Skipped:     res.Skipped,
		Collisions:  res.Collisions,
		DerivedKeys: res.DerivedKeys,
		Events:      events,
	}
}

// ObjectKey is where a run's trail is stored.
func ObjectKey(runID string) string {
	return "runs/" + runID + ".json"
}

// Archiver keeps the audit trail of a run somewhere durable.
type Archiver interface {
	Archive(ctx context.Context, trail Trail) (string, error)
}

// LogArchiver writes the trail to the process log only.
type LogArchiver struct{}

func (LogArchiver) Archive(ctx context.Context, trail Trail) (string, error) {
	log.Printf("[audit %s] records=%d skipped=%d collisions=%d derived_keys=%d",
		trail.RunID, trail.Total, trail.Skipped, trail.Collisions, trail.DerivedKeys)
	for _, ev := range trail.Events {
		if ev.Kind == ingest.EventDerivedKey || ev.Kind == ingest.EventCollisionDiscarded {
			log.Printf("[audit %s] %s source=%s key=%q %s", trail.RunID, ev.Kind, ev.Source, ev.Key, ev.Detail)
		}
	}
	return "", nil
}

// MinioArchiver stores each trail as a JSON object in a bucket.
type MinioArchiver struct {
	client *minio.Client
	bucket string
}

// NewMinioArchiver connects to MinIO and creates the bucket if missing.
func NewMinioArchiver(ctx context.Context, endpoint, region, bucket, accessKey, secretKey string, useSSL bool) (*MinioArchiver, error) {
	cli, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := cli.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}

	return &MinioArchiver{client: cli, bucket: bucket}, nil
}

// Archive uploads the trail and returns its object URL.
func (a *MinioArchiver) Archive(ctx context.Context, trail Trail) (string, error) {
	payload, err := json.MarshalIndent(trail, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode audit trail: %w", err)
	}

	key := ObjectKey(trail.RunID)
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("upload audit trail %s: %w", key, err)
	}

	return objectURL(a.client.EndpointURL(), a.bucket, key), nil
}

// objectURL addresses an object path-style on the client's endpoint.
func objectURL(endpoint *url.URL, bucket, key string) string {
	return fmt.Sprintf("%s://%s/%s/%s", endpoint.Scheme, endpoint.Host, bucket, key)
}
