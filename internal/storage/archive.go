package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/pkg/logger"
)

// Snapshot is the archived form of a materialized evaluation.
type Snapshot struct {
	SegmentID   string             `json:"segment_id"`
	SegmentType domain.SegmentType `json:"segment_type"`
	UserCount   int                `json:"user_count"`
	EvaluatedAt time.Time          `json:"evaluated_at"`
	UserIDs     []string           `json:"user_ids"`
}

// MemberArchive writes each materialized member list to S3 under
// segments/<id>/<yyyy/mm/dd>/<hhmmss>.json plus a segments/<id>/latest.json
// pointer copy. It implements segmentation.ResultSink.
type MemberArchive struct {
	client S3API
	bucket string
	log    *logger.Logger
}

// NewMemberArchive creates an archive writing to bucket.
func NewMemberArchive(client S3API, bucket string, log *logger.Logger) *MemberArchive {
	if log == nil {
		log = logger.Default()
	}
	return &MemberArchive{client: client, bucket: bucket, log: log.With("component", "member_archive")}
}

// SnapshotKey returns the object key for an evaluation of segmentID at t.
func SnapshotKey(segmentID string, t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("segments/%s/%s/%s.json", segmentID, t.Format("2006/01/02"), t.Format("15-04-05.000"))
}

func latestKey(segmentID string) string {
	return fmt.Sprintf("segments/%s/latest.json", segmentID)
}

// EvaluationCompleted archives results whose members were materialized and
// ignores count-only evaluations.
func (a *MemberArchive) EvaluationCompleted(ctx context.Context, res domain.EvaluationResult) error {
	if res.MatchedUserIDs == nil {
		return nil
	}
	snap := Snapshot{
		SegmentID:   res.SegmentID,
		SegmentType: res.SegmentType,
		UserCount:   res.UserCount,
		EvaluatedAt: res.EvaluatedAt.UTC(),
		UserIDs:     res.MatchedUserIDs,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	key := SnapshotKey(res.SegmentID, res.EvaluatedAt)
	for _, k := range []string{key, latestKey(res.SegmentID)} {
		if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(k),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		}); err != nil {
			return fmt.Errorf("putting object to S3: %w", err)
		}
	}
	a.log.Debug("segment snapshot archived", "segment_id", res.SegmentID, "key", key, "members", len(res.MatchedUserIDs))
	return nil
}

// Latest returns the most recent archived snapshot of a segment.
func (a *MemberArchive) Latest(ctx context.Context, segmentID string) (*Snapshot, error) {
	return a.Get(ctx, latestKey(segmentID))
}

// Get reads the snapshot stored at key.
func (a *MemberArchive) Get(ctx context.Context, key string) (*Snapshot, error) {
	result, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("getting object from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("reading S3 object body: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshaling S3 data: %w", err)
	}
	return &snap, nil
}
