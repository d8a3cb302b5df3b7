package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/pkg/logger"
)

const sortKeyLayout = "2006-01-02T15:04:05.000000000Z"

// HistoryItem is one evaluation stored in DynamoDB.
type HistoryItem struct {
	PK          string `dynamodbav:"PK"`
	SK          string `dynamodbav:"SK"`
	SegmentType string `dynamodbav:"SegmentType"`
	UserCount   int    `dynamodbav:"UserCount"`
	DurationMs  int64  `dynamodbav:"DurationMs"`
	EvaluatedAt string `dynamodbav:"EvaluatedAt"`
	TTL         int64  `dynamodbav:"TTL,omitempty"`
}

// HistoryRecorder appends every evaluation to a DynamoDB table keyed by
// SEGMENT#<id> and evaluation time. It implements segmentation.ResultSink.
type HistoryRecorder struct {
	client DynamoAPI
	table  string
	ttl    time.Duration
	log    *logger.Logger
}

// NewHistoryRecorder creates a recorder. A zero ttl stores items without expiry.
func NewHistoryRecorder(client DynamoAPI, table string, ttl time.Duration, log *logger.Logger) *HistoryRecorder {
	if log == nil {
		log = logger.Default()
	}
	return &HistoryRecorder{client: client, table: table, ttl: ttl, log: log.With("component", "evaluation_history")}
}

func historyPK(segmentID string) string {
	return fmt.Sprintf("SEGMENT#%s", segmentID)
}

func (h *HistoryRecorder) EvaluationCompleted(ctx context.Context, res domain.EvaluationResult) error {
	at := res.EvaluatedAt.UTC()
	item := HistoryItem{
		PK:          historyPK(res.SegmentID),
		SK:          at.Format(sortKeyLayout),
		SegmentType: string(res.SegmentType),
		UserCount:   res.UserCount,
		DurationMs:  res.DurationMs,
		EvaluatedAt: at.Format(time.RFC3339Nano),
	}
	if h.ttl > 0 {
		item.TTL = at.Add(h.ttl).Unix()
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling history item: %w", err)
	}
	if _, err := h.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(h.table),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("putting history item to DynamoDB: %w", err)
	}
	return nil
}

// History returns the evaluations of a segment between from and to, oldest first.
func (h *HistoryRecorder) History(ctx context.Context, segmentID string, from, to time.Time) ([]domain.EvaluationResult, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(h.table),
		KeyConditionExpression: aws.String("PK = :pk AND SK BETWEEN :from AND :to"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   &types.AttributeValueMemberS{Value: historyPK(segmentID)},
			":from": &types.AttributeValueMemberS{Value: from.UTC().Format(sortKeyLayout)},
			":to":   &types.AttributeValueMemberS{Value: to.UTC().Format(sortKeyLayout)},
		},
	}

	var out []domain.EvaluationResult
	for {
		result, err := h.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("querying DynamoDB: %w", err)
		}
		for _, raw := range result.Items {
			var item HistoryItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				h.log.Warn("skipping malformed history item", "segment_id", segmentID, "error", err)
				continue
			}
			at, err := time.Parse(time.RFC3339Nano, item.EvaluatedAt)
			if err != nil {
				h.log.Warn("skipping malformed history item", "segment_id", segmentID, "error", err)
				continue
			}
			out = append(out, domain.EvaluationResult{
				SegmentID:   segmentID,
				SegmentType: domain.SegmentType(item.SegmentType),
				UserCount:   item.UserCount,
				EvaluatedAt: at,
				DurationMs:  item.DurationMs,
			})
		}
		if len(result.LastEvaluatedKey) == 0 {
			return out, nil
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
}
