package storage

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/audience-engine/internal/config"
	"github.com/ignite/audience-engine/internal/pkg/logger"
)

// DynamoAPI is the subset of the DynamoDB client used here.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// S3API is the subset of the S3 client used here.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// AWSSinks groups the AWS-backed evaluation result sinks. Either field is nil
// when its table or bucket is not configured.
type AWSSinks struct {
	History *HistoryRecorder
	Archive *MemberArchive
}

// NewAWSSinks loads AWS credentials (static keys, a shared profile, or the
// default chain) and builds the configured sinks.
func NewAWSSinks(ctx context.Context, cfg config.AWSConfig, log *logger.Logger) (*AWSSinks, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	} else if profile := cfg.GetProfile(); profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	sinks := &AWSSinks{}
	if cfg.HistoryTable != "" {
		sinks.History = NewHistoryRecorder(dynamodb.NewFromConfig(awsCfg), cfg.HistoryTable, cfg.HistoryTTL(), log)
	}
	if cfg.ArchiveBucket != "" {
		sinks.Archive = NewMemberArchive(s3.NewFromConfig(awsCfg), cfg.ArchiveBucket, log)
	}
	return sinks, nil
}
