package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Store persists checkpoints to an S3 bucket, optionally guarded by a
// DynamoDB conditional-put lock so two orchestrator processes cannot drive
// the same plan concurrently. A checkpoint must survive process restarts;
// the bucket is the durable external store addressed by plan identifier.
type S3Store struct {
	bucket    string
	prefix    string
	lockTable string

	s3Client *s3.Client
	dbClient *dynamodb.Client
	lockInfo string
}

// S3Config configures an S3Store.
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	LockTable string
	Profile   string
}

// NewS3Store builds the store and its AWS clients.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 checkpoint store requires a bucket")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	s := &S3Store{
		bucket:    cfg.Bucket,
		prefix:    cfg.Prefix,
		lockTable: cfg.LockTable,
		s3Client:  s3.NewFromConfig(awsCfg),
	}
	if cfg.LockTable != "" {
		s.dbClient = dynamodb.NewFromConfig(awsCfg)
	}
	return s, nil
}

func (s *S3Store) key(planID string) string {
	if s.prefix == "" {
		return planID + ".checkpoint.json"
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + planID + ".checkpoint.json"
}

// Load reads the checkpoint for planID, or ErrNotFound.
func (s *S3Store) Load(ctx context.Context, planID string) (*Checkpoint, error) {
	result, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(planID)),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) || strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "404") {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read checkpoint from s3://%s/%s: %w", s.bucket, s.key(planID), err)
	}
	defer result.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(result.Body); err != nil {
		return nil, fmt.Errorf("failed to read checkpoint body: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(buf.Bytes(), &cp); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint: %w", err)
	}
	return &cp, nil
}

// Save supersedes the previous checkpoint for the plan.
func (s *S3Store) Save(ctx context.Context, cp *Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	raw, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(s.key(cp.PlanID)),
		Body:                 bytes.NewReader(raw),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("failed to write checkpoint to s3://%s/%s: %w", s.bucket, s.key(cp.PlanID), err)
	}
	return nil
}

// Delete removes the checkpoint when the plan reaches its terminal phase.
func (s *S3Store) Delete(ctx context.Context, planID string) error {
	_, err := s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(planID)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// Lock acquires the plan lock via a DynamoDB conditional put. Without a lock
// table configured this is a no-op.
func (s *S3Store) Lock(ctx context.Context, planID string) error {
	if s.lockTable == "" {
		return nil
	}

	s.lockInfo = fmt.Sprintf("envforge-%d-%d", os.Getpid(), time.Now().UnixNano())

	_, err := s.dbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.lockTable),
		Item: map[string]dbtypes.AttributeValue{
			"LockID":  &dbtypes.AttributeValueMemberS{Value: s.key(planID)},
			"Info":    &dbtypes.AttributeValueMemberS{Value: s.lockInfo},
			"Created": &dbtypes.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
		ConditionExpression: aws.String("attribute_not_exists(LockID)"),
	})
	if err != nil {
		if strings.Contains(err.Error(), "ConditionalCheckFailedException") {
			return fmt.Errorf("plan %s is locked by another orchestrator run. If this is an error, "+
				"manually delete the lock item with LockID=%q from DynamoDB table %q",
				planID, s.key(planID), s.lockTable)
		}
		return fmt.Errorf("failed to acquire plan lock: %w", err)
	}
	return nil
}

// Unlock releases the plan lock.
func (s *S3Store) Unlock(ctx context.Context, planID string) error {
	if s.lockTable == "" {
		return nil
	}

	_, err := s.dbClient.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.lockTable),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: s.key(planID)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to release plan lock: %w", err)
	}
	return nil
}
