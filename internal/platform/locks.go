package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type lockTableScanner interface {
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// StateLockChecker inspects the declarative engine's lock table directly.
// The engine reports only that a lock is held; the table row carries who
// holds it and since when. The table is the engine backend's own, not the
// checkpoint store's.
type StateLockChecker struct {
	db    lockTableScanner
	table string

	// StaleAfter is how long a lock may be held before a crashed holder is
	// assumed.
	StaleAfter time.Duration
}

// NewStateLockChecker wraps the clients for lock table lookups.
func NewStateLockChecker(clients *Clients, table string) *StateLockChecker {
	return &StateLockChecker{db: clients.dynamodbClient, table: table, StaleAfter: 30 * time.Minute}
}

type lockInfo struct {
	ID      string `json:"ID"`
	Who     string `json:"Who"`
	Created string `json:"Created"`
}

// IsStale reports whether the held lock predates the staleness window. A
// missing row means the holder already released it, which also clears the
// conflict.
func (s *StateLockChecker) IsStale(ctx context.Context, lockID string) (bool, error) {
	out, err := s.db.Scan(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(s.table),
		FilterExpression: aws.String("contains(Info, :id)"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":id": &dbtypes.AttributeValueMemberS{Value: lockID},
		},
	})
	if err != nil {
		return false, Classify(fmt.Sprintf("scan lock table %s", s.table), err)
	}
	if len(out.Items) == 0 {
		return true, nil
	}
	raw, ok := out.Items[0]["Info"].(*dbtypes.AttributeValueMemberS)
	if !ok {
		return false, fmt.Errorf("lock row for %s has no Info attribute", lockID)
	}
	var info lockInfo
	if err := json.Unmarshal([]byte(raw.Value), &info); err != nil {
		return false, fmt.Errorf("decode lock info for %s: %w", lockID, err)
	}
	created, err := time.Parse(time.RFC3339, info.Created)
	if err != nil {
		return false, fmt.Errorf("parse lock creation time %q: %w", info.Created, err)
	}
	return time.Since(created) > s.StaleAfter, nil
}
