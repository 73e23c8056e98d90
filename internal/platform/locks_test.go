package platform

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLockTable struct {
	items []map[string]dbtypes.AttributeValue
	err   error
}

func (f *fakeLockTable) Scan(context.Context, *dynamodb.ScanInput, ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.ScanOutput{Items: f.items}, nil
}

func lockRow(id string, created time.Time) map[string]dbtypes.AttributeValue {
	info := fmt.Sprintf(`{"ID":%q,"Who":"op@bastion","Created":%q}`,
		id, created.UTC().Format(time.RFC3339))
	return map[string]dbtypes.AttributeValue{
		"Info": &dbtypes.AttributeValueMemberS{Value: info},
	}
}

func testLockChecker(table *fakeLockTable) *StateLockChecker {
	return &StateLockChecker{db: table, table: "core-tf-locks", StaleAfter: 30 * time.Minute}
}

func TestIsStale_MissingRowMeansReleased(t *testing.T) {
	s := testLockChecker(&fakeLockTable{})

	stale, err := s.IsStale(context.Background(), "7f336af8")
	require.NoError(t, err)
	assert.True(t, stale)
}

func TestIsStale_FreshLockIsLive(t *testing.T) {
	s := testLockChecker(&fakeLockTable{
		items: []map[string]dbtypes.AttributeValue{lockRow("7f336af8", time.Now().Add(-time.Minute))},
	})

	stale, err := s.IsStale(context.Background(), "7f336af8")
	require.NoError(t, err)
	assert.False(t, stale)
}

func TestIsStale_OldLockIsStale(t *testing.T) {
	s := testLockChecker(&fakeLockTable{
		items: []map[string]dbtypes.AttributeValue{lockRow("7f336af8", time.Now().Add(-2*time.Hour))},
	})

	stale, err := s.IsStale(context.Background(), "7f336af8")
	require.NoError(t, err)
	assert.True(t, stale)
}

func TestIsStale_MalformedRow(t *testing.T) {
	s := testLockChecker(&fakeLockTable{
		items: []map[string]dbtypes.AttributeValue{
			{"Info": &dbtypes.AttributeValueMemberS{Value: "not json"}},
		},
	})

	_, err := s.IsStale(context.Background(), "7f336af8")
	assert.Error(t, err)
}

func TestIsStale_ScanError(t *testing.T) {
	s := testLockChecker(&fakeLockTable{err: errors.New("table not found")})

	_, err := s.IsStale(context.Background(), "7f336af8")
	assert.Error(t, err)
}
