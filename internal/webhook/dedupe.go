package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/idako2023/frappe-shopee/internal/db"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DedupeTTL is how long a claimed delivery is remembered.
const DedupeTTL = 7 * 24 * time.Hour

// DedupeStore claims deliveries in DynamoDB keyed by the body digest.
// Shopee pushes carry no delivery id, so identical bodies count as one.
type DedupeStore struct {
	ddb   db.Client
	table string
	now   func() time.Time
}

func NewDedupeStore(ddb db.Client, table string) *DedupeStore {
	return &DedupeStore{ddb: ddb, table: table, now: time.Now}
}

func dedupeKey(body []byte) string {
	sum := sha256.Sum256(body)
	return "WH#" + hex.EncodeToString(sum[:])
}

func (s *DedupeStore) Claim(ctx context.Context, body []byte, code EventCode) (bool, error) {
	now := s.now().UTC()
	_, err := s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: dedupeKey(body)},
			"Code":      &types.AttributeValueMemberN{Value: strconv.Itoa(int(code))},
			"CreatedAt": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
			"ExpiresAt": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(DedupeTTL).Unix(), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if db.IsConditionalCheckFailed(err) {
			return true, nil
		}
		return false, fmt.Errorf("claim webhook: %w", err)
	}
	return false, nil
}
