package tokens

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/idako2023/frappe-shopee/internal/db"
	"github.com/idako2023/frappe-shopee/internal/security"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// item mirrors the DynamoDB structure.
// PK = SHOP#<id> | MERCHANT#<id>
// RefreshLeaseUntil (epoch ms, 0 = free) is only touched through expressions.
type item struct {
	PK               string `dynamodbav:"PK"`
	Kind             string `dynamodbav:"Kind"`
	SubjectID        int64  `dynamodbav:"SubjectID"`
	AccessTokenEnc   string `dynamodbav:"AccessTokenEnc"`
	RefreshTokenEnc  string `dynamodbav:"RefreshTokenEnc"`
	RefreshTokenHash string `dynamodbav:"RefreshTokenHash"`
	TokenExpiry      int64  `dynamodbav:"TokenExpiry"`
	LastRefreshed    string `dynamodbav:"LastRefreshed"`
	Active           bool   `dynamodbav:"Active"`
	CreatedAt        string `dynamodbav:"CreatedAt,omitempty"`
	UpdatedAt        string `dynamodbav:"UpdatedAt,omitempty"`
}

type DynamoStore struct {
	ddb    db.Client
	table  string
	sealer *security.Sealer
	now    func() time.Time
}

func NewDynamoStore(ddb db.Client, table string, sealer *security.Sealer) *DynamoStore {
	return &DynamoStore{ddb: ddb, table: table, sealer: sealer, now: time.Now}
}

func hashToken(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])
}

func pkAttr(s Subject) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: s.Key()},
	}
}

func (d *DynamoStore) Get(ctx context.Context, s Subject) (*Record, error) {
	out, err := d.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            pkAttr(s),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get token %s: %w", s, err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("%s: %w", s, ErrNotFound)
	}

	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("unmarshal token %s: %w", s, err)
	}
	return d.toRecord(it)
}

func (d *DynamoStore) Upsert(ctx context.Context, r Record) error {
	in, err := d.updateInput(r)
	if err != nil {
		return err
	}
	if _, err := d.ddb.UpdateItem(ctx, in); err != nil {
		return fmt.Errorf("upsert token %s: %w", r.Subject, err)
	}
	return nil
}

func (d *DynamoStore) Swap(ctx context.Context, r Record, prevRefreshToken string) error {
	in, err := d.updateInput(r)
	if err != nil {
		return err
	}
	in.ConditionExpression = aws.String("#rth = :prev")
	in.ExpressionAttributeValues[":prev"] = &types.AttributeValueMemberS{Value: hashToken(prevRefreshToken)}

	if _, err := d.ddb.UpdateItem(ctx, in); err != nil {
		if db.IsConditionalCheckFailed(err) {
			return fmt.Errorf("%s: %w", r.Subject, ErrConflict)
		}
		return fmt.Errorf("swap token %s: %w", r.Subject, err)
	}
	return nil
}

func (d *DynamoStore) DeleteAll(ctx context.Context, s Subject) error {
	_, err := d.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       pkAttr(s),
	})
	if err != nil {
		return fmt.Errorf("delete token %s: %w", s, err)
	}
	return nil
}

func (d *DynamoStore) ListActive(ctx context.Context) ([]Record, error) {
	var (
		records  []Record
		startKey map[string]types.AttributeValue
	)
	for {
		out, err := d.ddb.Scan(ctx, &dynamodb.ScanInput{
			TableName:                aws.String(d.table),
			FilterExpression:         aws.String("#act = :t"),
			ExpressionAttributeNames: map[string]string{"#act": "Active"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":t": &types.AttributeValueMemberBOOL{Value: true},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("scan tokens: %w", err)
		}

		var items []item
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshal tokens: %w", err)
		}
		for _, it := range items {
			r, err := d.toRecord(it)
			if err != nil {
				return nil, err
			}
			records = append(records, *r)
		}

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return records, nil
}

func (d *DynamoStore) AcquireRefreshLease(ctx context.Context, s Subject, now, until time.Time) (bool, error) {
	_, err := d.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.table),
		Key:                 pkAttr(s),
		UpdateExpression:    aws.String("SET #lease = :until"),
		ConditionExpression: aws.String("attribute_exists(PK) AND (attribute_not_exists(#lease) OR #lease < :now)"),
		ExpressionAttributeNames: map[string]string{
			"#lease": "RefreshLeaseUntil",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":until": &types.AttributeValueMemberN{Value: strconv.FormatInt(until.UnixMilli(), 10)},
			":now":   &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
		},
	})
	if err != nil {
		if db.IsConditionalCheckFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("acquire refresh lease %s: %w", s, err)
	}
	return true, nil
}

func (d *DynamoStore) ReleaseRefreshLease(ctx context.Context, s Subject, until time.Time) error {
	_, err := d.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.table),
		Key:                 pkAttr(s),
		UpdateExpression:    aws.String("SET #lease = :nolease"),
		ConditionExpression: aws.String("#lease = :until"),
		ExpressionAttributeNames: map[string]string{
			"#lease": "RefreshLeaseUntil",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":nolease": &types.AttributeValueMemberN{Value: "0"},
			":until":   &types.AttributeValueMemberN{Value: strconv.FormatInt(until.UnixMilli(), 10)},
		},
	})
	if err != nil && !db.IsConditionalCheckFailed(err) {
		return fmt.Errorf("release refresh lease %s: %w", s, err)
	}
	return nil
}

func (d *DynamoStore) updateInput(r Record) (*dynamodb.UpdateItemInput, error) {
	accessEnc, err := d.sealer.Seal(r.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("seal access token %s: %w", r.Subject, err)
	}
	refreshEnc, err := d.sealer.Seal(r.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("seal refresh token %s: %w", r.Subject, err)
	}
	now := d.now().UTC().Format(time.RFC3339)

	return &dynamodb.UpdateItemInput{
		TableName: aws.String(d.table),
		Key:       pkAttr(r.Subject),
		UpdateExpression: aws.String("SET #kind = :kind, #sid = :sid, #at = :at, #rt = :rt, #rth = :rth, " +
			"#exp = :exp, #lr = :lr, #act = :act, #lease = :nolease, #upd = :now, #crt = if_not_exists(#crt, :now)"),
		ExpressionAttributeNames: map[string]string{
			"#kind":  "Kind",
			"#sid":   "SubjectID",
			"#at":    "AccessTokenEnc",
			"#rt":    "RefreshTokenEnc",
			"#rth":   "RefreshTokenHash",
			"#exp":   "TokenExpiry",
			"#lr":    "LastRefreshed",
			"#act":   "Active",
			"#lease": "RefreshLeaseUntil",
			"#upd":   "UpdatedAt",
			"#crt":   "CreatedAt",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":kind":    &types.AttributeValueMemberS{Value: string(r.Subject.Kind)},
			":sid":     &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", r.Subject.ID)},
			":at":      &types.AttributeValueMemberS{Value: accessEnc},
			":rt":      &types.AttributeValueMemberS{Value: refreshEnc},
			":rth":     &types.AttributeValueMemberS{Value: hashToken(r.RefreshToken)},
			":exp":     &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", r.TokenExpiry.Unix())},
			":lr":      &types.AttributeValueMemberS{Value: r.LastRefreshed.UTC().Format(time.RFC3339)},
			":act":     &types.AttributeValueMemberBOOL{Value: r.Active},
			":nolease": &types.AttributeValueMemberN{Value: "0"},
			":now":     &types.AttributeValueMemberS{Value: now},
		},
	}, nil
}

func (d *DynamoStore) toRecord(it item) (*Record, error) {
	s, err := ParseSubject(it.PK)
	if err != nil {
		return nil, err
	}
	access, err := d.sealer.Open(it.AccessTokenEnc)
	if err != nil {
		return nil, fmt.Errorf("open access token %s: %w", s, err)
	}
	refresh, err := d.sealer.Open(it.RefreshTokenEnc)
	if err != nil {
		return nil, fmt.Errorf("open refresh token %s: %w", s, err)
	}

	var lastRefreshed time.Time
	if it.LastRefreshed != "" {
		lastRefreshed, err = time.Parse(time.RFC3339, it.LastRefreshed)
		if err != nil {
			return nil, fmt.Errorf("parse LastRefreshed %s: %w", s, err)
		}
	}

	return &Record{
		Subject:       s,
		AccessToken:   access,
		RefreshToken:  refresh,
		TokenExpiry:   time.Unix(it.TokenExpiry, 0).UTC(),
		LastRefreshed: lastRefreshed,
		Active:        it.Active,
	}, nil
}

var _ Store = (*DynamoStore)(nil)
