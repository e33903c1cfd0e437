package entities

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/idako2023/frappe-shopee/internal/db"
	"github.com/idako2023/frappe-shopee/internal/tokens"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// PK = SHOP#<id> | MERCHANT#<id>, same keys as the token table.
type item struct {
	PK                  string   `dynamodbav:"PK"`
	Kind                string   `dynamodbav:"Kind"`
	EntityID            int64    `dynamodbav:"EntityID"`
	EntityName          string   `dynamodbav:"EntityName"`
	CompanyName         string   `dynamodbav:"CompanyName"`
	Status              []string `dynamodbav:"Status"`
	Region              string   `dynamodbav:"Region"`
	Currency            string   `dynamodbav:"Currency,omitempty"`
	IsAuthorized        bool     `dynamodbav:"IsAuthorized"`
	IsGroup             bool     `dynamodbav:"IsGroup"`
	AuthorizedAt        string   `dynamodbav:"AuthorizedAt,omitempty"`
	AuthorizationExpiry string   `dynamodbav:"AuthorizationExpiry,omitempty"`
	ParentMerchantID    int64    `dynamodbav:"ParentMerchantID,omitempty"`
	ParentCompany       string   `dynamodbav:"ParentCompany,omitempty"`
	LastEventAt         string   `dynamodbav:"LastEventAt,omitempty"`
	LastEventCode       int      `dynamodbav:"LastEventCode,omitempty"`
}

type DynamoStore struct {
	ddb   db.Client
	table string
	now   func() time.Time
}

func NewDynamoStore(ddb db.Client, table string) *DynamoStore {
	return &DynamoStore{ddb: ddb, table: table, now: time.Now}
}

func key(s tokens.Subject) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: s.Key()},
	}
}

func (d *DynamoStore) Get(ctx context.Context, s tokens.Subject) (*Entity, error) {
	out, err := d.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            key(s),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get entity %s: %w", s, err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("%s: %w", s, ErrNotFound)
	}

	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("unmarshal entity %s: %w", s, err)
	}
	return fromItem(it, s), nil
}

// Upsert builds one SET clause per profile attribute so an existing item
// keeps its last-event stamp.
func (d *DynamoStore) Upsert(ctx context.Context, e Entity) error {
	it := toItem(e)
	it.LastEventAt, it.LastEventCode = "", 0

	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return fmt.Errorf("marshal entity %s: %w", e.Subject, err)
	}
	delete(av, "PK")
	av["UpdatedAt"] = &types.AttributeValueMemberS{Value: d.now().UTC().Format(time.RFC3339)}

	attrs := make([]string, 0, len(av))
	for k := range av {
		attrs = append(attrs, k)
	}
	sort.Strings(attrs)

	names := make(map[string]string, len(attrs))
	values := make(map[string]types.AttributeValue, len(attrs))
	expr := "SET "
	for i, k := range attrs {
		n, v := "#a"+strconv.Itoa(i), ":v"+strconv.Itoa(i)
		if i > 0 {
			expr += ", "
		}
		expr += n + " = " + v
		names[n] = k
		values[v] = av[k]
	}

	_, err = d.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(d.table),
		Key:                       key(e.Subject),
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("upsert entity %s: %w", e.Subject, err)
	}
	return nil
}

func (d *DynamoStore) MarkDeauthorized(ctx context.Context, s tokens.Subject, at time.Time) error {
	_, err := d.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.table),
		Key:                 key(s),
		UpdateExpression:    aws.String("SET #auth = :f, #exp = :at, #upd = :now"),
		// Only the first deauthorization stamps the expiry.
		ConditionExpression: aws.String("attribute_exists(PK) AND #auth = :t"),
		ExpressionAttributeNames: map[string]string{
			"#auth": "IsAuthorized",
			"#exp":  "AuthorizationExpiry",
			"#upd":  "UpdatedAt",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":f":   &types.AttributeValueMemberBOOL{Value: false},
			":t":   &types.AttributeValueMemberBOOL{Value: true},
			":at":  &types.AttributeValueMemberS{Value: at.UTC().Format(time.RFC3339)},
			":now": &types.AttributeValueMemberS{Value: d.now().UTC().Format(time.RFC3339)},
		},
	})
	if err != nil {
		if db.IsConditionalCheckFailed(err) {
			return nil
		}
		return fmt.Errorf("deauthorize entity %s: %w", s, err)
	}
	return nil
}

func (d *DynamoStore) RecordEvent(ctx context.Context, s tokens.Subject, code int, at time.Time) error {
	_, err := d.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.table),
		Key:                 key(s),
		UpdateExpression:    aws.String("SET #la = :a, #lc = :c"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames: map[string]string{
			"#la": "LastEventAt",
			"#lc": "LastEventCode",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":a": &types.AttributeValueMemberS{Value: at.UTC().Format(time.RFC3339)},
			":c": &types.AttributeValueMemberN{Value: strconv.Itoa(code)},
		},
	})
	if err != nil {
		if db.IsConditionalCheckFailed(err) {
			return fmt.Errorf("%s: %w", s, ErrNotFound)
		}
		return fmt.Errorf("record event for %s: %w", s, err)
	}
	return nil
}

func toItem(e Entity) item {
	return item{
		PK:                  e.Subject.Key(),
		Kind:                string(e.Subject.Kind),
		EntityID:            e.Subject.ID,
		EntityName:          e.Name,
		CompanyName:         e.CompanyName,
		Status:              e.Status,
		Region:              e.Region,
		Currency:            e.Currency,
		IsAuthorized:        e.IsAuthorized,
		IsGroup:             e.IsGroup,
		AuthorizedAt:        formatTime(e.AuthorizedAt),
		AuthorizationExpiry: formatTime(e.AuthorizationExpiry),
		ParentMerchantID:    e.ParentMerchantID,
		ParentCompany:       e.ParentCompany,
		LastEventAt:         formatTime(e.LastEventAt),
		LastEventCode:       e.LastEventCode,
	}
}

func fromItem(it item, s tokens.Subject) *Entity {
	return &Entity{
		Subject:             s,
		Name:                it.EntityName,
		CompanyName:         it.CompanyName,
		Status:              it.Status,
		Region:              it.Region,
		Currency:            it.Currency,
		IsAuthorized:        it.IsAuthorized,
		IsGroup:             it.IsGroup,
		AuthorizedAt:        parseTime(it.AuthorizedAt),
		AuthorizationExpiry: parseTime(it.AuthorizationExpiry),
		ParentMerchantID:    it.ParentMerchantID,
		ParentCompany:       it.ParentCompany,
		LastEventAt:         parseTime(it.LastEventAt),
		LastEventCode:       it.LastEventCode,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

var _ Store = (*DynamoStore)(nil)
