// Package dbtest provides an in-memory stand-in for the DynamoDB calls made
// by the stores. It understands the small expression subset those stores
// emit: SET lists (with if_not_exists), attribute_exists/attribute_not_exists,
// = and < comparisons joined by AND / OR.
package dbtest

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type Item = map[string]types.AttributeValue

type Fake struct {
	mu     sync.Mutex
	tables map[string]map[string]Item

	// Err, when set for an operation name ("GetItem", "PutItem", ...), is returned instead of executing it.
	Err   map[string]error
	Calls map[string]int
}

func NewFake() *Fake {
	return &Fake{
		tables: map[string]map[string]Item{},
		Err:    map[string]error{},
		Calls:  map[string]int{},
	}
}

// Items returns a copy of the stored items of table ordered by PK.
func (f *Fake) Items(table string) []Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := f.sortedKeys(table)
	out := make([]Item, 0, len(keys))
	for _, k := range keys {
		out = append(out, copyItem(f.tables[table][k]))
	}
	return out
}

func (f *Fake) Item(table, pk string) Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.tables[table][pk]
	if !ok {
		return nil
	}
	return copyItem(it)
}

func (f *Fake) Put(table string, it Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.table(table)[pkOf(it)] = copyItem(it)
}

func (f *Fake) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("GetItem"); err != nil {
		return nil, err
	}
	it, ok := f.table(aws.ToString(in.TableName))[pkOf(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: copyItem(it)}, nil
}

func (f *Fake) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("PutItem"); err != nil {
		return nil, err
	}
	tbl := f.table(aws.ToString(in.TableName))
	pk := pkOf(in.Item)
	existing := tbl[pk]
	if err := checkCondition(aws.ToString(in.ConditionExpression), existing, in.ExpressionAttributeNames, in.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	tbl[pk] = copyItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *Fake) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("UpdateItem"); err != nil {
		return nil, err
	}
	tbl := f.table(aws.ToString(in.TableName))
	pk := pkOf(in.Key)
	existing := tbl[pk]
	if err := checkCondition(aws.ToString(in.ConditionExpression), existing, in.ExpressionAttributeNames, in.ExpressionAttributeValues); err != nil {
		return nil, err
	}

	next := copyItem(existing)
	if next == nil {
		next = copyItem(in.Key)
	}
	expr := strings.TrimSpace(aws.ToString(in.UpdateExpression))
	if !strings.HasPrefix(expr, "SET ") {
		return nil, fmt.Errorf("dbtest: unsupported update expression %q", expr)
	}
	for _, part := range splitTopLevel(strings.TrimPrefix(expr, "SET "), ',') {
		lhs, rhs, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("dbtest: bad SET clause %q", part)
		}
		name := resolveName(strings.TrimSpace(lhs), in.ExpressionAttributeNames)
		rhs = strings.TrimSpace(rhs)
		if strings.HasPrefix(rhs, "if_not_exists(") {
			args := strings.Split(strings.TrimSuffix(strings.TrimPrefix(rhs, "if_not_exists("), ")"), ",")
			if _, has := next[resolveName(strings.TrimSpace(args[0]), in.ExpressionAttributeNames)]; has {
				continue
			}
			rhs = strings.TrimSpace(args[1])
		}
		v, ok := in.ExpressionAttributeValues[rhs]
		if !ok {
			return nil, fmt.Errorf("dbtest: missing value %s", rhs)
		}
		next[name] = v
	}
	tbl[pk] = next
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *Fake) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("DeleteItem"); err != nil {
		return nil, err
	}
	delete(f.table(aws.ToString(in.TableName)), pkOf(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

// Scan honours Limit and ExclusiveStartKey so pagination loops are exercised.
func (f *Fake) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("Scan"); err != nil {
		return nil, err
	}
	table := aws.ToString(in.TableName)
	keys := f.sortedKeys(table)

	start := 0
	if in.ExclusiveStartKey != nil {
		after := pkOf(in.ExclusiveStartKey)
		start = sort.SearchStrings(keys, after)
		if start < len(keys) && keys[start] == after {
			start++
		}
	}

	limit := len(keys)
	if in.Limit != nil && int(*in.Limit) > 0 {
		limit = int(*in.Limit)
	}

	out := &dynamodb.ScanOutput{}
	scanned := 0
	i := start
	for ; i < len(keys) && scanned < limit; i++ {
		scanned++
		it := f.tables[table][keys[i]]
		if checkCondition(aws.ToString(in.FilterExpression), it, in.ExpressionAttributeNames, in.ExpressionAttributeValues) != nil {
			continue
		}
		out.Items = append(out.Items, copyItem(it))
	}
	if i < len(keys) {
		out.LastEvaluatedKey = Item{"PK": &types.AttributeValueMemberS{Value: keys[i-1]}}
	}
	return out, nil
}

func (f *Fake) begin(op string) error {
	f.Calls[op]++
	return f.Err[op]
}

func (f *Fake) table(name string) map[string]Item {
	t, ok := f.tables[name]
	if !ok {
		t = map[string]Item{}
		f.tables[name] = t
	}
	return t
}

func (f *Fake) sortedKeys(table string) []string {
	keys := make([]string, 0, len(f.tables[table]))
	for k := range f.tables[table] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func checkCondition(expr string, existing Item, names map[string]string, values map[string]types.AttributeValue) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil
	}
	ok, err := evalCondition(expr, existing, names, values)
	if err != nil {
		return err
	}
	if !ok {
		return conditionFailed()
	}
	return nil
}

// evalCondition handles AND over OR groups, one level of parentheses and the
// =, < comparisons.
func evalCondition(expr string, existing Item, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	expr = strings.TrimSpace(expr)
	if ands := splitKeyword(expr, " AND "); len(ands) > 1 {
		for _, a := range ands {
			ok, err := evalCondition(a, existing, names, values)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
	if ors := splitKeyword(expr, " OR "); len(ors) > 1 {
		for _, o := range ors {
			ok, err := evalCondition(o, existing, names, values)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	}
	if strings.HasPrefix(expr, "(") && strings.HasSuffix(expr, ")") {
		return evalCondition(expr[1:len(expr)-1], existing, names, values)
	}

	switch {
	case strings.HasPrefix(expr, "attribute_not_exists("):
		name := resolveName(strings.TrimSuffix(strings.TrimPrefix(expr, "attribute_not_exists("), ")"), names)
		_, has := existing[name]
		return !has, nil
	case strings.HasPrefix(expr, "attribute_exists("):
		name := resolveName(strings.TrimSuffix(strings.TrimPrefix(expr, "attribute_exists("), ")"), names)
		_, has := existing[name]
		return has, nil
	case strings.Contains(expr, "<"):
		lhs, rhs, _ := strings.Cut(expr, "<")
		got, has := existing[resolveName(strings.TrimSpace(lhs), names)]
		if !has {
			return false, nil
		}
		a, aok := got.(*types.AttributeValueMemberN)
		b, bok := values[strings.TrimSpace(rhs)].(*types.AttributeValueMemberN)
		if !aok || !bok {
			return false, fmt.Errorf("dbtest: < needs numbers in %q", expr)
		}
		x, err := strconv.ParseFloat(a.Value, 64)
		if err != nil {
			return false, err
		}
		y, err := strconv.ParseFloat(b.Value, 64)
		if err != nil {
			return false, err
		}
		return x < y, nil
	default:
		lhs, rhs, ok := strings.Cut(expr, "=")
		if !ok {
			return false, fmt.Errorf("dbtest: unsupported condition %q", expr)
		}
		got, has := existing[resolveName(strings.TrimSpace(lhs), names)]
		want := values[strings.TrimSpace(rhs)]
		return has && reflect.DeepEqual(got, want), nil
	}
}

// splitKeyword splits s on kw outside parentheses.
func splitKeyword(s, kw string) []string {
	var out []string
	depth, last := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		default:
			if depth == 0 && strings.HasPrefix(s[i:], kw) {
				out = append(out, strings.TrimSpace(s[last:i]))
				i += len(kw) - 1
				last = i + 1
			}
		}
	}
	return append(out, strings.TrimSpace(s[last:]))
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

func resolveName(s string, names map[string]string) string {
	if strings.HasPrefix(s, "#") {
		if n, ok := names[s]; ok {
			return n
		}
	}
	return s
}

// splitTopLevel splits on sep outside parentheses.
func splitTopLevel(s string, sep rune) []string {
	var out []string
	depth, last := 0, 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case sep:
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[last:i]))
				last = i + 1
			}
		}
	}
	return append(out, strings.TrimSpace(s[last:]))
}

func pkOf(it Item) string {
	if s, ok := it["PK"].(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func copyItem(it Item) Item {
	if it == nil {
		return nil
	}
	out := make(Item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}
