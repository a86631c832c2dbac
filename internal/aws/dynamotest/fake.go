// Package dynamotest provides an in-memory DynamoDB fake for unit tests. It understands the
// subset of condition, update and key expressions the stores in this module issue.
package dynamotest

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Schema describes a table's primary key and secondary indexes.
type Schema struct {
	HashKey  string
	RangeKey string
	Indexes  map[string]Index
}

// Index describes a GSI key schema.
type Index struct {
	HashKey  string
	RangeKey string
}

// Fake is a goroutine-safe in-memory DynamoDB.
type Fake struct {
	mu       sync.Mutex
	schemas  map[string]Schema
	tables   map[string]map[string]map[string]types.AttributeValue
	failures map[string]error

	// BeforeTransact runs outside the lock before every TransactWriteItems call.
	BeforeTransact func(in *dyn.TransactWriteItemsInput)

	Calls map[string]int
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		schemas:  map[string]Schema{},
		tables:   map[string]map[string]map[string]types.AttributeValue{},
		failures: map[string]error{},
		Calls:    map[string]int{},
	}
}

// CreateTable registers a table schema.
func (f *Fake) CreateTable(name string, schema Schema) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schemas[name] = schema
	if _, ok := f.tables[name]; !ok {
		f.tables[name] = map[string]map[string]types.AttributeValue{}
	}
	return f
}

// FailTable makes every operation touching table return err. A nil err clears the failure.
func (f *Fake) FailTable(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, name)
		return
	}
	f.failures[name] = err
}

// Items returns a copy of every item stored in table.
func (f *Fake) Items(table string) []map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]types.AttributeValue, 0, len(f.tables[table]))
	for _, item := range f.tables[table] {
		out = append(out, copyItem(item))
	}
	return out
}

// Count returns the number of items stored in table.
func (f *Fake) Count(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tables[table])
}

// Seed stores item without evaluating any condition.
func (f *Fake) Seed(table string, item map[string]types.AttributeValue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, err := f.itemKey(table, item)
	if err != nil {
		return err
	}
	f.tables[table][k] = copyItem(item)
	return nil
}

func (f *Fake) PutItem(ctx context.Context, in *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["PutItem"]++
	table := deref(in.TableName)
	if err := f.precheck(table); err != nil {
		return nil, err
	}
	k, err := f.itemKey(table, in.Item)
	if err != nil {
		return nil, err
	}
	existing := f.tables[table][k]
	ok, err := evalCondition(deref(in.ConditionExpression), existing, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
	}
	f.tables[table][k] = copyItem(in.Item)
	return &dyn.PutItemOutput{}, nil
}

func (f *Fake) GetItem(ctx context.Context, in *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["GetItem"]++
	table := deref(in.TableName)
	if err := f.precheck(table); err != nil {
		return nil, err
	}
	k, err := f.itemKey(table, in.Key)
	if err != nil {
		return nil, err
	}
	item, ok := f.tables[table][k]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(item)}, nil
}

func (f *Fake) UpdateItem(ctx context.Context, in *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["UpdateItem"]++
	table := deref(in.TableName)
	if err := f.precheck(table); err != nil {
		return nil, err
	}
	k, err := f.itemKey(table, in.Key)
	if err != nil {
		return nil, err
	}
	existing := f.tables[table][k]
	ok, err := evalCondition(deref(in.ConditionExpression), existing, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
	}
	updated, err := applyUpdate(existing, in.Key, deref(in.UpdateExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	f.tables[table][k] = updated
	return &dyn.UpdateItemOutput{Attributes: copyItem(updated)}, nil
}

func (f *Fake) Query(ctx context.Context, in *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["Query"]++
	table := deref(in.TableName)
	if err := f.precheck(table); err != nil {
		return nil, err
	}
	schema := f.schemas[table]
	hashKey, rangeKey := schema.HashKey, schema.RangeKey
	if name := deref(in.IndexName); name != "" {
		idx, ok := schema.Indexes[name]
		if !ok {
			return nil, fmt.Errorf("dynamotest: unknown index %q on %q", name, table)
		}
		hashKey, rangeKey = idx.HashKey, idx.RangeKey
	}

	var out []map[string]types.AttributeValue
	for _, item := range f.tables[table] {
		if _, ok := item[hashKey]; !ok {
			continue // sparse index
		}
		ok, err := evalCondition(deref(in.KeyConditionExpression), item, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		ok, err = evalCondition(deref(in.FilterExpression), item, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, copyItem(item))
		}
	}
	if rangeKey != "" {
		desc := in.ScanIndexForward != nil && !*in.ScanIndexForward
		sort.SliceStable(out, func(i, j int) bool {
			c := compareValues(out[i][rangeKey], out[j][rangeKey])
			if desc {
				return c > 0
			}
			return c < 0
		})
	}
	return &dyn.QueryOutput{Items: out, Count: int32(len(out))}, nil
}

func (f *Fake) TransactWriteItems(ctx context.Context, in *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	if f.BeforeTransact != nil {
		f.BeforeTransact(in)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["TransactWriteItems"]++

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	cancelled := false
	for i, it := range in.TransactItems {
		table, key, cond, names, values, err := f.transactTarget(it)
		if err != nil {
			return nil, err
		}
		if err := f.precheck(table); err != nil {
			return nil, err
		}
		k, err := f.itemKey(table, key)
		if err != nil {
			return nil, err
		}
		ok, err := evalCondition(cond, f.tables[table][k], names, values)
		if err != nil {
			return nil, err
		}
		reasons[i] = types.CancellationReason{Code: strPtr("None")}
		if !ok {
			reasons[i] = types.CancellationReason{Code: strPtr("ConditionalCheckFailed")}
			cancelled = true
		}
	}
	if cancelled {
		return nil, &types.TransactionCanceledException{
			Message:             strPtr("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, it := range in.TransactItems {
		switch {
		case it.Put != nil:
			table := deref(it.Put.TableName)
			k, _ := f.itemKey(table, it.Put.Item)
			f.tables[table][k] = copyItem(it.Put.Item)
		case it.Update != nil:
			table := deref(it.Update.TableName)
			k, _ := f.itemKey(table, it.Update.Key)
			updated, err := applyUpdate(f.tables[table][k], it.Update.Key, deref(it.Update.UpdateExpression), it.Update.ExpressionAttributeNames, it.Update.ExpressionAttributeValues)
			if err != nil {
				return nil, err
			}
			f.tables[table][k] = updated
		}
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func (f *Fake) transactTarget(it types.TransactWriteItem) (string, map[string]types.AttributeValue, string, map[string]string, map[string]types.AttributeValue, error) {
	switch {
	case it.Put != nil:
		return deref(it.Put.TableName), it.Put.Item, deref(it.Put.ConditionExpression), it.Put.ExpressionAttributeNames, it.Put.ExpressionAttributeValues, nil
	case it.Update != nil:
		return deref(it.Update.TableName), it.Update.Key, deref(it.Update.ConditionExpression), it.Update.ExpressionAttributeNames, it.Update.ExpressionAttributeValues, nil
	case it.ConditionCheck != nil:
		return deref(it.ConditionCheck.TableName), it.ConditionCheck.Key, deref(it.ConditionCheck.ConditionExpression), it.ConditionCheck.ExpressionAttributeNames, it.ConditionCheck.ExpressionAttributeValues, nil
	default:
		return "", nil, "", nil, nil, errors.New("dynamotest: unsupported transact item")
	}
}

func (f *Fake) precheck(table string) error {
	if err, ok := f.failures[table]; ok {
		return err
	}
	if _, ok := f.schemas[table]; !ok {
		return &types.ResourceNotFoundException{Message: strPtr("table not found: " + table)}
	}
	return nil
}

func (f *Fake) itemKey(table string, item map[string]types.AttributeValue) (string, error) {
	schema, ok := f.schemas[table]
	if !ok {
		return "", &types.ResourceNotFoundException{Message: strPtr("table not found: " + table)}
	}
	hash, ok := item[schema.HashKey]
	if !ok {
		return "", fmt.Errorf("dynamotest: missing hash key %q for %q", schema.HashKey, table)
	}
	k := scalar(hash)
	if schema.RangeKey != "" {
		rng, ok := item[schema.RangeKey]
		if !ok {
			return "", fmt.Errorf("dynamotest: missing range key %q for %q", schema.RangeKey, table)
		}
		k += "|" + scalar(rng)
	}
	return k, nil
}

var (
	existsRe  = regexp.MustCompile(`^attribute_(not_)?exists\(\s*(\S+?)\s*\)$`)
	compareRe = regexp.MustCompile(`^(\S+)\s*(<>|<=|>=|=|<|>)\s*(\S+)$`)
)

// evalCondition supports clauses joined by AND/OR without parentheses; AND binds tighter.
func evalCondition(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	for _, disjunct := range strings.Split(expr, " OR ") {
		all := true
		for _, clause := range strings.Split(disjunct, " AND ") {
			ok, err := evalClause(strings.TrimSpace(clause), item, names, values)
			if err != nil {
				return false, err
			}
			if !ok {
				all = false
				break
			}
		}
		if all {
			return true, nil
		}
	}
	return false, nil
}

func evalClause(clause string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	if m := existsRe.FindStringSubmatch(clause); m != nil {
		_, present := item[resolveName(m[2], names)]
		if m[1] == "not_" {
			return !present, nil
		}
		return present, nil
	}
	m := compareRe.FindStringSubmatch(clause)
	if m == nil {
		return false, fmt.Errorf("dynamotest: unsupported clause %q", clause)
	}
	left, lok := operand(m[1], item, names, values)
	right, rok := operand(m[3], item, names, values)
	if !lok || !rok {
		// comparisons against a missing attribute are false
		return false, nil
	}
	c := compareValues(left, right)
	switch m[2] {
	case "=":
		return c == 0, nil
	case "<>":
		return c != 0, nil
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	default:
		return c >= 0, nil
	}
}

func applyUpdate(existing, key map[string]types.AttributeValue, expr string, names map[string]string, values map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	item := copyItem(existing)
	if item == nil {
		item = copyItem(key)
	}
	setPart, removePart := expr, ""
	if i := strings.Index(expr, " REMOVE "); i >= 0 {
		setPart, removePart = expr[:i], expr[i+len(" REMOVE "):]
	} else if strings.HasPrefix(expr, "REMOVE ") {
		setPart, removePart = "", strings.TrimPrefix(expr, "REMOVE ")
	}
	setPart = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(setPart), "SET"))
	if setPart != "" {
		for _, assignment := range strings.Split(setPart, ",") {
			parts := strings.SplitN(assignment, "=", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("dynamotest: unsupported assignment %q", assignment)
			}
			v, ok := values[strings.TrimSpace(parts[1])]
			if !ok {
				return nil, fmt.Errorf("dynamotest: unsupported update value %q", parts[1])
			}
			item[resolveName(strings.TrimSpace(parts[0]), names)] = v
		}
	}
	for _, attr := range strings.Split(removePart, ",") {
		if attr = strings.TrimSpace(attr); attr != "" {
			delete(item, resolveName(attr, names))
		}
	}
	return item, nil
}

func operand(token string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (types.AttributeValue, bool) {
	if strings.HasPrefix(token, ":") {
		v, ok := values[token]
		return v, ok
	}
	v, ok := item[resolveName(token, names)]
	return v, ok
}

func resolveName(token string, names map[string]string) string {
	if strings.HasPrefix(token, "#") {
		if n, ok := names[token]; ok {
			return n
		}
	}
	return token
}

func compareValues(a, b types.AttributeValue) int {
	an, aNum := a.(*types.AttributeValueMemberN)
	bn, bNum := b.(*types.AttributeValueMemberN)
	if aNum && bNum {
		af, _ := strconv.ParseFloat(an.Value, 64)
		bf, _ := strconv.ParseFloat(bn.Value, 64)
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	return strings.Compare(scalar(a), scalar(b))
}

func scalar(v types.AttributeValue) string {
	switch t := v.(type) {
	case *types.AttributeValueMemberS:
		return t.Value
	case *types.AttributeValueMemberN:
		return t.Value
	case *types.AttributeValueMemberBOOL:
		return strconv.FormatBool(t.Value)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func strPtr(s string) *string { return &s }
