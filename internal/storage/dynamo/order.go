// Package dynamo implements the order store on Amazon DynamoDB.
package dynamo

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/orderq/internal/domain/order"
)

// DynamoDBAPI is the subset of the DynamoDB client used by OrderStore.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error)
	GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error)
	Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error)
	DescribeTable(ctx context.Context, params *dyn.DescribeTableInput, optFns ...func(*dyn.Options)) (*dyn.DescribeTableOutput, error)
}

const (
	keyAttr = "order_id"

	createCondition = "attribute_not_exists(order_id)"
	updateCondition = "attribute_exists(order_id) AND #s = :from"
)

// item is the DynamoDB representation of an order. The amount is kept as a
// decimal string so no precision is lost to the number type.
type item struct {
	OrderID     string     `dynamodbav:"order_id"`
	UserID      string     `dynamodbav:"user_id"`
	ItemIDs     []string   `dynamodbav:"item_ids"`
	TotalAmount string     `dynamodbav:"total_amount"`
	Status      string     `dynamodbav:"status"`
	CreatedAt   time.Time  `dynamodbav:"created_at"`
	CompletedAt *time.Time `dynamodbav:"completed_at,omitempty"`
}

func toItem(o *order.Order) item {
	it := item{
		OrderID:     o.ID,
		UserID:      o.UserID,
		ItemIDs:     o.ItemIDs,
		TotalAmount: o.TotalAmount.String(),
		Status:      string(o.Status),
		CreatedAt:   o.CreatedAt.UTC(),
	}
	if o.CompletedAt != nil {
		at := o.CompletedAt.UTC()
		it.CompletedAt = &at
	}
	return it
}

func (it item) toOrder() (order.Order, error) {
	amount, err := decimal.NewFromString(it.TotalAmount)
	if err != nil {
		return order.Order{}, errors.Wrapf(err, "order %q: parse total_amount", it.OrderID)
	}
	o := order.Order{
		ID:          it.OrderID,
		UserID:      it.UserID,
		ItemIDs:     it.ItemIDs,
		TotalAmount: amount,
		Status:      order.Status(it.Status),
		CreatedAt:   it.CreatedAt.UTC(),
	}
	if it.CompletedAt != nil {
		at := it.CompletedAt.UTC()
		o.CompletedAt = &at
	}
	return o, nil
}

var _ order.Store = (*OrderStore)(nil)

// OrderStore implements order.Store on a DynamoDB table keyed by order_id.
type OrderStore struct {
	client    DynamoDBAPI
	tableName string
}

// NewOrderStore returns an OrderStore over the given table.
func NewOrderStore(client DynamoDBAPI, tableName string) *OrderStore {
	return &OrderStore{client: client, tableName: tableName}
}

// Create puts the order guarded by attribute_not_exists on the key.
func (s *OrderStore) Create(ctx context.Context, o *order.Order) error {
	av, err := attributevalue.MarshalMap(toItem(o))
	if err != nil {
		return fmt.Errorf("marshal order item: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                av,
		ConditionExpression: aws.String(createCondition),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return order.ErrAlreadyExists
		}
		return unavailable(fmt.Sprintf("put order %q", o.ID), err)
	}
	return nil
}

// Get fetches an order with a strongly consistent read.
func (s *OrderStore) Get(ctx context.Context, id string) (*order.Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, unavailable(fmt.Sprintf("get order %q", id), err)
	}
	if len(out.Item) == 0 {
		return nil, order.ErrNotFound
	}

	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	o, err := it.toOrder()
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// Status reads only the status attribute of an order.
func (s *OrderStore) Status(ctx context.Context, id string) (order.Status, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:                &s.tableName,
		Key:                      key(id),
		ConsistentRead:           aws.Bool(true),
		ProjectionExpression:     aws.String("#s"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
	})
	if err != nil {
		return "", unavailable(fmt.Sprintf("get status of order %q", id), err)
	}
	if len(out.Item) == 0 {
		return "", order.ErrNotFound
	}

	var st struct {
		Status string `dynamodbav:"status"`
	}
	if err := attributevalue.UnmarshalMap(out.Item, &st); err != nil {
		return "", fmt.Errorf("unmarshal status: %w", err)
	}
	return order.Status(st.Status), nil
}

// UpdateStatus applies u guarded by a condition on the current status. On a
// failed condition the old item, if any, tells a missing order from a stale
// status without a second read.
func (s *OrderStore) UpdateStatus(ctx context.Context, u order.StatusUpdate) error {
	expr := "SET #s = :to"
	values := map[string]types.AttributeValue{
		":from": &types.AttributeValueMemberS{Value: string(u.From)},
		":to":   &types.AttributeValueMemberS{Value: string(u.To)},
	}
	if u.CompletedAt != nil {
		at, err := attributevalue.Marshal(u.CompletedAt.UTC())
		if err != nil {
			return fmt.Errorf("marshal completed_at: %w", err)
		}
		expr += ", completed_at = :completed"
		values[":completed"] = at
	}

	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                           &s.tableName,
		Key:                                 key(u.ID),
		UpdateExpression:                    &expr,
		ConditionExpression:                 aws.String(updateCondition),
		ExpressionAttributeNames:            map[string]string{"#s": "status"},
		ExpressionAttributeValues:           values,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if len(ccf.Item) == 0 {
				return order.ErrNotFound
			}
			return order.ErrStatusMismatch
		}
		return unavailable(fmt.Sprintf("update order %q to %s", u.ID, u.To), err)
	}
	return nil
}

// List scans the whole table and returns orders sorted by creation time.
func (s *OrderStore) List(ctx context.Context) ([]order.Order, error) {
	var orders []order.Order

	p := dyn.NewScanPaginator(s.client, &dyn.ScanInput{
		TableName:      &s.tableName,
		ConsistentRead: aws.Bool(true),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, unavailable("scan orders", err)
		}

		var items []item
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshal orders: %w", err)
		}
		for _, it := range items {
			o, err := it.toOrder()
			if err != nil {
				return nil, err
			}
			orders = append(orders, o)
		}
	}

	slices.SortFunc(orders, func(a, b order.Order) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return orders, nil
}

// Ping checks the table is reachable.
func (s *OrderStore) Ping(ctx context.Context) error {
	if _, err := s.client.DescribeTable(ctx, &dyn.DescribeTableInput{TableName: &s.tableName}); err != nil {
		return unavailable("describe table", err)
	}
	return nil
}

func key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		keyAttr: &types.AttributeValueMemberS{Value: id},
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", order.ErrStoreUnavailable, op, err)
}
