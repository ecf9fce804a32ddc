package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"bot-deployer/internal/domain"
)

const (
	skState     = "STATE"
	skPrefixEvt = "EVT#"
	eventTTL    = 30 * 24 * time.Hour // 30-day TTL
	stateTTL    = 24 * time.Hour      // fallback when a state carries no deadline
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Sealer encrypts the pending credential before it leaves the process.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
	Open(ciphertext string) ([]byte, error)
}

// Client stores conversation state and the deployment audit journal in one
// DynamoDB table keyed by PK/SK.
type Client struct {
	api       dynamodbAPI
	tableName string
	sealer    Sealer
	now       func() time.Time
}

type Option func(*Client)

// WithSealer stores pending credentials encrypted.
func WithSealer(s Sealer) Option {
	return func(c *Client) {
		c.sealer = s
	}
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	c := &Client{api: api, tableName: tableName, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID int64) string {
	return "CONV#" + strconv.FormatInt(conversationID, 10)
}

// deployPK returns the partition key for a deployment's audit entries.
func deployPK(deploymentID string) string {
	return "DEPLOY#" + deploymentID
}

// evtSK returns the sort key for an audit entry at ts.
func evtSK(ts time.Time) string {
	return skPrefixEvt + ts.UTC().Format(time.RFC3339Nano)
}

func stateKey(conversationID int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
		"SK": &types.AttributeValueMemberS{Value: skState},
	}
}

// Get returns the conversation state, or an idle state when no live item
// exists. Items past their TTL are treated as absent even before DynamoDB
// reaps them.
func (c *Client) Get(ctx context.Context, conversationID int64) (domain.ConversationState, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            stateKey(conversationID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("repository: Get conversation: %w", err)
	}
	idle := domain.ConversationState{ConversationID: conversationID, Phase: domain.PhaseIdle}
	if out == nil || len(out.Item) == 0 {
		return idle, nil
	}

	st, err := c.itemToState(conversationID, out.Item)
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("repository: Get conversation decode: %w", err)
	}
	if st.Expired(c.now()) {
		return idle, nil
	}
	return st, nil
}

// Put writes the conversation state. An idle state deletes the item.
func (c *Client) Put(ctx context.Context, st domain.ConversationState) error {
	if st.Phase == domain.PhaseIdle || st.Phase == "" {
		return c.Delete(ctx, st.ConversationID)
	}
	if st.PendingCredential == "" {
		return errors.New("repository: Put conversation: awaiting state without credential")
	}

	now := c.now().UTC()
	st.UpdatedAt = now
	if st.ExpiresAt.IsZero() {
		st.ExpiresAt = now.Add(stateTTL)
	}
	item, err := c.stateItem(st)
	if err != nil {
		return fmt.Errorf("repository: Put conversation: %w", err)
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: Put conversation: %w", err)
	}
	return nil
}

// Delete removes the conversation state item. Deleting an absent item succeeds.
func (c *Client) Delete(ctx context.Context, conversationID int64) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       stateKey(conversationID),
	})
	if err != nil {
		return fmt.Errorf("repository: Delete conversation: %w", err)
	}
	return nil
}

// RecordEvent appends one audit entry for a deployment.
func (c *Client) RecordEvent(ctx context.Context, evt domain.DeploymentEvent) error {
	if evt.DeploymentID == "" {
		return errors.New("repository: RecordEvent: deployment id is required")
	}
	if evt.At.IsZero() {
		evt.At = c.now()
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                eventItem(evt, evt.At.Add(eventTTL).Unix()),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: RecordEvent: %w", err)
	}
	return nil
}

func (c *Client) stateItem(st domain.ConversationState) (map[string]types.AttributeValue, error) {
	credential := st.PendingCredential
	if c.sealer != nil {
		sealed, err := c.sealer.Seal([]byte(credential))
		if err != nil {
			return nil, err
		}
		credential = sealed
	}
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(st.ConversationID)},
		"SK":             &types.AttributeValueMemberS{Value: skState},
		"conversationId": &types.AttributeValueMemberN{Value: strconv.FormatInt(st.ConversationID, 10)},
		"phase":          &types.AttributeValueMemberS{Value: string(st.Phase)},
		"credential":     &types.AttributeValueMemberS{Value: credential},
		"sealed":         &types.AttributeValueMemberBOOL{Value: c.sealer != nil},
		"updatedAt":      &types.AttributeValueMemberS{Value: st.UpdatedAt.UTC().Format(time.RFC3339)},
		"ttl":            &types.AttributeValueMemberN{Value: strconv.FormatInt(st.ExpiresAt.Unix(), 10)},
	}, nil
}

func eventItem(evt domain.DeploymentEvent, ttl int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: deployPK(evt.DeploymentID)},
		"SK":             &types.AttributeValueMemberS{Value: evtSK(evt.At)},
		"conversationId": &types.AttributeValueMemberN{Value: strconv.FormatInt(evt.ConversationID, 10)},
		"action":         &types.AttributeValueMemberS{Value: evt.Action},
		"status":         &types.AttributeValueMemberS{Value: string(evt.Status)},
		"detail":         &types.AttributeValueMemberS{Value: evt.Detail},
		"ttl":            &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
	}
}

// itemToState converts a DynamoDB attribute map to a ConversationState.
func (c *Client) itemToState(conversationID int64, item map[string]types.AttributeValue) (domain.ConversationState, error) {
	phase, err := strAttr(item, "phase")
	if err != nil {
		return domain.ConversationState{}, err
	}
	credential, err := strAttr(item, "credential")
	if err != nil {
		return domain.ConversationState{}, err
	}
	if sealed, ok := item["sealed"].(*types.AttributeValueMemberBOOL); ok && sealed.Value {
		if c.sealer == nil {
			return domain.ConversationState{}, errors.New("repository: credential is sealed but no sealer is configured")
		}
		plain, err := c.sealer.Open(credential)
		if err != nil {
			return domain.ConversationState{}, err
		}
		credential = string(plain)
	}
	ttl, err := intAttr(item, "ttl")
	if err != nil {
		return domain.ConversationState{}, err
	}
	st := domain.ConversationState{
		ConversationID:    conversationID,
		Phase:             domain.Phase(phase),
		PendingCredential: credential,
		ExpiresAt:         time.Unix(ttl, 0).UTC(),
	}
	if updated, err := strAttr(item, "updatedAt"); err == nil {
		if ts, perr := time.Parse(time.RFC3339, updated); perr == nil {
			st.UpdatedAt = ts
		}
	}
	return st, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
