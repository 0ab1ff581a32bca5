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

	"github.com/stupiduntilnot/chatrelay/internal/domain"
)

const (
	pkLog         = "LOG"
	pkCounter     = "COUNTER"
	skProfile     = "PROFILE"
	skParticipant = "PARTICIPANT"
	skPrefixMsg   = "MSG#"
	userPrefix    = "USER#"

	// fixed width so sort keys order lexicographically
	skTimeLayout = "20060102T150405.000000000Z"

	maxUpdateAttempts = 3
	maxTransactItems  = 100
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client stores participants and the chat log in a single DynamoDB table
// keyed by PK/SK.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

func userPK(username string) string {
	return userPrefix + username
}

// msgSK returns the sort key for the i-th entry written at ts.
func msgSK(ts time.Time, i int) string {
	return fmt.Sprintf("%s%s#%03d", skPrefixMsg, ts.UTC().Format(skTimeLayout), i)
}

// FindOrCreate returns the participant for username, creating it on first
// sight. A lost creation race falls back to the winner's row.
func (c *Client) FindOrCreate(ctx context.Context, username, displayName string) (domain.Participant, error) {
	if strings.TrimSpace(username) == "" {
		return domain.Participant{}, errors.New("repository: FindOrCreate: empty username")
	}
	p, _, found, err := c.getParticipant(ctx, username)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("repository: FindOrCreate: %w", err)
	}
	if found {
		return p, nil
	}

	id, err := c.nextParticipantID(ctx)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("repository: FindOrCreate: %w", err)
	}
	p = domain.Participant{ID: id, Username: username, DisplayName: displayName}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                participantItem(p, 1),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err == nil {
		return p, nil
	}
	if !isConditionFailed(err) {
		return domain.Participant{}, fmt.Errorf("repository: FindOrCreate put: %w", err)
	}
	p, _, found, err = c.getParticipant(ctx, username)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("repository: FindOrCreate reread: %w", err)
	}
	if !found {
		return domain.Participant{}, fmt.Errorf("repository: FindOrCreate: participant %q vanished", username)
	}
	return p, nil
}

// Update merges u into the stored profile with optimistic concurrency on a
// version attribute.
func (c *Client) Update(ctx context.Context, username string, u domain.ProfileUpdate) (domain.Participant, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		current, version, found, err := c.getParticipant(ctx, username)
		if err != nil {
			return domain.Participant{}, fmt.Errorf("repository: Update: %w", err)
		}
		if !found {
			if current, err = c.FindOrCreate(ctx, username, username); err != nil {
				return domain.Participant{}, err
			}
			version = 1
		}
		merged := domain.Merge(current, u)
		_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(c.tableName),
			Item:                participantItem(merged, version+1),
			ConditionExpression: aws.String("version = :v"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)},
			},
		})
		if err == nil {
			return merged, nil
		}
		if !isConditionFailed(err) {
			return domain.Participant{}, fmt.Errorf("repository: Update put: %w", err)
		}
	}
	return domain.Participant{}, fmt.Errorf("repository: Update %q: too much contention", username)
}

// Append writes all entries in one transaction.
func (c *Client) Append(ctx context.Context, entries ...domain.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if len(entries) > maxTransactItems {
		return fmt.Errorf("repository: Append: %d entries exceeds transaction limit", len(entries))
	}
	now := c.now()
	items := make([]types.TransactWriteItem, 0, len(entries))
	for i, e := range entries {
		ts := e.CreatedAt
		if ts.IsZero() {
			ts = now
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                entryItem(e, msgSK(ts, i), ts),
				ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
			},
		})
	}
	if _, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return fmt.Errorf("repository: Append: %w", err)
	}
	return nil
}

// Recent returns the last limit chat log entries in chronological order with
// each author's current profile attached.
func (c *Client) Recent(ctx context.Context, limit int) ([]domain.LogEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: pkLog},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: Recent query: %w", err)
	}

	profiles := map[string]domain.Participant{}
	entries := make([]domain.LogEntry, 0, len(out.Items))
	for _, item := range out.Items {
		e, err := itemToEntry(item)
		if err != nil {
			return nil, fmt.Errorf("repository: Recent unmarshal: %w", err)
		}
		p, ok := profiles[e.Participant.Username]
		if !ok {
			var found bool
			p, _, found, err = c.getParticipant(ctx, e.Participant.Username)
			if err != nil {
				return nil, fmt.Errorf("repository: Recent profile: %w", err)
			}
			if !found {
				p = e.Participant
			}
			profiles[e.Participant.Username] = p
		}
		e.Participant = p
		entries = append(entries, e)
	}
	domain.Reverse(entries)
	return entries, nil
}

func (c *Client) getParticipant(ctx context.Context, username string) (domain.Participant, int64, bool, error) {
	if username == domain.SentinelUsername {
		return domain.Sentinel(), 0, true, nil
	}
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(username)},
			"SK": &types.AttributeValueMemberS{Value: skProfile},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Participant{}, 0, false, fmt.Errorf("get participant %q: %w", username, err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Participant{}, 0, false, nil
	}
	p, version, err := itemToParticipant(out.Item)
	if err != nil {
		return domain.Participant{}, 0, false, err
	}
	return p, version, true, nil
}

func (c *Client) nextParticipantID(ctx context.Context) (int64, error) {
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pkCounter},
			"SK": &types.AttributeValueMemberS{Value: skParticipant},
		},
		UpdateExpression: aws.String("ADD seq :one"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("allocate participant id: %w", err)
	}
	if out == nil {
		return 0, errors.New("allocate participant id: empty response")
	}
	n, err := intAttr(out.Attributes, "seq")
	if err != nil {
		return 0, fmt.Errorf("allocate participant id: %w", err)
	}
	// id 1 belongs to the sentinel in the relational schema; keep ids disjoint
	return n + 1, nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func participantItem(p domain.Participant, version int64) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":          &types.AttributeValueMemberS{Value: userPK(p.Username)},
		"SK":          &types.AttributeValueMemberS{Value: skProfile},
		"id":          &types.AttributeValueMemberN{Value: strconv.FormatInt(p.ID, 10)},
		"username":    &types.AttributeValueMemberS{Value: p.Username},
		"displayName": &types.AttributeValueMemberS{Value: p.DisplayName},
		"version":     &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)},
	}
	optional := map[string]string{
		"nickname": p.Nickname,
		"pronouns": p.Pronouns,
		"age":      p.Age,
		"likes":    p.Likes,
		"dislikes": p.Dislikes,
	}
	for k, v := range optional {
		if strings.TrimSpace(v) != "" {
			item[k] = &types.AttributeValueMemberS{Value: v}
		}
	}
	return item
}

func itemToParticipant(item map[string]types.AttributeValue) (domain.Participant, int64, error) {
	username, err := strAttr(item, "username")
	if err != nil {
		return domain.Participant{}, 0, err
	}
	id, err := intAttr(item, "id")
	if err != nil {
		return domain.Participant{}, 0, err
	}
	version, err := intAttr(item, "version")
	if err != nil {
		return domain.Participant{}, 0, err
	}
	p := domain.Participant{ID: id, Username: username}
	p.DisplayName, _ = strAttr(item, "displayName") // allow empty
	p.Nickname, _ = strAttr(item, "nickname")
	p.Pronouns, _ = strAttr(item, "pronouns")
	p.Age, _ = strAttr(item, "age")
	p.Likes, _ = strAttr(item, "likes")
	p.Dislikes, _ = strAttr(item, "dislikes")
	return p, version, nil
}

func entryItem(e domain.LogEntry, sk string, ts time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":          &types.AttributeValueMemberS{Value: pkLog},
		"SK":          &types.AttributeValueMemberS{Value: sk},
		"username":    &types.AttributeValueMemberS{Value: e.Participant.Username},
		"displayName": &types.AttributeValueMemberS{Value: e.Participant.DisplayName},
		"text":        &types.AttributeValueMemberS{Value: e.Text},
		"createdAt":   &types.AttributeValueMemberN{Value: strconv.FormatInt(ts.UnixNano(), 10)},
	}
}

func itemToEntry(item map[string]types.AttributeValue) (domain.LogEntry, error) {
	username, err := strAttr(item, "username")
	if err != nil {
		return domain.LogEntry{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.LogEntry{}, err
	}
	created, err := intAttr(item, "createdAt")
	if err != nil {
		return domain.LogEntry{}, err
	}
	displayName, _ := strAttr(item, "displayName") // allow empty
	return domain.LogEntry{
		ID:          created,
		Participant: domain.Participant{Username: username, DisplayName: displayName},
		Text:        text,
		CreatedAt:   time.Unix(0, created).UTC(),
	}, nil
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
	i, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: attribute %q: %w", key, err)
	}
	return i, nil
}
