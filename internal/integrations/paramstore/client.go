// Package paramstore reads deployer secrets from AWS SSM Parameter Store.
//
// All parameters live under one path prefix:
//
//	<prefix>/telegram-token   SecureString {"token": "<orchestrator bot token>"}
//	<prefix>/state-key        SecureString age identity sealing persisted state
package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

const (
	telegramTokenKey = "telegram-token"
	stateKeyKey      = "state-key"
)

// ssmAPI is the subset of *ssm.Client used here.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Client reads parameters below a fixed path prefix.
type Client struct {
	api    ssmAPI
	prefix string
}

// New creates a Client reading parameters below prefix.
func New(api ssmAPI, prefix string) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if !strings.HasPrefix(prefix, "/") {
		return nil, fmt.Errorf("paramstore: prefix %q must start with /", prefix)
	}
	return &Client{api: api, prefix: prefix}, nil
}

// Name returns the full parameter name for key.
func (c *Client) Name(key string) string {
	return path.Join(c.prefix, key)
}

// Get returns the decrypted value of the parameter stored under key.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	key = strings.Trim(strings.TrimSpace(key), "/")
	if key == "" {
		return "", errors.New("paramstore: key is required")
	}
	name := c.Name(key)

	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("paramstore: %q has no value", name)
	}
	return *out.Parameter.Value, nil
}

type tokenPayload struct {
	Token string `json:"token"`
}

// BotToken returns the orchestrator's own Telegram bot token.
func (c *Client) BotToken(ctx context.Context) (string, error) {
	raw, err := c.Get(ctx, telegramTokenKey)
	if err != nil {
		return "", err
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("paramstore: decode %q: %w", c.Name(telegramTokenKey), err)
	}
	token := strings.TrimSpace(tp.Token)
	if token == "" {
		return "", fmt.Errorf("paramstore: %q holds an empty token", c.Name(telegramTokenKey))
	}
	return token, nil
}

// StateKey returns the age identity used to seal persisted conversation state.
func (c *Client) StateKey(ctx context.Context) (string, error) {
	raw, err := c.Get(ctx, stateKeyKey)
	if err != nil {
		return "", err
	}
	key := strings.TrimSpace(raw)
	if key == "" {
		return "", fmt.Errorf("paramstore: %q is empty", c.Name(stateKeyKey))
	}
	return key, nil
}
