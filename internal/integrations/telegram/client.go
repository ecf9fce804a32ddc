// Package telegram is a minimal Bot API client: long polling, replies, file
// downloads and credential checks.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	defaultBaseURL        = "https://api.telegram.org"
	defaultRequestTimeout = 10 * time.Second

	// maxMessageLen is the Bot API limit for one sendMessage text, in runes.
	maxMessageLen = 4096
)

// User is the subset of the Bot API User object the deployer reads.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// Chat identifies the conversation a message belongs to.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// Document is a general file attached to a message.
type Document struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

// Message is the subset of the Bot API Message object the deployer reads.
type Message struct {
	MessageID int64     `json:"message_id"`
	From      *User     `json:"from"`
	Chat      Chat      `json:"chat"`
	Text      string    `json:"text"`
	Document  *Document `json:"document"`
}

// Update is one inbound event from getUpdates.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// File describes a file ready to be downloaded.
type File struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size"`
	FilePath string `json:"file_path"`
}

type apiResponse[T any] struct {
	OK          bool   `json:"ok"`
	Result      T      `json:"result"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

type sendMessageRequest struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

type getUpdatesRequest struct {
	Offset         int64    `json:"offset,omitempty"`
	Timeout        int      `json:"timeout"`
	AllowedUpdates []string `json:"allowed_updates"`
}

type getFileRequest struct {
	FileID string `json:"file_id"`
}

// APIError captures a failed Bot API call. It never includes the request URL,
// which embeds the bot token.
type APIError struct {
	Method      string
	StatusCode  int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: %s: status %d: %s", e.Method, e.StatusCode, e.Description)
}

// Client is a focused Bot API client for one bot token.
type Client struct {
	baseURL        string
	token          string
	httpClient     *http.Client
	requestTimeout time.Duration
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func withHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithRequestTimeout bounds each non-streaming API call.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// NewClient creates a Client for token.
func NewClient(token string, opts ...Option) (*Client, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("telegram: token must not be empty")
	}
	c := &Client{
		baseURL:        defaultBaseURL,
		token:          token,
		httpClient:     &http.Client{},
		requestTimeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return http.DefaultClient
}

func (c *Client) resolvedBaseURL() string {
	if c.baseURL == "" {
		return defaultBaseURL
	}
	return c.baseURL
}

func methodURL(baseURL, token, method string) string {
	return baseURL + "/bot" + token + "/" + method
}

func fileURL(baseURL, token, filePath string) string {
	return baseURL + "/file/bot" + token + "/" + strings.TrimLeft(filePath, "/")
}

// GetMe returns the bot behind the client's token.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	var me User
	if err := c.call(ctx, "getMe", nil, &me, c.requestTimeout); err != nil {
		return User{}, err
	}
	return me, nil
}

// GetUpdates long-polls for updates after offset, waiting up to wait for new
// ones to arrive.
func (c *Client) GetUpdates(ctx context.Context, offset int64, wait time.Duration) ([]Update, error) {
	req := getUpdatesRequest{
		Offset:         offset,
		Timeout:        int(wait / time.Second),
		AllowedUpdates: []string{"message"},
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", req, &updates, wait+c.requestTimeout); err != nil {
		return nil, err
	}
	return updates, nil
}

// SendMessage delivers text to chatID, splitting it across several messages
// when it exceeds the per-message limit.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	for _, part := range splitMessage(text, maxMessageLen) {
		if err := c.call(ctx, "sendMessage", sendMessageRequest{ChatID: chatID, Text: part}, nil, c.requestTimeout); err != nil {
			return err
		}
	}
	return nil
}

// GetFile resolves fileID to a downloadable path.
func (c *Client) GetFile(ctx context.Context, fileID string) (File, error) {
	var f File
	if err := c.call(ctx, "getFile", getFileRequest{FileID: fileID}, &f, c.requestTimeout); err != nil {
		return File{}, err
	}
	if f.FilePath == "" {
		return File{}, errors.New("telegram: getFile: no file path in response")
	}
	return f, nil
}

// OpenFile resolves fileID and returns a stream over its content. The stream
// is bound to ctx; the caller must close it.
func (c *Client) OpenFile(ctx context.Context, fileID string) (io.ReadCloser, error) {
	f, err := c.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL(c.resolvedBaseURL(), c.token, f.FilePath), nil)
	if err != nil {
		return nil, fmt.Errorf("telegram: create download request: %w", redact(err, c.token))
	}
	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: download: %w", redact(err, c.token))
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		_ = res.Body.Close()
		return nil, &APIError{Method: "download", StatusCode: res.StatusCode, Description: strings.TrimSpace(string(buf))}
	}
	return res.Body, nil
}

// call performs one JSON Bot API method. A nil out discards the result.
func (c *Client) call(ctx context.Context, method string, in, out any, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader = http.NoBody
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("telegram: marshal %s request: %w", method, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, methodURL(c.resolvedBaseURL(), c.token, method), body)
	if err != nil {
		return fmt.Errorf("telegram: create %s request: %w", method, redact(err, c.token))
	}
	req.Header.Set("Content-Type", "application/json")

	raw, status, err := c.doJSONRequest(req)
	if err != nil {
		return fmt.Errorf("telegram: %s request failed: %w", method, err)
	}

	var payload apiResponse[json.RawMessage]
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		if status < 200 || status >= 300 {
			return &APIError{Method: method, StatusCode: status, Description: http.StatusText(status)}
		}
		return fmt.Errorf("telegram: decode %s response: %w", method, decErr)
	}
	if !payload.OK || status < 200 || status >= 300 {
		code := payload.ErrorCode
		if code == 0 {
			code = status
		}
		return &APIError{Method: method, StatusCode: code, Description: payload.Description}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload.Result, out); err != nil {
		return fmt.Errorf("telegram: decode %s result: %w", method, err)
	}
	return nil
}

func (c *Client) doJSONRequest(req *http.Request) ([]byte, int, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, 0, redact(doErr, c.token)
	}
	defer func() { _ = res.Body.Close() }()

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, res.StatusCode, fmt.Errorf("read response body: %w", redact(err, c.token))
	}
	return buf, res.StatusCode, nil
}

// redact strips the URL from net/http errors, since Bot API URLs embed the
// token.
func redact(err error, token string) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s: %w", urlErr.Op, urlErr.Err)
	}
	if token != "" && strings.Contains(err.Error(), token) {
		return errors.New(strings.ReplaceAll(err.Error(), token, "<redacted>"))
	}
	return err
}

// splitMessage breaks text into parts of at most limit runes, preferring to
// cut at line breaks.
func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var parts []string
	for utf8.RuneCountInString(text) > limit {
		cut := byteOffset(text, limit)
		if nl := strings.LastIndexByte(text[:cut], '\n'); nl > 0 {
			cut = nl + 1
		}
		parts = append(parts, strings.TrimRight(text[:cut], "\n"))
		text = text[cut:]
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}

// byteOffset returns the byte index just past the first n runes of s.
func byteOffset(s string, n int) int {
	i := 0
	for pos := range s {
		if i == n {
			return pos
		}
		i++
	}
	return len(s)
}
