package handler

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"bot-deployer/internal/domain"
	"bot-deployer/internal/integrations/telegram"
)

const (
	defaultPollWait    = 30 * time.Second
	defaultPollBackoff = 3 * time.Second
	defaultPollWorkers = 16
	replySendTimeout   = 15 * time.Second
)

type Transport interface {
	GetUpdates(ctx context.Context, offset int64, wait time.Duration) ([]telegram.Update, error)
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Poller long-polls the transport and feeds each conversation's messages to
// the handler strictly in arrival order.
type Poller struct {
	transport Transport
	handler   *Handler
	logger    *slog.Logger
	wait      time.Duration
	backoff   time.Duration
	workers   int
	queue     *serialQueue
}

type PollerOption func(*Poller)

func WithPollWait(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d >= 0 {
			p.wait = d
		}
	}
}

func WithPollBackoff(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.backoff = d
		}
	}
}

// WithWorkers bounds how many conversations are processed concurrently.
func WithWorkers(n int) PollerOption {
	return func(p *Poller) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithPollerLogger(logger *slog.Logger) PollerOption {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func NewPoller(t Transport, h *Handler, opts ...PollerOption) (*Poller, error) {
	if t == nil {
		return nil, errors.New("handler: transport must not be nil")
	}
	if h == nil {
		return nil, errors.New("handler: handler must not be nil")
	}
	p := &Poller{
		transport: t,
		handler:   h,
		logger:    slog.Default(),
		wait:      defaultPollWait,
		backoff:   defaultPollBackoff,
		workers:   defaultPollWorkers,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.queue = newSerialQueue(p.workers, p.logger)
	return p, nil
}

// Run polls until ctx is cancelled. Jobs already queued keep running on a
// context detached from ctx; use Shutdown to wait for them.
func (p *Poller) Run(ctx context.Context) error {
	jobCtx := context.WithoutCancel(ctx)
	var offset int64

	for ctx.Err() == nil {
		updates, err := p.transport.GetUpdates(ctx, offset, p.wait)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			p.logger.Warn("poll failed", "err", err)
			select {
			case <-ctx.Done():
			case <-time.After(p.backoff):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			in, ok := toInbound(u)
			if !ok {
				continue
			}
			p.queue.Enqueue(in.ConversationID, func() {
				p.process(jobCtx, in)
			})
		}
	}
	return nil
}

// Shutdown waits for in-flight jobs or until ctx is done.
func (p *Poller) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.queue.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Poller) process(ctx context.Context, in domain.Inbound) {
	reply := p.handler.Handle(ctx, in)
	if reply.Text == "" {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, replySendTimeout)
	defer cancel()
	if err := p.transport.SendMessage(sctx, reply.ConversationID, reply.Text); err != nil {
		p.logger.Error("reply not delivered",
			"correlation_id", reply.CorrelationID,
			"conversation_id", reply.ConversationID,
			"err", err,
		)
	}
}

// toInbound converts a Bot API update. Updates without a message, or whose
// message has neither text nor a document, are dropped.
func toInbound(u telegram.Update) (domain.Inbound, bool) {
	m := u.Message
	if m == nil || (m.Text == "" && m.Document == nil) {
		return domain.Inbound{}, false
	}
	in := domain.Inbound{
		ConversationID: m.Chat.ID,
		Text:           m.Text,
	}
	if m.From != nil {
		in.Sender = m.From.Username
		if in.Sender == "" {
			in.Sender = strconv.FormatInt(m.From.ID, 10)
		}
	}
	if m.Document != nil {
		in.Document = &domain.Document{
			FileID:   m.Document.FileID,
			FileName: m.Document.FileName,
			MimeType: m.Document.MimeType,
			Size:     m.Document.FileSize,
		}
	}
	return in, true
}
