package handler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bot-deployer/internal/domain"
	"bot-deployer/internal/integrations/telegram"
	"bot-deployer/internal/usecase"
)

type sentMessage struct {
	chatID int64
	text   string
}

type fakeTransport struct {
	mu      sync.Mutex
	batches [][]telegram.Update
	errs    []error
	offsets []int64
	sent    []sentMessage
	sendErr error
}

func (f *fakeTransport) GetUpdates(ctx context.Context, offset int64, _ time.Duration) ([]telegram.Update, error) {
	f.mu.Lock()
	f.offsets = append(f.offsets, offset)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		f.mu.Unlock()
		return nil, err
	}
	if len(f.batches) > 0 {
		batch := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return batch, nil
	}
	f.mu.Unlock()

	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeTransport) SendMessage(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{chatID: chatID, text: text})
	return f.sendErr
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func textUpdate(id, chat int64, text string) telegram.Update {
	return telegram.Update{UpdateID: id, Message: &telegram.Message{
		Chat: telegram.Chat{ID: chat},
		From: &telegram.User{ID: 99, Username: "alice"},
		Text: text,
	}}
}

func runPoller(t *testing.T, tr *fakeTransport, uc UseCase, wantSent int) *Poller {
	t.Helper()
	h, _ := newTestHandler(t, uc)
	p, err := NewPoller(tr, h, WithPollBackoff(time.Millisecond), WithPollerLogger(discardLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return tr.sentCount() >= wantSent }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	sctx, scancel := context.WithTimeout(context.Background(), time.Second)
	defer scancel()
	require.NoError(t, p.Shutdown(sctx))
	return p
}

func TestNewPoller_ValidatesDependencies(t *testing.T) {
	h, _ := newTestHandler(t, &stubUseCase{})
	_, err := NewPoller(nil, h)
	require.Error(t, err)
	_, err = NewPoller(&fakeTransport{}, nil)
	require.Error(t, err)
}

func TestPoller_RepliesAndAdvancesOffset(t *testing.T) {
	tr := &fakeTransport{
		errs: []error{errors.New("bad gateway")},
		batches: [][]telegram.Update{
			{textUpdate(10, 1, "/help"), {UpdateID: 11}},
			{textUpdate(12, 2, "/help")},
		},
	}
	runPoller(t, tr, &stubUseCase{}, 2)

	require.ElementsMatch(t, []sentMessage{{chatID: 1, text: replyHelp}, {chatID: 2, text: replyHelp}}, tr.sent)
	require.GreaterOrEqual(t, len(tr.offsets), 3)
	require.Equal(t, []int64{0, 0, 12}, tr.offsets[:3])
}

type orderedUseCase struct {
	stubUseCase
	mu    sync.Mutex
	texts []string
}

func (o *orderedUseCase) SubmitText(_ context.Context, _ int64, text string) (usecase.Result, error) {
	if text == "first" {
		time.Sleep(20 * time.Millisecond)
	}
	o.mu.Lock()
	o.texts = append(o.texts, text)
	o.mu.Unlock()
	return usecase.Result{Outcome: usecase.OutcomeArtifactExpected}, nil
}

func TestPoller_SerializesConversation(t *testing.T) {
	tr := &fakeTransport{batches: [][]telegram.Update{
		{textUpdate(1, 5, "first"), textUpdate(2, 5, "second")},
		{textUpdate(3, 5, "third")},
	}}
	uc := &orderedUseCase{}
	runPoller(t, tr, uc, 3)

	require.Equal(t, []string{"first", "second", "third"}, uc.texts)
}

func TestToInbound(t *testing.T) {
	_, ok := toInbound(telegram.Update{UpdateID: 1})
	require.False(t, ok)
	_, ok = toInbound(telegram.Update{Message: &telegram.Message{Chat: telegram.Chat{ID: 1}}})
	require.False(t, ok)

	in, ok := toInbound(telegram.Update{Message: &telegram.Message{
		Chat:     telegram.Chat{ID: -100},
		From:     &telegram.User{ID: 42},
		Document: &telegram.Document{FileID: "f", FileName: "bot.py", MimeType: "text/x-python", FileSize: 120},
	}})
	require.True(t, ok)
	require.Equal(t, domain.Inbound{
		ConversationID: -100,
		Sender:         "42",
		Document:       &domain.Document{FileID: "f", FileName: "bot.py", MimeType: "text/x-python", Size: 120},
	}, in)
}
