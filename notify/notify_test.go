package notify

import (
	"context"
	"errors"
	"testing"

	"firebase.google.com/go/v4/messaging"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swingtrader/hook"
)

type recorder struct {
	name   string
	err    error
	events []hook.Event
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Notify(_ context.Context, ev hook.Event) error {
	r.events = append(r.events, ev)
	return r.err
}

func TestAttachRegistersKinds(t *testing.T) {
	reg := hook.NewRegistry()
	all := &recorder{name: "all"}
	onlyRejects := &recorder{name: "rejects", err: errors.New("down")}
	Attach(reg, all)
	Attach(reg, onlyRejects, hook.OrderRejected)

	ctx := context.Background()
	reg.Fire(ctx, hook.Event{Kind: hook.OrderExecuted, Symbol: "RELIANCE"})
	reg.Fire(ctx, hook.Event{Kind: hook.OrderRejected, Symbol: "INFY"})

	assert.Len(t, all.events, 2)
	require.Len(t, onlyRejects.events, 1)
	assert.Equal(t, "INFY", onlyRejects.events[0].Symbol)
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &recorder{name: "ok"}
	bad := &recorder{name: "bad", err: errors.New("boom")}
	err := Multi{bad, ok}.Notify(context.Background(), hook.Event{Kind: hook.Discrepancy})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Len(t, ok.events, 1, "later notifiers still run")
}

func TestTitleAndData(t *testing.T) {
	ev := hook.Event{Kind: hook.OrderRejected, Side: "BUY", Symbol: "RELIANCE-EQ", OrderID: 7, Quantity: 40, Reason: "RMS"}
	assert.Equal(t, "❌ BUY RELIANCE-EQ rejected", Title(ev))
	assert.Equal(t, map[string]string{
		"kind":     "ORDER_REJECTED",
		"symbol":   "RELIANCE-EQ",
		"order_id": "7",
		"quantity": "40",
		"reason":   "RMS",
	}, Data(ev))
}

type fakeBot struct {
	sent []tgbotapi.MessageConfig
	err  error
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		b.sent = append(b.sent, msg)
	}
	return tgbotapi.Message{}, b.err
}

func TestTelegramSendsToChat(t *testing.T) {
	bot := &fakeBot{}
	tg := &Telegram{bot: bot, chatID: 42}
	require.NoError(t, tg.Notify(context.Background(), hook.Event{
		Kind: hook.Discrepancy, Symbol: "TCS", Reason: "manual_buy", Expected: 10, Broker: 15,
	}))
	require.Len(t, bot.sent, 1)
	assert.Equal(t, int64(42), bot.sent[0].ChatID)
	assert.Contains(t, bot.sent[0].Text, "expected=10 broker=15")
	assert.False(t, bot.sent[0].DisableNotification)

	bot.err = errors.New("429")
	assert.Error(t, tg.Notify(context.Background(), hook.Event{Kind: hook.OrderExecuted}))
}

func TestNewTelegramRequiresCredentials(t *testing.T) {
	_, err := NewTelegram("", 1)
	assert.Error(t, err)
}

type fakeMessaging struct {
	msgs []*messaging.MulticastMessage
	resp *messaging.BatchResponse
}

func (f *fakeMessaging) SendEachForMulticast(_ context.Context, m *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	f.msgs = append(f.msgs, m)
	return f.resp, nil
}

func TestFCMMulticast(t *testing.T) {
	client := &fakeMessaging{resp: &messaging.BatchResponse{SuccessCount: 2}}
	f := &FCM{client: client, tokens: []string{"a", "b"}}
	ev := hook.Event{Kind: hook.InsufficientBalance, Symbol: "INFY", Quantity: 10}
	require.NoError(t, f.Notify(context.Background(), ev))
	require.Len(t, client.msgs, 1)
	assert.Equal(t, []string{"a", "b"}, client.msgs[0].Tokens)
	assert.Equal(t, "high", client.msgs[0].Android.Priority)
	assert.Equal(t, "INFY", client.msgs[0].Data["symbol"])

	client.resp = &messaging.BatchResponse{SuccessCount: 1, FailureCount: 1}
	assert.Error(t, f.Notify(context.Background(), ev))
}

func TestFCMWithoutTokensIsNoop(t *testing.T) {
	client := &fakeMessaging{}
	f := &FCM{client: client}
	assert.NoError(t, f.Notify(context.Background(), hook.Event{Kind: hook.OrderExecuted}))
	assert.Empty(t, client.msgs)
}
