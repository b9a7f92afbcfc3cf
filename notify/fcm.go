package notify

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"swingtrader/hook"
	"swingtrader/logger"
)

type multicaster interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// FCM pushes events to registered device tokens.
type FCM struct {
	client multicaster
	tokens []string
}

// NewFCM initializes a Firebase app from a service account file.
func NewFCM(ctx context.Context, credentialsPath string, tokens []string) (*FCM, error) {
	if credentialsPath == "" {
		return nil, errors.New("firebase credentials path is required")
	}
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsPath))
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting messaging client: %w", err)
	}
	logger.Infof("✅ Firebase Cloud Messaging initialized (%d devices)", len(tokens))
	return &FCM{client: client, tokens: tokens}, nil
}

func (f *FCM) Name() string { return "fcm" }

func (f *FCM) Notify(ctx context.Context, ev hook.Event) error {
	if len(f.tokens) == 0 {
		return nil
	}
	priority := "normal"
	if ev.Kind != hook.OrderExecuted {
		priority = "high"
	}
	resp, err := f.client.SendEachForMulticast(ctx, &messaging.MulticastMessage{
		Tokens: f.tokens,
		Notification: &messaging.Notification{
			Title: Title(ev),
			Body:  ev.String(),
		},
		Data: Data(ev),
		Android: &messaging.AndroidConfig{
			Priority: priority,
			Notification: &messaging.AndroidNotification{
				ChannelID: "order_events",
			},
		},
	})
	if err != nil {
		return fmt.Errorf("error sending multicast: %w", err)
	}
	if resp.FailureCount > 0 {
		return fmt.Errorf("fcm delivered %d of %d", resp.SuccessCount, len(f.tokens))
	}
	return nil
}
