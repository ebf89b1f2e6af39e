package notification

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// PushClient is the subset of the FCM client used by PushSink.
type PushClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// NewFCMClient initialises a Firebase app from a service account file and
// returns its messaging client.
func NewFCMClient(ctx context.Context, credentialsFile string) (*messaging.Client, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("initializing firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting messaging client: %w", err)
	}
	return client, nil
}

// PushSink publishes events to FCM topics derived from the destination, so
// that devices at a station or belonging to a doctor can subscribe to them.
type PushSink struct {
	client PushClient
}

func NewPushSink(client PushClient) *PushSink {
	return &PushSink{client: client}
}

// Topic maps a destination to an FCM topic name: "doctor:d1" -> "doctor-d1".
// FCM topics only allow [a-zA-Z0-9-_.~%].
func Topic(destination string) string {
	var b strings.Builder
	for _, r := range destination {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.', r == '~', r == '%':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

func (s *PushSink) Deliver(ctx context.Context, ev Event) error {
	if ev.Destination == "" {
		return nil
	}

	androidPriority := "normal"
	if ev.Priority == "emergency" || ev.Destination == DestinationEmergency {
		androidPriority = "high"
	}

	msg := &messaging.Message{
		Topic: Topic(ev.Destination),
		Notification: &messaging.Notification{
			Title: fmt.Sprintf("Token #%d", ev.TokenNumber),
			Body:  ev.Message,
		},
		Data: map[string]string{
			"event_id":     ev.ID,
			"type":         string(ev.Type),
			"queue_id":     ev.QueueID,
			"token_number": strconv.Itoa(ev.TokenNumber),
			"destination":  ev.Destination,
		},
		Android: &messaging.AndroidConfig{
			Priority: androidPriority,
		},
	}

	if _, err := s.client.Send(ctx, msg); err != nil {
		return fmt.Errorf("fcm send: %w", err)
	}
	return nil
}
