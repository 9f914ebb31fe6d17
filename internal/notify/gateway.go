package notify

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/example/courier-dispatch/internal/observability"
)

// Message is a push notification. Data values are strings on the wire.
type Message struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Result summarises one send. Invalid lists tokens the provider reported
// as no longer registered.
type Result struct {
	Sent    int
	Failed  int
	Invalid []string
}

// Gateway delivers a message to device tokens.
type Gateway interface {
	Send(ctx context.Context, tokens []string, msg Message) (Result, error)
}

// multicastBatch is the FCM per-request token limit.
const multicastBatch = 500

type multicaster interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// FCMGateway sends through Firebase Cloud Messaging.
type FCMGateway struct {
	client multicaster
}

// NewFCMGateway initialises the Firebase Admin SDK. An empty credentials
// file falls back to application-default credentials.
func NewFCMGateway(ctx context.Context, projectID, credentialsFile string) (*FCMGateway, error) {
	opts := []option.ClientOption{}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase.NewApp: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase app.Messaging: %w", err)
	}
	return &FCMGateway{client: client}, nil
}

func (g *FCMGateway) Send(ctx context.Context, tokens []string, msg Message) (Result, error) {
	var res Result
	for start := 0; start < len(tokens); start += multicastBatch {
		end := min(start+multicastBatch, len(tokens))
		batch := tokens[start:end]
		br, err := g.client.SendEachForMulticast(ctx, &messaging.MulticastMessage{
			Tokens:       batch,
			Notification: &messaging.Notification{Title: msg.Title, Body: msg.Body},
			Data:         msg.Data,
			Android:      &messaging.AndroidConfig{Priority: "high"},
		})
		if err != nil {
			return res, fmt.Errorf("fcm multicast: %w", err)
		}
		res.Sent += br.SuccessCount
		res.Failed += br.FailureCount
		for i, r := range br.Responses {
			if r.Success || i >= len(batch) {
				continue
			}
			if messaging.IsUnregistered(r.Error) {
				res.Invalid = append(res.Invalid, batch[i])
			}
		}
	}
	observability.NotificationsSent.WithLabelValues("sent").Add(float64(res.Sent))
	observability.NotificationsSent.WithLabelValues("failed").Add(float64(res.Failed))
	return res, nil
}

// LogGateway only logs; used when no push provider is configured.
type LogGateway struct {
	Log *zap.Logger
}

func (g LogGateway) Send(_ context.Context, tokens []string, msg Message) (Result, error) {
	if g.Log != nil {
		g.Log.Info("push notification",
			zap.Int("tokens", len(tokens)),
			zap.String("title", msg.Title),
			zap.String("body", msg.Body),
		)
	}
	return Result{Sent: len(tokens)}, nil
}
