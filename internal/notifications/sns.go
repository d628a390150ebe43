package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type NotificationType string

const (
	NotificationUpstreamAuthFailure NotificationType = "upstream_auth_failure"
	NotificationUpstreamInitFailure NotificationType = "upstream_init_failure"
	NotificationUsageLimit          NotificationType = "upstream_usage_limit"
)

type Notification struct {
	Type    NotificationType `json:"type"`
	Caller  string           `json:"caller,omitempty"`
	Message string           `json:"message"`
	Data    map[string]any   `json:"data,omitempty"`
}

// UpstreamAuthFailure reports that the upstream rejected the configured
// cookies. caller must already be masked.
func UpstreamAuthFailure(caller string, err error) Notification {
	return Notification{
		Type:    NotificationUpstreamAuthFailure,
		Caller:  caller,
		Message: "upstream rejected the session cookies; refresh GEMINI_SECURE_1PSID and GEMINI_SECURE_1PSIDTS",
		Data:    map[string]any{"error": err.Error()},
	}
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

type SNSNotifier struct {
	client   *sns.Client
	topicArn string
}

func NewSNSNotifier(ctx context.Context, region, topicArn string) (*SNSNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}, nil
}

func NewSNSNotifierWithConfig(cfg aws.Config, topicArn string) *SNSNotifier {
	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}
}

func (n *SNSNotifier) Send(ctx context.Context, notification Notification) error {
	message, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"Type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(notification.Type)),
			},
		},
	}

	if notification.Caller != "" {
		input.MessageAttributes["Caller"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(notification.Caller),
		}
	}

	_, err = n.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	slog.Info("notification sent",
		"type", notification.Type,
		"caller", notification.Caller,
	)

	return nil
}

// LogNotifier writes notifications to the log when no topic is configured.
type LogNotifier struct{}

func (LogNotifier) Send(ctx context.Context, notification Notification) error {
	slog.WarnContext(ctx, "notification",
		"type", notification.Type,
		"caller", notification.Caller,
		"message", notification.Message,
	)
	return nil
}

type InMemoryNotifier struct {
	mu            sync.Mutex
	notifications []Notification
	handlers      []func(Notification)
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{
		notifications: make([]Notification, 0),
		handlers:      make([]func(Notification), 0),
	}
}

func (n *InMemoryNotifier) Send(ctx context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.notifications = append(n.notifications, notification)

	for _, handler := range n.handlers {
		handler(notification)
	}

	slog.Info("notification sent (in-memory)",
		"type", notification.Type,
		"caller", notification.Caller,
	)

	return nil
}

func (n *InMemoryNotifier) OnNotification(handler func(Notification)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = append(n.handlers, handler)
}

func (n *InMemoryNotifier) GetNotifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	result := make([]Notification, len(n.notifications))
	copy(result, n.notifications)
	return result
}

func (n *InMemoryNotifier) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = make([]Notification, 0)
}
