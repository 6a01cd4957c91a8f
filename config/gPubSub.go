package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// NotificationMessage is the payload fanned out to user-facing notification consumers
// (email, push). The settlement core never waits on it.
type NotificationMessage struct {
	ID            int       `json:"id"`
	Kind          string    `json:"kind"`
	UserId        string    `json:"user_id"`
	ClaimId       int       `json:"claim_id,omitempty"`
	VenueId       int       `json:"venue_id,omitempty"`
	BatchId       string    `json:"batch_id,omitempty"`
	Payload       []byte    `json:"payload,omitempty"`
	CorrelationId string    `json:"correlation_id"`
	CreatedAt     time.Time `json:"created_at"`
}

const pubsubConnectAttempts = 3

var (
	pubsubMu     sync.Mutex
	pubsubClient *pubsub.Client
	// Topic handles batch publishes internally, so one per topic is kept for the process.
	pubsubTopics = map[string]*pubsub.Topic{}
)

func pubsubProjectID() string {
	for _, key := range []string{"PUBSUB_PROJECT_ID", "GOOGLE_CLOUD_PROJECT", "GCP_PROJECT"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// GetClient returns the shared Pub/Sub client. Credentials come from PUBSUB_CREDENTIALS_JSON,
// falling back to Application Default Credentials.
func GetClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubMu.Lock()
	defer pubsubMu.Unlock()
	if pubsubClient != nil {
		return pubsubClient, nil
	}

	projectID := pubsubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}
	var opts []option.ClientOption
	if credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON"); credJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
	}

	var lastErr error
	for attempt := 1; attempt <= pubsubConnectAttempts; attempt++ {
		c, err := pubsub.NewClient(ctx, projectID, opts...)
		if err == nil {
			pubsubClient = c
			return c, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		GetLogger().WithFields(logrus.Fields{
			"field":      "pubsub",
			"project_id": projectID,
			"attempt":    attempt,
		}).Warn("failed to init pubsub client: " + err.Error())
		time.Sleep(backoffFor(attempt))
	}
	return nil, fmt.Errorf("pubsub client: %w", lastErr)
}

func topicFor(client *pubsub.Client, name string) *pubsub.Topic {
	pubsubMu.Lock()
	defer pubsubMu.Unlock()
	t, ok := pubsubTopics[name]
	if !ok {
		t = client.Topic(name)
		pubsubTopics[name] = t
	}
	return t
}

func CreateTopicIfNotExists(ctx context.Context, c *pubsub.Client, topic string) (*pubsub.Topic, error) {
	if c == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	t := topicFor(c, topic)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}
	if _, err := c.CreateTopic(ctx, topic); err != nil {
		return nil, fmt.Errorf("create topic %q: %w", topic, err)
	}
	return t, nil
}

// PublishNotificationWithResult publishes to NOTIFY_TOPIC and returns the server-assigned message ID.
func PublishNotificationWithResult(ctx context.Context, msg NotificationMessage) (string, error) {
	topicName := os.Getenv("NOTIFY_TOPIC")
	if topicName == "" {
		return "", errors.New("NOTIFY_TOPIC is required")
	}
	attrs := map[string]string{"kind": msg.Kind}
	if msg.CorrelationId != "" {
		attrs["correlation_id"] = msg.CorrelationId
	}
	return PublishJSON(ctx, topicName, msg, attrs)
}

// PublishJSON waits for the server ack.
func PublishJSON(ctx context.Context, topicName string, obj interface{}, attrs map[string]string) (string, error) {
	if topicName == "" {
		return "", errors.New("topicName is required")
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	client, err := GetClient(ctx)
	if err != nil {
		return "", err
	}
	return topicFor(client, topicName).Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	}).Get(ctx)
}

// StopPubSub flushes pending publishes; called on shutdown.
func StopPubSub() {
	pubsubMu.Lock()
	defer pubsubMu.Unlock()
	for name, t := range pubsubTopics {
		t.Stop()
		delete(pubsubTopics, name)
	}
	if pubsubClient != nil {
		_ = pubsubClient.Close()
		pubsubClient = nil
	}
}
