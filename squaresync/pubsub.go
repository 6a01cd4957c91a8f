package squaresync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/kickback_backend/config"
	"github.com/sirupsen/logrus"
)

func syncTopic() string {
	if v := strings.TrimSpace(os.Getenv("SQUARE_SYNC_TOPIC")); v != "" {
		return v
	}
	return "square-sync"
}

// PublishSyncRun hands a queued run to the push subscription.
func PublishSyncRun(ctx context.Context, runId uint, venueId int) error {
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	topic := client.Topic(syncTopic())
	if envBoolDefault("SQUARE_SYNC_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(ctx, client, syncTopic())
		if err != nil {
			return err
		}
	}

	data, _ := json.Marshal(SyncPubSubPayload{RunId: runId, VenueId: venueId})
	res := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = res.Get(ctx)
	return err
}

func decodePushPayload(body []byte) (SyncPubSubPayload, bool) {
	var envelope PubSubPushEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return SyncPubSubPayload{}, false
	}
	var payload SyncPubSubPayload
	if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
		return SyncPubSubPayload{}, false
	}
	if payload.RunId == 0 || payload.VenueId <= 0 {
		return SyncPubSubPayload{}, false
	}
	return payload, true
}

// PubSubPushHandler runs the published sync. Malformed messages are acked; a venue that is
// already syncing is nacked so Pub/Sub redelivers later.
func (w *Worker) PubSubPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !envBoolDefault("ENABLE_SQUARE_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(http.StatusNoContent)
			return
		}
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		payload, ok := decodePushPayload(body)
		if !ok {
			c.Status(http.StatusNoContent)
			return
		}

		_, err = w.Process(c.Request.Context(), payload.RunId)
		if errors.Is(err, ErrSyncInProgress) {
			c.Status(http.StatusConflict)
			return
		}
		if err != nil {
			config.GetLogger().WithFields(logrus.Fields{
				"field":    "squareSyncPush",
				"run_id":   payload.RunId,
				"venue_id": payload.VenueId,
			}).Error(err)
		}
		c.Status(http.StatusNoContent)
	}
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
