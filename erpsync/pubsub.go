package erpsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/erpsync_backend/config"
)

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// Publisher hands a queued run to whatever executes it.
type Publisher func(ctx context.Context, payload SyncPubSubPayload) error

// PubSubPublisher publishes runs to topicName. ERPSYNC_CREATE_TOPIC=true
// creates the topic on first use.
func PubSubPublisher(topicName string) Publisher {
	return func(ctx context.Context, payload SyncPubSubPayload) error {
		return PublishSyncRun(ctx, topicName, payload)
	}
}

func PublishSyncRun(ctx context.Context, topicName string, payload SyncPubSubPayload) error {
	topicName = strings.TrimSpace(topicName)
	if topicName == "" {
		topicName = strings.TrimSpace(os.Getenv("ERPSYNC_TOPIC"))
	}
	if topicName == "" {
		return errors.New("sync topic is not configured")
	}

	client, err := config.GetPubSubClient(ctx)
	if err != nil {
		return err
	}
	topic := client.Topic(topicName)
	if envBoolDefault("ERPSYNC_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(ctx, client, topicName)
		if err != nil {
			return err
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	res := topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"tenant_id": payload.TenantId},
	})
	_, err = res.Get(ctx)
	return err
}

// PubSubPushHandler executes runs delivered by a push subscription. It always
// answers 204 so malformed or finished messages are not redelivered, except
// when the tenant is busy, where 429 asks Pub/Sub to retry later.
func PubSubPushHandler(p *Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !envBoolDefault("ERPSYNC_PUBSUB_PUSH_ENABLED", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}
		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}
		var payload SyncPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}
		if payload.RunId == 0 || payload.TenantId == "" {
			c.Status(204)
			return
		}

		if err := p.ProcessSyncRun(c.Request.Context(), payload); err != nil {
			if errors.Is(err, ErrTenantBusy) {
				c.Status(429)
				return
			}
			p.log(c.Request.Context(), "PubSubPushHandler").WithField("run_id", payload.RunId).WithError(err).Error("sync run failed")
		}
		c.Status(204)
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
