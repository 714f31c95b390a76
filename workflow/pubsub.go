package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/ledger_export_backend/config"
	"bitbucket.org/mmdatafocus/ledger_export_backend/models"
	"bitbucket.org/mmdatafocus/ledger_export_backend/utils"
	"cloud.google.com/go/pubsub"
	"github.com/bsm/redislock"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ExportRequestMessage is the Pub/Sub envelope for one async export request.
// Delivery is at-least-once; the DedupStore makes duplicates harmless.
type ExportRequestMessage struct {
	BusinessId    string                    `json:"business_id"`
	CorrelationId string                    `json:"correlation_id"`
	Entry         *models.JournalEntryInput `json:"entry"`
}

type pubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func exportTopicName() string {
	name := strings.TrimSpace(os.Getenv("EXPORT_REQUEST_TOPIC"))
	if name == "" {
		name = "ledger-export-requests"
	}
	return name
}

// PublishExportRequest enqueues a journal entry for asynchronous export.
func PublishExportRequest(ctx context.Context, msg ExportRequestMessage) (string, error) {
	if msg.BusinessId == "" || msg.Entry == nil {
		return "", errors.New("business_id and entry are required")
	}
	return config.PublishJSON(ctx, exportTopicName(), msg)
}

// PubSubPushHandler accepts Pub/Sub push deliveries of export requests.
// It always acks (2xx): transient failures are retried by the pull worker
// path or by a re-publish, and a malformed message would never become valid.
func PubSubPushHandler(coordinator *Coordinator, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !config.EnableExportPushEndpoint() {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope pubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var msg ExportRequestMessage
		if err := json.Unmarshal(envelope.Message.Data, &msg); err != nil {
			c.Status(204)
			return
		}
		if msg.BusinessId == "" || msg.Entry == nil {
			c.Status(204)
			return
		}

		if err := handleExportRequest(c.Request.Context(), coordinator, msg); err != nil && logger != nil {
			logger.WithFields(logrus.Fields{
				"module":      "ExportWorker",
				"business_id": msg.BusinessId,
				"message_id":  envelope.Message.ID,
			}).Warn("push export failed: " + err.Error())
		}
		c.Status(204)
	}
}

// RunExportWorker consumes the export-request subscription until ctx is
// cancelled. Handlers for one business are serialized with a Redis lock so
// interleaved deliveries cannot race inside a tenant; cross-tenant messages
// process concurrently.
func RunExportWorker(ctx context.Context, coordinator *Coordinator, logger *logrus.Logger) error {
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	topic, err := config.CreateTopicIfNotExists(client, exportTopicName())
	if err != nil {
		return err
	}

	subName := strings.TrimSpace(os.Getenv("EXPORT_REQUEST_SUBSCRIPTION"))
	if subName == "" {
		subName = exportTopicName() + "-worker"
	}
	sub, err := config.CreateSubscriptionIfNotExists(client, subName, topic)
	if err != nil {
		return err
	}

	return sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		var msg ExportRequestMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil || msg.BusinessId == "" || msg.Entry == nil {
			// Malformed payloads can never succeed; drop them.
			m.Ack()
			return
		}

		if err := handleExportRequestLocked(ctx, coordinator, msg); err != nil {
			if utils.IsTransient(err) {
				if logger != nil {
					logger.WithFields(logrus.Fields{
						"module":      "ExportWorker",
						"business_id": msg.BusinessId,
						"logical_id":  msg.Entry.LogicalId,
					}).Warn("transient export failure, message redelivered: " + err.Error())
				}
				m.Nack()
				return
			}
			// Permanent failures are recorded on the export record; redelivery
			// would only replay the stored error.
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"module":      "ExportWorker",
					"business_id": msg.BusinessId,
					"logical_id":  msg.Entry.LogicalId,
				}).Error("permanent export failure: " + err.Error())
			}
		}
		m.Ack()
	})
}

// handleExportRequestLocked serializes per business via redislock before
// delegating. A busy lock is a transient condition handled by redelivery.
func handleExportRequestLocked(ctx context.Context, coordinator *Coordinator, msg ExportRequestMessage) error {
	locker := config.GetRedisLock()
	if locker != nil {
		lock, err := locker.Obtain(ctx, "export_worker:"+msg.BusinessId, 2*time.Minute, &redislock.Options{
			RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(250*time.Millisecond), 8),
		})
		if err != nil {
			if errors.Is(err, redislock.ErrNotObtained) {
				return utils.NewTransientError(utils.ErrCodeRetryLater, "business export lock is busy")
			}
			return err
		}
		defer lock.Release(context.Background())
	}

	return handleExportRequest(ctx, coordinator, msg)
}

func handleExportRequest(ctx context.Context, coordinator *Coordinator, msg ExportRequestMessage) error {
	ctx = utils.SetBusinessIdInContext(ctx, msg.BusinessId)
	if msg.CorrelationId != "" {
		ctx = utils.SetCorrelationIdInContext(ctx, msg.CorrelationId)
	}
	_, err := coordinator.PostJournalEntry(ctx, msg.Entry)
	return err
}
