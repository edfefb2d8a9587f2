package mq

import (
	"encoding/json"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relayq/relayq/internal/model"
)

// Message header names. The correlation id travels twice, as the AMQP
// property and as a header, because not every producer stack sets the
// property.
const (
	HeaderCorrelationID = "CorrelationId"
	HeaderRetryCount    = "x-retry-count"
)

// CorrelationIDFromDelivery extracts the correlation id from a delivery,
// preferring the AMQP property and falling back to the header. Header values
// may arrive as strings or as raw UTF-8 bytes depending on the producer.
func CorrelationIDFromDelivery(d *amqp.Delivery) string {
	if d.CorrelationId != "" {
		return d.CorrelationId
	}

	switch v := d.Headers[HeaderCorrelationID].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}

	return ""
}

// RetryCountFromDelivery reads the retry counter header. A missing,
// malformed, or negative value counts as zero so a bad header can never stall
// the pipeline.
func RetryCountFromDelivery(d *amqp.Delivery) int {
	count := 0

	switch v := d.Headers[HeaderRetryCount].(type) {
	case int:
		count = v
	case int8:
		count = int(v)
	case int16:
		count = int(v)
	case int32:
		count = int(v)
	case int64:
		count = int(v)
	case float32:
		count = int(v)
	case float64:
		count = int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			count = n
		}
	case []byte:
		if n, err := strconv.Atoi(string(v)); err == nil {
			count = n
		}
	}

	if count < 0 {
		count = 0
	}

	return count
}

// NewJobPublishing builds the persistent publishing for a fresh job message.
func NewJobPublishing(job *model.JobMessage, correlationID string) (amqp.Publishing, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return amqp.Publishing{}, err
	}

	return newPublishing(body, correlationID, 0), nil
}

// NewRetryPublishing rebuilds a publishing from the original delivery body
// with an incremented retry counter, for requeueing onto the worker's own
// queue.
func NewRetryPublishing(body []byte, correlationID string, retryCount int) amqp.Publishing {
	return newPublishing(body, correlationID, retryCount)
}

// NewDeadLetterPublishing wraps a dead-letter envelope for the DLX.
func NewDeadLetterPublishing(msg *model.DeadLetterMessage, correlationID string) (amqp.Publishing, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, err
	}

	return newPublishing(body, correlationID, 0), nil
}

func newPublishing(body []byte, correlationID string, retryCount int) amqp.Publishing {
	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		CorrelationId: correlationID,
		Headers: amqp.Table{
			HeaderCorrelationID: correlationID,
			HeaderRetryCount:    int32(retryCount),
		},
		Body: body,
	}
}
