package producer

import (
	"fmt"

	"github.com/kbukum/streamkit/kafka"
	"github.com/kbukum/streamkit/logger"
)

// Outcome is the completion of one Publish call, handed to observers.
type Outcome struct {
	MessageID string
	Topic     string
	Key       []byte
	Payload   any
	Result    kafka.DeliveryResult
	Err       error
}

// OK reports whether the message was acknowledged.
func (o Outcome) OK() bool { return o.Err == nil }

// Observer receives every Outcome exactly once.
type Observer func(Outcome)

// LogOutcome returns an observer that logs successes at info level and
// failures at error level.
func LogOutcome(log *logger.Logger) Observer {
	return func(o Outcome) {
		if o.OK() {
			log.Info("producer: success", logger.Fields(
				logger.FieldMessage, fmt.Sprint(o.Payload),
				logger.FieldMessageID, o.MessageID,
				logger.FieldTopic, o.Result.Topic,
				logger.FieldPartition, o.Result.Partition,
				logger.FieldOffset, o.Result.Offset,
			))
			return
		}
		log.Error("producer: failure", logger.Fields(
			logger.FieldMessage, fmt.Sprint(o.Payload),
			logger.FieldMessageID, o.MessageID,
			logger.FieldTopic, o.Topic,
			logger.FieldError, o.Err.Error(),
		))
	}
}
