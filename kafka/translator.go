package kafka

import (
	apperrors "github.com/kbukum/streamkit/errors"
)

// FromKafka classifies a Kafka write or fetch error as an AppError:
//
//   - TIMEOUT: the deadline passed locally or on the broker
//   - SERVICE_UNAVAILABLE: broker or partition leader unreachable
//   - SERIALIZATION_ERROR: the broker rejected the message bytes
//   - EXTERNAL_SERVICE_ERROR: anything else, with the cause kept
//
// AppErrors pass through unchanged.
func FromKafka(err error, topic string) *apperrors.AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := apperrors.AsAppError(err); ok {
		return appErr
	}

	switch {
	case IsTimeoutError(err):
		return apperrors.Timeout("kafka write").WithCause(err).WithDetail("topic", topic)
	case IsConnectionError(err):
		return apperrors.ServiceUnavailable("message broker").WithCause(err).WithDetail("topic", topic)
	case IsMessageError(err):
		return apperrors.Serialization("kafka message", err).WithDetail("topic", topic)
	default:
		return apperrors.ExternalServiceError("kafka", err).WithDetail("topic", topic)
	}
}
