package kafka

import (
	"context"
	"errors"
	"testing"

	kafkago "github.com/segmentio/kafka-go"

	apperrors "github.com/kbukum/streamkit/errors"
)

func TestFromKafka_Nil(t *testing.T) {
	if appErr := FromKafka(nil, "topic"); appErr != nil {
		t.Error("expected nil for nil error")
	}
}

func TestFromKafka_Classification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      apperrors.ErrorCode
		retryable bool
	}{
		{"broker unavailable", kafkago.BrokerNotAvailable, apperrors.ErrCodeServiceUnavailable, true},
		{"connection refused", errors.New("dial tcp: connection refused"), apperrors.ErrCodeServiceUnavailable, true},
		{"deadline", context.DeadlineExceeded, apperrors.ErrCodeTimeout, true},
		{"broker timeout", kafkago.RequestTimedOut, apperrors.ErrCodeTimeout, true},
		{"too large", kafkago.MessageSizeTooLarge, apperrors.ErrCodeSerialization, false},
		{"other", errors.New("some unexpected error"), apperrors.ErrCodeExternalService, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appErr := FromKafka(tt.err, "events")
			if appErr.Code != tt.code {
				t.Errorf("Code = %s, want %s", appErr.Code, tt.code)
			}
			if appErr.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", appErr.Retryable, tt.retryable)
			}
			if appErr.Details["topic"] != "events" {
				t.Errorf("Details[topic] = %v, want events", appErr.Details["topic"])
			}
			if !errors.Is(appErr, tt.err) {
				t.Errorf("cause %v not kept in chain", tt.err)
			}
		})
	}
}

func TestFromKafka_PassesAppErrorThrough(t *testing.T) {
	orig := apperrors.ServiceUnavailable("producer")
	if got := FromKafka(orig, "events"); got != orig {
		t.Errorf("FromKafka() = %v, want the original AppError", got)
	}
}
