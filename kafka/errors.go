package kafka

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	kafkago "github.com/segmentio/kafka-go"
)

// IsConnectionError checks if a Kafka error is a connection-level error:
// the broker (or the partition leader) cannot be reached right now.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var kerr kafkago.Error
	if errors.As(err, &kerr) {
		switch kerr {
		case kafkago.BrokerNotAvailable, kafkago.LeaderNotAvailable,
			kafkago.NotLeaderForPartition, kafkago.NetworkException,
			kafkago.ReplicaNotAvailable:
			return true
		}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	connectionPatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"no route to host",
		"network is unreachable",
		"broker not available",
		"leader not available",
		"connection closed",
		"dial tcp",
		"network exception",
	}
	for _, p := range connectionPatterns {
		if strings.Contains(errStr, p) {
			return true
		}
	}
	return false
}

// IsTimeoutError checks if a write or fetch ran out of time, either locally
// (context deadline, socket timeout) or on the broker (request timed out).
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var kerr kafkago.Error
	if errors.As(err, &kerr) && kerr.Timeout() {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "request timed out") || strings.Contains(errStr, "i/o timeout")
}

// IsMessageError checks if the broker rejected the message itself
// (too large, corrupt), so resending the same bytes cannot succeed.
func IsMessageError(err error) bool {
	if err == nil {
		return false
	}
	var kerr kafkago.Error
	if errors.As(err, &kerr) {
		switch kerr {
		case kafkago.MessageSizeTooLarge, kafkago.InvalidMessage,
			kafkago.InvalidMessageSize, kafkago.InvalidRecord:
			return true
		}
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "message too large") ||
		strings.Contains(errStr, "message size too large") ||
		strings.Contains(errStr, "invalid message")
}

// IsRetryableError determines if a Kafka error is transient.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if IsConnectionError(err) || IsTimeoutError(err) {
		return true
	}
	var kerr kafkago.Error
	if errors.As(err, &kerr) && kerr.Temporary() {
		return true
	}
	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"temporary",
		"not enough replicas",
		"offset out of range",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(errStr, p) {
			return true
		}
	}
	return false
}

// IsNonRetryableError checks if the error should not be retried.
func IsNonRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if IsMessageError(err) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	nonRetryablePatterns := []string{
		"invalid topic",
		"invalid partition",
		"unknown topic",
		"authorization failed",
	}
	for _, p := range nonRetryablePatterns {
		if strings.Contains(errStr, p) {
			return true
		}
	}
	return false
}
