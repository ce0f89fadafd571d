package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/kbukum/streamkit/errors"
	"github.com/kbukum/streamkit/kafka/message"
	"github.com/kbukum/streamkit/kafka/producer"
	"github.com/kbukum/streamkit/logger"
	"github.com/kbukum/streamkit/server"
	"github.com/kbukum/streamkit/validation"
)

// produceRequest is the body of POST /kafka/produce/cluster.
type produceRequest struct {
	ID      string `json:"id" validate:"max=256"`
	Message string `json:"message" validate:"max=65536"`
}

type relayHandler struct {
	publisher producer.Publisher
	log       *logger.Logger
}

func registerRoutes(r gin.IRouter, p producer.Publisher, log *logger.Logger) {
	h := &relayHandler{publisher: p, log: log.WithComponent("relay.http")}
	r.POST("/kafka/produce/cluster", h.produceCluster)
}

// produceCluster publishes the body to the default topic and answers before
// the broker acknowledges it. Delivery is reported by the producer observer.
func (h *relayHandler) produceCluster(c *gin.Context) {
	var req produceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		server.RespondWithError(c, apperrors.InvalidInput("body", err.Error()))
		return
	}
	if err := validation.Validate(req); err != nil {
		server.RespondWithError(c, err)
		return
	}

	handle := h.publisher.Publish(c.Request.Context(), "", message.Message{ID: req.ID, Message: req.Message})
	if _, done, err := handle.Poll(); done && err != nil {
		h.log.WithContext(c.Request.Context()).Warn("publish rejected", logger.Fields(
			logger.FieldMessageID, handle.MessageID(),
			logger.FieldError, err.Error(),
		))
		server.RespondWithError(c, err)
		return
	}
	c.String(http.StatusOK, "ok")
}
