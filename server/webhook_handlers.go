package main

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/devsync/pkg/ai"
	"github.com/haasonsaas/devsync/pkg/relay"
	"github.com/haasonsaas/devsync/pkg/webhook"
	"github.com/rs/zerolog"
)

const (
	maxWebhookBody = 5 << 20

	messageDuplicate      = "duplicate delivery ignored"
	messageInternalError  = "Internal server error"
	messageInvalidSig     = "Invalid signature"
	messageInvalidPayload = "Invalid JSON payload"
)

func (s *Server) handleWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	logger := requestLogger(c, s.logger)

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, http.StatusRequestEntityTooLarge, "payload too large", s.logger)
			return
		}
		respondError(c, http.StatusBadRequest, "could not read body", s.logger)
		return
	}

	if err := s.signer.Verify(body, c.GetHeader(webhook.SignatureHeader)); err != nil {
		logger.Warn().Err(err).Msg("Webhook signature rejected")
		respondError(c, http.StatusUnauthorized, messageInvalidSig, s.logger)
		return
	}

	eventName := c.GetHeader(webhook.EventHeader)
	event, err := webhook.Parse(eventName, body)
	if err != nil {
		logger.Warn().Err(err).Str("event", eventName).Msg("Webhook payload rejected")
		respondError(c, http.StatusBadRequest, messageInvalidPayload, s.logger)
		return
	}

	deliveryID := c.GetHeader(webhook.DeliveryHeader)
	if deliveryID == "" {
		deliveryID = "local-" + requestID(c)
	}
	logger = logger.With().Str("delivery", deliveryID).Str("event", eventName).Logger()

	record := &WebhookDelivery{
		DeliveryID: deliveryID,
		Event:      eventName,
		Action:     event.Action,
		Repository: event.Repository,
	}
	if err := s.deliveries.Begin(ctx, record); err != nil {
		if errors.Is(err, ErrDuplicateDelivery) {
			logger.Info().Msg("Duplicate delivery ignored")
			c.JSON(http.StatusOK, gin.H{"message": messageDuplicate})
			return
		}
		logger.Error().Err(err).Msg("Failed to record delivery")
		respondError(c, http.StatusInternalServerError, messageInternalError, s.logger)
		return
	}

	outcome, err := s.relay.Handle(ctx, event)

	var rlErr *ai.RateLimitError
	switch {
	case errors.As(err, &rlErr):
		s.finishDelivery(c, logger, deliveryID, deliveryRateLimited, outcome, err)
		if rlErr.HasReset {
			c.Header("Retry-After", retryAfter(rlErr.ResetIn))
		}
		respondErrorWith(c, http.StatusTooManyRequests, ai.ErrRateLimited.Error(), gin.H{
			"reset_in":        formatResetIn(rlErr.ResetIn, rlErr.HasReset),
			"remaining_calls": rlErr.Remaining,
		}, s.logger)
	case err != nil:
		logger.Error().Err(err).Str("issue", outcome.IssueKey).Msg("Webhook processing failed")
		s.finishDelivery(c, logger, deliveryID, deliveryFailed, outcome, err)
		respondError(c, http.StatusInternalServerError, messageInternalError, s.logger)
	default:
		status := deliveryProcessed
		if outcome.Skipped {
			status = deliverySkipped
		}
		s.finishDelivery(c, logger, deliveryID, status, outcome, nil)
		logger.Info().Str("issue", outcome.IssueKey).Str("transition", outcome.Transition).Bool("commented", outcome.Commented).Msg(outcome.Message)
		c.JSON(http.StatusOK, gin.H{"message": outcome.Message})
	}
}

func (s *Server) finishDelivery(c *gin.Context, logger zerolog.Logger, deliveryID, status string, outcome relay.Outcome, cause error) {
	if err := s.deliveries.Finish(c.Request.Context(), deliveryID, status, outcome.IssueKey, outcome.Message, cause); err != nil {
		logger.Error().Err(err).Msg("Failed to update delivery")
	}
}
