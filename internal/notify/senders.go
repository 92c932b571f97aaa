package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// LogSender accepts every message and only logs it. Used when no transport is configured.
type LogSender struct {
	from   string
	logger *zap.Logger
}

// NewLogSender returns a sender that logs instead of delivering.
func NewLogSender(from string, logger *zap.Logger) *LogSender {
	return &LogSender{from: from, logger: logger}
}

// Send implements Sender.
func (s *LogSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.logger.Info("email accepted by log transport",
		zap.String("from", s.from),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject))
	return nil
}

// WebhookSender posts messages as JSON to a mail relay endpoint.
type WebhookSender struct {
	url  string
	from string
}

// NewWebhookSender returns a sender posting to url.
func NewWebhookSender(url, from string) *WebhookSender {
	return &WebhookSender{url: url, from: from}
}

type webhookPayload struct {
	From string `json:"from"`
	Message
}

// Send implements Sender. Any non-2xx response counts as a failed delivery.
func (s *WebhookSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	agent := fiber.Post(s.url)
	agent.JSON(webhookPayload{From: s.from, Message: msg})
	if deadline, ok := ctx.Deadline(); ok {
		agent.Timeout(time.Until(deadline))
	}
	if err := agent.Parse(); err != nil {
		return fmt.Errorf("prepare webhook request: %w", err)
	}

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("post webhook: %w", errs[0])
	}
	if code < fiber.StatusOK || code >= fiber.StatusMultipleChoices {
		return fmt.Errorf("webhook responded %d: %s", code, strings.TrimSpace(string(body)))
	}
	return nil
}

// NewSender picks the webhook transport when a URL is configured, otherwise the log transport.
func NewSender(webhookURL, from string, logger *zap.Logger) Sender {
	if strings.TrimSpace(webhookURL) == "" {
		return NewLogSender(from, logger)
	}
	return NewWebhookSender(webhookURL, from)
}
