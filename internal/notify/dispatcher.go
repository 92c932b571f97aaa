// Package notify renders templates and hands the result to an outbound transport.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/backoffice-engine/internal/observability"
	"github.com/spec-kit/backoffice-engine/internal/render"
)

// Message is a rendered notification ready for transport.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text,omitempty"`
}

// Sender delivers a message. A nil error means the transport accepted it.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Outcome is the result of a dispatch attempt.
type Outcome string

const (
	Delivered Outcome = "delivered"
	Failed    Outcome = "failed"
)

// Result carries the dispatch outcome and, for failures, the cause.
type Result struct {
	Outcome Outcome
	Err     error
}

// Delivered reports whether the transport accepted the message.
func (r Result) Delivered() bool {
	return r.Outcome == Delivered
}

var errNoRecipient = errors.New("recipient address is empty")

// Dispatcher renders subject and body and sends them with a bounded timeout.
type Dispatcher struct {
	sender  Sender
	timeout time.Duration
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewDispatcher builds a dispatcher. A non-positive timeout disables the per-send deadline.
func NewDispatcher(sender Sender, timeout time.Duration, logger *zap.Logger, metrics *observability.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{sender: sender, timeout: timeout, logger: logger, metrics: metrics}
}

// Dispatch renders both templates with data and sends the result to the given address.
// Delivery problems, including a panicking or hung sender, are reported through Result.
func (d *Dispatcher) Dispatch(ctx context.Context, to, subject, body string, data map[string]string) (res Result) {
	msg := Message{
		To:      to,
		Subject: render.Render(subject, data),
		HTML:    render.Render(body, data),
	}

	if missing := append(render.Unresolved(msg.Subject), render.Unresolved(msg.HTML)...); len(missing) > 0 {
		d.logger.Warn("unresolved template placeholders",
			zap.String("to", to),
			zap.Strings("placeholders", missing))
	}

	defer func() {
		d.metrics.RecordDispatch(string(res.Outcome))
		if res.Err != nil {
			d.logger.Warn("notification not delivered", zap.String("to", to), zap.Error(res.Err))
		}
	}()

	if to == "" {
		return Result{Outcome: Failed, Err: errNoRecipient}
	}

	sendCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("sender panic: %v", r)
			}
		}()
		errCh <- d.sender.Send(sendCtx, msg)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return Result{Outcome: Failed, Err: err}
		}
		return Result{Outcome: Delivered}
	case <-sendCtx.Done():
		return Result{Outcome: Failed, Err: fmt.Errorf("send to %s: %w", to, sendCtx.Err())}
	}
}
