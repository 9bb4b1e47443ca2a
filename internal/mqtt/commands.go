package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/magicstartrace/micloud-bridge/internal/micloud"
)

// commandMessage is the JSON payload accepted on the command topic.
type commandMessage struct {
	Command      string `json:"command"`
	IMEI         string `json:"imei"`
	Content      string `json:"content"`
	Phone        string `json:"phone"`
	OnlineNotify bool   `json:"online_notify"`
	Text         string `json:"text"`
}

// handleMessage parses a command topic payload and hands it to the
// registered handler. Malformed or rate-limited messages are dropped
// with a log line; a broker flood must not turn into a cloud flood.
func (p *Publisher) handleMessage(topic string, payload []byte) {
	if !p.limiter.allow() {
		return
	}

	var msg commandMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		p.logger.Warn("mqtt command payload not valid JSON",
			"topic", topic, "payload_size", len(payload), "error", err)
		return
	}

	cmd := micloud.Command{
		Kind:         micloud.CommandKind(msg.Command),
		IMEI:         msg.IMEI,
		Content:      msg.Content,
		Phone:        msg.Phone,
		OnlineNotify: msg.OnlineNotify,
		Text:         msg.Text,
	}

	if p.handler == nil {
		p.logger.Debug("mqtt command received but no handler registered", "command", msg.Command)
		return
	}
	if err := p.handler(cmd); err != nil {
		p.logger.Warn("mqtt command rejected", "command", msg.Command, "imei", msg.IMEI, "error", err)
		return
	}

	p.activity.RecordCommand()
	p.logger.Info("mqtt command accepted", "command", msg.Command, "imei", msg.IMEI)
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count   atomic.Int64
	dropped atomic.Int64
	limit   int64
	window  time.Duration
	logger  *slog.Logger
}

// newMessageRateLimiter creates a rate limiter that allows limit
// messages per window. Exceeding the limit causes messages to be
// dropped until the next window reset.
func newMessageRateLimiter(limit int64, window time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:  limit,
		window: window,
		logger: logger,
	}
}

// start runs the periodic counter reset loop. It blocks until ctx is
// cancelled. At each window boundary it resets the message counter and
// logs a warning if any messages were dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt commands dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"window", r.window.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow increments the message counter and returns true if the
// current count is within the limit.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
