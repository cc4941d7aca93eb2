package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"atlas-gateway/internal/backlog"
)

// retryInterval is how long a channel waits before looking at the connection
// again while the broker is unreachable.
const retryInterval = 200 * time.Millisecond

type sender interface {
	IsConnected() bool
	publish(topic string, retained bool, payload []byte) error
}

// Channel is one advertised outgoing topic.
type Channel struct {
	topic   string
	out     sender
	backlog *backlog.Backlog[[]byte]
	logger  *slog.Logger
	onDrop  func()
}

func newChannel(topic string, depth int, out sender, logger *slog.Logger) *Channel {
	return &Channel{
		topic:   topic,
		out:     out,
		backlog: backlog.New[[]byte](depth),
		logger:  logger,
	}
}

func (ch *Channel) Topic() string { return ch.topic }

// Publish queues v as JSON and returns without waiting for the broker. When
// the backlog is full the oldest unsent message is discarded.
func (ch *Channel) Publish(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ch.topic, err)
	}
	if ch.backlog.Push(data) {
		ch.logger.Warn("publish backlog full, dropped oldest message",
			"topic", ch.topic,
			"dropped_total", ch.backlog.Dropped(),
		)
		if ch.onDrop != nil {
			ch.onDrop()
		}
	}
	return nil
}

// Pending is the number of queued messages.
func (ch *Channel) Pending() int { return ch.backlog.Len() }

func (ch *Channel) run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ch.backlog.Ready():
		}
		if !ch.flush(stop) {
			return
		}
	}
}

// flush sends queued messages until the backlog is empty. Messages stay
// queued while disconnected. It reports false when stop was closed.
func (ch *Channel) flush(stop <-chan struct{}) bool {
	for ch.backlog.Len() > 0 {
		if !ch.out.IsConnected() {
			select {
			case <-stop:
				return false
			case <-time.After(retryInterval):
			}
			continue
		}

		data, ok := ch.backlog.Pop()
		if !ok {
			return true
		}
		if err := ch.out.publish(ch.topic, false, data); err != nil {
			// Best effort: a message the broker refused is not retried.
			ch.logger.Warn("publish failed, message discarded", "topic", ch.topic, "error", err)
			continue
		}
		ch.logger.Debug("published", "topic", ch.topic, "size", len(data))
	}
	return true
}

// validateTopic rejects names paho would refuse. Wildcards are allowed for
// subscriptions only.
func validateTopic(topic string, wildcards bool) error {
	if topic == "" {
		return fmt.Errorf("empty mqtt topic")
	}
	if strings.ContainsRune(topic, 0) {
		return fmt.Errorf("invalid mqtt topic %q", topic)
	}
	if !wildcards && strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("invalid mqtt topic %q: wildcards are not allowed when publishing", topic)
	}
	return nil
}
