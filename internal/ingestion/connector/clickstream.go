package connector

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/eduflowhq/cdp-backend/internal/domain/event"
	"github.com/eduflowhq/cdp-backend/internal/infrastructure/events"
	"github.com/eduflowhq/cdp-backend/internal/ingestion/normalizer"
)

// Clickstream consumes raw website events from cdp.raw.clickstream,
// validates and normalizes them, and republishes canonical events to
// cdp.processed.interactions keyed by session.
type Clickstream struct {
	logger     *zap.Logger
	consumer   Consumer
	publisher  Publisher
	normalizer *normalizer.Normalizer
}

// NewClickstream builds the clickstream connector.
func NewClickstream(logger *zap.Logger, consumer Consumer, publisher Publisher, norm *normalizer.Normalizer) *Clickstream {
	return &Clickstream{
		logger:     logger,
		consumer:   consumer,
		publisher:  publisher,
		normalizer: norm,
	}
}

// Name implements Connector.
func (c *Clickstream) Name() string { return "clickstream" }

// Run implements Connector.
func (c *Clickstream) Run(ctx context.Context) error {
	c.logger.Info("clickstream connector started",
		zap.String("topic", events.TopicRawClickstream))
	return consumeLoop(ctx, c.logger, c.consumer, c.Name(), c.handle)
}

// handle validates one raw clickstream row. Invalid rows are logged
// with their offset and skipped; they never stop the loop.
func (c *Clickstream) handle(ctx context.Context, msg kafka.Message) {
	var raw map[string]interface{}
	if err := json.Unmarshal(msg.Value, &raw); err != nil {
		c.logger.Warn("invalid clickstream event",
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return
	}

	sessionID := asString(raw["session_id"])
	pageURL := asString(raw["page_url"])
	if sessionID == "" || pageURL == "" {
		c.logger.Warn("clickstream event missing required fields",
			zap.Int64("offset", msg.Offset),
			zap.Bool("has_session_id", sessionID != ""),
			zap.Bool("has_page_url", pageURL != ""))
		return
	}

	eventType := asString(raw["event_type"])
	if eventType == "" {
		eventType = "page_view"
	}

	ev := c.normalizer.NormalizeJSON(raw, event.SourceWebsite)
	ev.EventType = eventType
	ev.StudentID = asString(raw["user_id"])
	ev.NormalizedData["session_id"] = sessionID
	ev.NormalizedData["page_url"] = pageURL
	ev.NormalizedData["event_type"] = eventType
	ev.NormalizedData["utm_params"] = stringMap(raw["utm_params"])
	ev.NormalizedData["referrer"] = asString(raw["referrer"])

	if err := c.publisher.Publish(ctx, events.TopicProcessedInteractions, sessionID, ev); err != nil {
		c.logger.Error("clickstream publish failed",
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
	}
}
