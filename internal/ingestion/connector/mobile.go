package connector

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/eduflowhq/cdp-backend/internal/domain/event"
	"github.com/eduflowhq/cdp-backend/internal/infrastructure/events"
	"github.com/eduflowhq/cdp-backend/internal/ingestion/normalizer"
)

// mobileEventTypes is the closed set of app telemetry events the
// pipeline understands. Everything else is skipped quietly: app teams
// ship new event types faster than the pipeline adopts them.
var mobileEventTypes = map[string]bool{
	"app_opened":            true,
	"lesson_completed":      true,
	"quiz_taken":            true,
	"push_clicked":          true,
	"course_downloaded":     true,
	"study_session_started": true,
	"study_session_ended":   true,
	"notification_received": true,
}

// Mobile consumes raw app telemetry from cdp.raw.mobile_app and
// republishes canonical events prefixed "mobile." keyed by device. The
// device and advertising identifiers are both emitted as DEVICE_ID so
// the resolver can link installs across reinstalls.
type Mobile struct {
	logger     *zap.Logger
	consumer   Consumer
	publisher  Publisher
	normalizer *normalizer.Normalizer
}

// NewMobile builds the mobile-app connector.
func NewMobile(logger *zap.Logger, consumer Consumer, publisher Publisher, norm *normalizer.Normalizer) *Mobile {
	return &Mobile{
		logger:     logger,
		consumer:   consumer,
		publisher:  publisher,
		normalizer: norm,
	}
}

// Name implements Connector.
func (m *Mobile) Name() string { return "mobile_app" }

// Run implements Connector.
func (m *Mobile) Run(ctx context.Context) error {
	m.logger.Info("mobile connector started",
		zap.String("topic", events.TopicRawMobileApp))
	return consumeLoop(ctx, m.logger, m.consumer, m.Name(), m.handle)
}

func (m *Mobile) handle(ctx context.Context, msg kafka.Message) {
	var raw map[string]interface{}
	if err := json.Unmarshal(msg.Value, &raw); err != nil {
		m.logger.Warn("invalid mobile event",
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return
	}

	eventType := asString(raw["event_type"])
	deviceID := asString(raw["device_id"])
	if eventType == "" || deviceID == "" {
		m.logger.Warn("mobile event missing required fields",
			zap.Int64("offset", msg.Offset),
			zap.Bool("has_event_type", eventType != ""),
			zap.Bool("has_device_id", deviceID != ""))
		return
	}

	if !mobileEventTypes[eventType] {
		m.logger.Debug("skipping unknown mobile event type",
			zap.String("event_type", eventType))
		return
	}

	ev := m.normalizer.NormalizeJSON(raw, event.SourceApp)
	ev.EventType = "mobile." + eventType
	ev.StudentID = asString(raw["user_id"])

	if adID := asString(raw["advertising_id"]); adID != "" && len(adID) <= event.MaxIdentifierLength {
		ev.Identifiers = append(ev.Identifiers, event.Identifier{
			Type:  event.IdentifierDeviceID,
			Value: adID,
		})
	}

	if osInfo := strings.TrimSpace(asString(raw["os_name"]) + " " + asString(raw["os_version"])); osInfo != "" {
		ev.NormalizedData["os"] = osInfo
	}
	if props, ok := raw["properties"].(map[string]interface{}); ok {
		for k, v := range props {
			ev.NormalizedData[k] = v
		}
	}

	if err := m.publisher.Publish(ctx, events.TopicProcessedInteractions, deviceID, ev); err != nil {
		m.logger.Error("mobile publish failed",
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
	}
}
