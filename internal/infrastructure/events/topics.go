// Package events provides the Kafka transport for the pipeline: the
// retrying producer, the consumer-group reader, the dead letter queue
// and the erasure tombstone publisher.
package events

import (
	"github.com/eduflowhq/cdp-backend/internal/domain/event"
)

// Topic names. Raw topics carry canonical events keyed by the event's
// partition key; downstream topics carry pipeline products.
const (
	TopicRawClickstream = "cdp.raw.clickstream"
	TopicRawMobileApp   = "cdp.raw.mobile_app"
	TopicRawCRM         = "cdp.raw.crm"
	TopicRawWhatsApp    = "cdp.raw.whatsapp"
	TopicRawEmail       = "cdp.raw.email"

	TopicProcessedInteractions = "cdp.processed.interactions"
	TopicBigQueryStaging       = "cdp.bigquery.staging"
	TopicSegmentChanges        = "cdp.segment.changes"
	TopicDeadLetter            = "cdp.dlq"
)

var rawTopicBySource = map[event.Source]string{
	event.SourceWebsite:  TopicRawClickstream,
	event.SourceApp:      TopicRawMobileApp,
	event.SourceCRM:      TopicRawCRM,
	event.SourceWhatsApp: TopicRawWhatsApp,
	event.SourceEmail:    TopicRawEmail,
}

// RawTopicForSource returns the raw topic for a canonical event source.
func RawTopicForSource(source event.Source) (string, bool) {
	topic, ok := rawTopicBySource[source]
	return topic, ok
}

// RawTopics returns the source-specific raw topics feeding the
// ingestion connectors.
func RawTopics() []string {
	return []string{
		TopicRawClickstream,
		TopicRawMobileApp,
		TopicRawCRM,
		TopicRawWhatsApp,
		TopicRawEmail,
	}
}
