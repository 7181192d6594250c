// Package instrumentation wraps the hot pipeline stages with OpenTelemetry
// spans. The decorators are transparent: they satisfy the same ports as the
// services they wrap and never alter results.
package instrumentation

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/eduflowhq/cdp-backend/internal/domain/event"
	"github.com/eduflowhq/cdp-backend/internal/domain/profile"
	"github.com/eduflowhq/cdp-backend/internal/infrastructure/telemetry"
	"github.com/eduflowhq/cdp-backend/internal/service/stream"
)

const tracerName = "cdp.pipeline"

// TracedResolver decorates a resolver with a span per resolution.
type TracedResolver struct {
	inner  stream.Resolver
	tracer trace.Tracer
}

// NewTracedResolver wraps inner with tracing.
func NewTracedResolver(inner stream.Resolver) *TracedResolver {
	return &TracedResolver{
		inner:  inner,
		tracer: telemetry.Tracer(tracerName),
	}
}

// Resolve records the resolution as a span carrying the event identity and
// the resolved profile ID.
func (r *TracedResolver) Resolve(ctx context.Context, e *event.CanonicalEvent) (string, error) {
	ctx, span := r.tracer.Start(ctx, "identity.Resolve",
		trace.WithAttributes(
			attribute.String("event.id", e.EventID),
			attribute.String("event.type", e.EventType),
			attribute.String("event.source", string(e.Source)),
			attribute.Int("event.identifiers", len(e.Identifiers)),
		))
	defer span.End()

	profileID, err := r.inner.Resolve(ctx, e)
	if err != nil {
		telemetry.RecordError(span, err)
		return "", err
	}

	span.SetAttributes(attribute.String("profile.id", profileID))
	return profileID, nil
}

// TracedUpdater decorates a profile updater with a span per update.
type TracedUpdater struct {
	inner  stream.ProfileUpdater
	tracer trace.Tracer
}

// NewTracedUpdater wraps inner with tracing.
func NewTracedUpdater(inner stream.ProfileUpdater) *TracedUpdater {
	return &TracedUpdater{
		inner:  inner,
		tracer: telemetry.Tracer(tracerName),
	}
}

// UpdateProfile records the update as a span and annotates it with the
// stored profile version, which makes optimistic-lock retry storms visible
// in traces.
func (u *TracedUpdater) UpdateProfile(ctx context.Context, profileID string, e *event.CanonicalEvent) (*profile.Profile, error) {
	ctx, span := u.tracer.Start(ctx, "profile.UpdateProfile",
		trace.WithAttributes(
			attribute.String("profile.id", profileID),
			attribute.String("event.id", e.EventID),
			attribute.String("event.source", string(e.Source)),
		))
	defer span.End()

	p, err := u.inner.UpdateProfile(ctx, profileID, e)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.Int64("profile.version", p.Version))
	telemetry.AddEvent(span, "profile_updated",
		attribute.Int64("profile.total_events", p.InteractionSummary.TotalEvents))
	return p, nil
}
