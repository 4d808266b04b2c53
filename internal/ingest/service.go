// Package ingest is the single entry point for device readings, whichever
// transport delivered them. A biometric reading is validated, persisted,
// published to the entity's subscribers and evaluated against the active rules;
// a location fix is validated, persisted and checked against the entity's safe
// zones. Candidates from either path become alerts through the lifecycle manager.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"companion/internal/alerts"
	"companion/internal/errs"
	"companion/internal/geofence"
	"companion/internal/logger"
	"companion/internal/metrics"
	"companion/internal/models"
	"companion/internal/rules"
	"companion/internal/state"
)

// ReadingStore persists readings.
type ReadingStore interface {
	SaveBiometricReading(ctx context.Context, r *models.BiometricReading) error
	SaveLocationReading(ctx context.Context, r *models.LocationReading) error
}

// RuleSource serves the active rules and zones. *rules.Accessor satisfies it.
type RuleSource interface {
	Rules(ctx context.Context) ([]models.AlertRule, error)
	Zones(ctx context.Context, entityID string) ([]models.SafeZone, error)
}

// AlertCreator turns candidates into alerts. *alerts.Manager satisfies it.
type AlertCreator interface {
	CreateAll(ctx context.Context, candidates []models.AlertCandidate) ([]models.Alert, error)
}

// Publisher delivers entity-scoped events. *hub.Hub satisfies it.
type Publisher interface {
	Publish(entityID string, ev models.Event)
}

// Deps are the collaborators of a Service. Sink and State are optional.
type Deps struct {
	Store     ReadingStore
	Rules     RuleSource
	Alerts    AlertCreator
	Publisher Publisher
	Sink      alerts.Sink
	State     state.DeviceState
	NodeID    string
	Now       func() time.Time
}

// Service runs the ingest pipeline. It holds no per-entity state, so calls for
// different entities never serialize against each other.
type Service struct {
	store     ReadingStore
	rules     RuleSource
	alerts    AlertCreator
	publisher Publisher
	sink      alerts.Sink
	state     state.DeviceState
	node      string
	now       func() time.Time
	log       zerolog.Logger
}

// New creates a Service.
func New(d Deps) *Service {
	if d.State == nil {
		d.State = state.NewNoop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Service{
		store:     d.Store,
		rules:     d.Rules,
		alerts:    d.Alerts,
		publisher: d.Publisher,
		sink:      d.Sink,
		state:     d.State,
		node:      d.NodeID,
		now:       d.Now,
		log:       logger.WithComponent("ingest"),
	}
}

// BiometricResult lists the alerts a biometric reading raised.
type BiometricResult struct {
	Alerts []models.Alert `json:"alerts"`
}

// LocationResult lists the alerts a location fix raised.
type LocationResult struct {
	Alerts []models.Alert `json:"alerts"`
}

type sourceKey struct{}

// WithSource labels readings ingested under ctx with the transport that
// delivered them ("http", "kafka", "mqtt", "generator").
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

func sourceFrom(ctx context.Context) string {
	if s, ok := ctx.Value(sourceKey{}).(string); ok && s != "" {
		return s
	}
	return "http"
}

// IngestBiometric runs a biometric reading through the pipeline. On success
// the reading carries its assigned ID and the result lists every alert raised.
func (s *Service) IngestBiometric(ctx context.Context, r *models.BiometricReading) (BiometricResult, error) {
	const op = "ingest.biometric"
	const kind = string(models.StreamBiometric)

	if r == nil {
		return BiometricResult{}, s.rejected(kind, errs.Validation(op, errors.New("reading is required")))
	}
	r.Normalize(s.now())
	if err := r.Validate(); err != nil {
		return BiometricResult{}, s.rejected(kind, errs.Validation(op, err))
	}

	if err := s.store.SaveBiometricReading(ctx, r); err != nil {
		return BiometricResult{}, s.rejected(kind, errs.Store(op, err))
	}

	s.publisher.Publish(r.EntityID, models.NewEvent(models.NewBiometricUpdate(r)))

	ruleSet, err := s.rules.Rules(ctx)
	if err != nil {
		return BiometricResult{}, s.rejected(kind, errs.Store(op, err))
	}

	eval := rules.EvaluateDetailed(r, ruleSet)
	for _, sk := range eval.Skipped {
		metrics.RulesSkippedTotal.Inc()
		s.log.Warn().Err(sk.Err).Int64("rule_id", sk.RuleID).Msg("skipping malformed rule")
	}

	created, err := s.alerts.CreateAll(ctx, eval.Candidates)
	if err != nil {
		return BiometricResult{Alerts: created}, s.rejected(kind, err)
	}

	s.stream(models.NewBiometricRecord(r, s.node))
	s.heartbeat(ctx, r.DeviceID, r.EntityID)

	metrics.ReadingsIngestedTotal.WithLabelValues(kind, sourceFrom(ctx)).Inc()
	logEv := s.log.Debug()
	if len(created) > 0 {
		logEv = s.log.Info()
	}
	logEv.Str("entity_id", r.EntityID).
		Str("device_id", r.DeviceID).
		Int64("reading_id", r.ID).
		Int("alerts", len(created)).
		Msg("biometric reading ingested")

	return BiometricResult{Alerts: created}, nil
}

// IngestLocation runs a location fix through the pipeline.
func (s *Service) IngestLocation(ctx context.Context, r *models.LocationReading) (LocationResult, error) {
	const op = "ingest.location"
	const kind = string(models.StreamLocation)

	if r == nil {
		return LocationResult{}, s.rejected(kind, errs.Validation(op, errors.New("reading is required")))
	}
	r.Normalize(s.now())
	if err := r.Validate(); err != nil {
		return LocationResult{}, s.rejected(kind, errs.Validation(op, err))
	}

	if err := s.store.SaveLocationReading(ctx, r); err != nil {
		return LocationResult{}, s.rejected(kind, errs.Store(op, err))
	}

	zones, err := s.rules.Zones(ctx, r.EntityID)
	if err != nil {
		return LocationResult{}, s.rejected(kind, errs.Store(op, err))
	}

	check := geofence.CheckZonesDetailed(r, zones)
	for _, sk := range check.Skipped {
		s.log.Warn().Err(sk.Err).Int64("zone_id", sk.ZoneID).Msg("skipping malformed safe zone")
	}

	created, err := s.alerts.CreateAll(ctx, check.Candidates)
	if err != nil {
		return LocationResult{Alerts: created}, s.rejected(kind, err)
	}

	s.stream(models.NewLocationRecord(r, s.node))
	s.heartbeat(ctx, r.DeviceID, r.EntityID)

	metrics.ReadingsIngestedTotal.WithLabelValues(kind, sourceFrom(ctx)).Inc()
	s.log.Debug().
		Str("entity_id", r.EntityID).
		Str("device_id", r.DeviceID).
		Int("zones", len(zones)).
		Int("alerts", len(created)).
		Msg("location reading ingested")

	return LocationResult{Alerts: created}, nil
}

// HandleTelemetry ingests a decoded device message from a broker.
func (s *Service) HandleTelemetry(ctx context.Context, msg models.TelemetryMessage, source string) error {
	ctx = WithSource(ctx, source)
	switch {
	case msg.Kind == models.StreamBiometric && msg.Biometric != nil:
		_, err := s.IngestBiometric(ctx, msg.Biometric)
		return err
	case msg.Kind == models.StreamLocation && msg.Location != nil:
		_, err := s.IngestLocation(ctx, msg.Location)
		return err
	default:
		return errs.Validation("ingest.telemetry", fmt.Errorf("%w: %q", models.ErrUnknownTelemetryKind, msg.Kind))
	}
}

func (s *Service) rejected(kind string, err error) error {
	reason := "store"
	switch {
	case errors.Is(err, errs.ErrValidation):
		reason = "validation"
	case errors.Is(err, errs.ErrNotFound):
		reason = "not_found"
	}
	metrics.ReadingsRejectedTotal.WithLabelValues(kind, reason).Inc()
	return err
}

func (s *Service) stream(rec *models.StreamRecord) {
	if s.sink == nil {
		return
	}
	if !s.sink.Enqueue(rec) {
		s.log.Warn().Str("kind", string(rec.Kind)).Str("entity_id", rec.EntityID()).Msg("stream queue full, record dropped")
	}
}

// heartbeat failures never fail the ingest; the reading is already stored.
func (s *Service) heartbeat(ctx context.Context, deviceID, entityID string) {
	if err := s.state.Heartbeat(ctx, deviceID, entityID, s.now()); err != nil {
		s.log.Warn().Err(err).Str("device_id", deviceID).Msg("device heartbeat failed")
	}
}
