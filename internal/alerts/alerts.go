// Package alerts owns the alert state machine: pending -> processing -> resolved,
// or pending -> resolved directly. It is the only writer of alert status and the
// only producer of alert events.
package alerts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"companion/internal/errs"
	"companion/internal/logger"
	"companion/internal/metrics"
	"companion/internal/models"
)

// DefaultResolutionNotes is used when Resolve is called without notes.
const DefaultResolutionNotes = "resolved"

// Store is the slice of the persistence collaborator the manager needs.
type Store interface {
	SaveAlert(ctx context.Context, a *models.Alert) error
	GetAlert(ctx context.Context, id int64) (*models.Alert, error)
	UpdateAlertStatus(ctx context.Context, a *models.Alert, from ...models.AlertStatus) error
}

// Notifier fans events out to live connections. The hub satisfies it.
// Both calls must not block on slow receivers.
type Notifier interface {
	Publish(entityID string, ev models.Event)
	Broadcast(ev models.Event)
}

// Sink receives alert snapshots for the outbound stream. Enqueue must not block.
type Sink interface {
	Enqueue(rec *models.StreamRecord) bool
}

// Manager runs alert creation and transitions. Transitions on one alert id are
// mutually exclusive; different ids proceed independently.
type Manager struct {
	store    Store
	notifier Notifier
	sink     Sink
	node     string
	now      func() time.Time
	locks    *keyedMutex
	log      zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithSink streams every created or transitioned alert to sink, stamped with node.
func WithSink(sink Sink, node string) Option {
	return func(m *Manager) {
		m.sink = sink
		m.node = node
	}
}

// WithClock overrides the transition timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a lifecycle manager.
func NewManager(store Store, notifier Notifier, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		notifier: notifier,
		now:      time.Now,
		locks:    newKeyedMutex(),
		log:      logger.WithComponent("alerts"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create persists a candidate as a pending alert and announces it twice: to the
// entity's subscribers and to every connection. No duplicate suppression is applied.
func (m *Manager) Create(ctx context.Context, c models.AlertCandidate) (*models.Alert, error) {
	a := &models.Alert{
		EntityID:      c.EntityID,
		RuleID:        c.RuleID,
		Type:          c.Type,
		Title:         c.Title,
		Message:       c.Message,
		Severity:      c.Severity,
		MeasuredValue: c.MeasuredValue,
		Threshold:     c.Threshold,
		Status:        models.AlertPending,
	}

	if err := m.store.SaveAlert(ctx, a); err != nil {
		return nil, errs.Store("alerts.create", err)
	}

	metrics.AlertsCreatedTotal.WithLabelValues(a.Type, string(a.Severity)).Inc()
	m.log.Info().
		Int64("alert_id", a.ID).
		Str("entity_id", a.EntityID).
		Str("type", a.Type).
		Str("severity", string(a.Severity)).
		Float64("value", a.MeasuredValue).
		Float64("threshold", a.Threshold).
		Msg("alert created")

	m.notifier.Publish(a.EntityID, models.NewEvent(models.AlertNotificationData{Scope: models.ScopeEntity, Alert: *a}))
	m.notifier.Broadcast(models.NewEvent(models.AlertNotificationData{Scope: models.ScopeGlobal, Alert: *a}))
	m.stream(a)

	return a, nil
}

// CreateAll creates one alert per candidate in order. It stops at the first
// failure and returns the alerts created before it.
func (m *Manager) CreateAll(ctx context.Context, candidates []models.AlertCandidate) ([]models.Alert, error) {
	created := make([]models.Alert, 0, len(candidates))
	for _, c := range candidates {
		a, err := m.Create(ctx, c)
		if err != nil {
			return created, err
		}
		created = append(created, *a)
	}
	return created, nil
}

// Acknowledge moves a pending alert to processing.
func (m *Manager) Acknowledge(ctx context.Context, id int64, actor string) (*models.Alert, error) {
	return m.transition(ctx, id, models.ActionAcknowledged, func(a *models.Alert, at time.Time) {
		a.Status = models.AlertProcessing
		a.AcknowledgedBy = actor
		a.AcknowledgedAt = &at
	})
}

// Resolve moves a pending or processing alert to resolved and appends the notes
// to its message.
func (m *Manager) Resolve(ctx context.Context, id int64, actor, notes string) (*models.Alert, error) {
	notes = strings.TrimSpace(notes)
	if notes == "" {
		notes = DefaultResolutionNotes
	}
	return m.transition(ctx, id, models.ActionResolved, func(a *models.Alert, at time.Time) {
		a.Status = models.AlertResolved
		a.ResolvedBy = actor
		a.ResolvedAt = &at
		a.Message = fmt.Sprintf("%s | resolution notes: %s", a.Message, notes)
	})
}

func (m *Manager) transition(ctx context.Context, id int64, action models.AlertAction, apply func(*models.Alert, time.Time)) (*models.Alert, error) {
	op := "alerts." + string(action)
	target := models.AlertProcessing
	if action == models.ActionResolved {
		target = models.AlertResolved
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	a, err := m.store.GetAlert(ctx, id)
	if err != nil {
		m.reject(action)
		return nil, errs.Store(op, err)
	}

	from := a.Status
	if !models.CanTransition(from, target) {
		m.reject(action)
		return nil, errs.NotFound(op, fmt.Sprintf("alert %d is %s", id, from))
	}

	apply(a, m.now().UTC())

	// the store re-checks the prior status, which also guards against writers
	// outside this process
	if err := m.store.UpdateAlertStatus(ctx, a, from); err != nil {
		m.reject(action)
		return nil, errs.Store(op, err)
	}

	metrics.AlertTransitionsTotal.WithLabelValues(string(action), "ok").Inc()
	m.log.Info().
		Int64("alert_id", a.ID).
		Str("entity_id", a.EntityID).
		Str("from", string(from)).
		Str("to", string(a.Status)).
		Msg("alert " + string(action))

	m.notifier.Broadcast(models.NewEvent(models.AlertHandledData{Action: action, Alert: *a}))
	m.stream(a)

	return a, nil
}

func (m *Manager) reject(action models.AlertAction) {
	metrics.AlertTransitionsTotal.WithLabelValues(string(action), "rejected").Inc()
}

func (m *Manager) stream(a *models.Alert) {
	if m.sink == nil {
		return
	}
	snapshot := *a
	if !m.sink.Enqueue(models.NewAlertRecord(&snapshot, m.node)) {
		m.log.Warn().Int64("alert_id", a.ID).Msg("stream queue full, alert record dropped")
	}
}
