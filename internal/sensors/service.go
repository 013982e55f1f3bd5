package sensors

import (
	"context"
	"time"

	"github.com/agenthub/agenthub/internal/logging"
	"github.com/agenthub/agenthub/internal/metrics"
	"github.com/agenthub/agenthub/internal/realtime"
	"github.com/agenthub/agenthub/internal/traces"
)

// Publisher fans events out to realtime subscribers.
type Publisher interface {
	Publish(eventType realtime.EventType, data map[string]any)
}

// Service ingests readings and alerts.
type Service struct {
	cache     Cache
	publisher Publisher
	now       func() time.Time
}

// NewService creates a sensor service. publisher may be nil.
func NewService(cache Cache, publisher Publisher) *Service {
	return &Service{cache: cache, publisher: publisher, now: time.Now}
}

// Ingest validates body and appends it to agentID's buffer.
func (s *Service) Ingest(ctx context.Context, agentID string, body []byte) (Reading, error) {
	ctx, span := traces.StartSpan(ctx, "sensors.Ingest", traces.AgentID(agentID))
	defer span.End()

	rd, err := ParseReading(agentID, body, s.now())
	if err != nil {
		return Reading{}, err
	}
	if err := s.cache.Append(ctx, rd.AgentID, rd); err != nil {
		span.RecordError(err)
		return Reading{}, err
	}
	metrics.SensorReadingsTotal.WithLabelValues(s.cache.Backend()).Inc()

	if s.publisher != nil {
		s.publisher.Publish(realtime.EventSensorReading, map[string]any{
			"agentId": rd.AgentID,
			"reading": rd,
		})
	}
	return rd, nil
}

// Readings returns agentID's cached readings, oldest first.
func (s *Service) Readings(ctx context.Context, agentID string) ([]Reading, error) {
	agentID, err := checkAgentID(agentID)
	if err != nil {
		return nil, err
	}
	return s.cache.List(ctx, agentID)
}

// RaiseAlert parses an alert and stamps it with the payment that unlocked
// it. txHash may be empty when payments are not enforced.
func (s *Service) RaiseAlert(ctx context.Context, headerAgent string, body []byte, paid bool, txHash string) (*Alert, error) {
	a, err := ParseAlert(headerAgent, body, s.now())
	if err != nil {
		return nil, err
	}
	a.PaymentVerified = paid
	a.TxHash = txHash

	log := logging.L(ctx).With("agent_id", a.AgentID, "alert", a.Kind)
	if a.IsHighTemperature() {
		log.Warn("high temperature alert", "temperature", *a.Temperature, "tx_hash", txHash)
	} else {
		log.Info("sensor alert received", "payment_verified", paid)
	}
	metrics.SensorAlertsTotal.Inc()

	if s.publisher != nil {
		s.publisher.Publish(realtime.EventAlert, map[string]any{
			"agentId": a.AgentID,
			"alert":   a,
		})
	}
	return a, nil
}
