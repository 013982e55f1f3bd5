// Package sensors caches IoT sensor readings per agent and ingests paid
// alerts.
//
// Each agent keeps its most recent DefaultCapacity readings; appending to a
// full buffer evicts the oldest reading.
package sensors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agenthub/agenthub/internal/validation"
)

// DefaultCapacity is the number of readings kept per agent.
const DefaultCapacity = 100

// AgentHeader identifies the reporting device.
const AgentHeader = "X-Agent-ID"

const maxAgentIDLength = 128

var (
	ErrAgentRequired = errors.New("sensors: agent id required")
	ErrInvalidAgent  = errors.New("sensors: invalid agent id")
)

// Cache is a bounded, insertion-ordered reading log per agent.
type Cache interface {
	Append(ctx context.Context, agentID string, r Reading) error
	// List returns readings oldest first.
	List(ctx context.Context, agentID string) ([]Reading, error)
	// Backend names the implementation for metrics and logs.
	Backend() string
}

// Keys the server owns on readings and alerts. Payload fields with these
// names are replaced.
var reservedKeys = map[string]bool{
	"id":              true,
	"agentId":         true,
	"timestamp":       true,
	"receivedAt":      true,
	"alert":           true,
	"paymentVerified": true,
	"txHash":          true,
}

var readingSchema = validation.MustCompileSchema(`{
	"type": "object",
	"minProperties": 1,
	"maxProperties": 64,
	"propertyNames": {"maxLength": 64},
	"properties": {
		"temperature": {"type": "number"},
		"humidity":    {"type": "number", "minimum": 0, "maximum": 100},
		"pressure":    {"type": "number", "minimum": 0},
		"battery":     {"type": "number", "minimum": 0, "maximum": 100}
	}
}`)

var alertSchema = validation.MustCompileSchema(`{
	"type": "object",
	"required": ["alert"],
	"maxProperties": 64,
	"propertyNames": {"maxLength": 64},
	"properties": {
		"alert":       {"type": "string", "minLength": 1, "maxLength": 64},
		"agentId":     {"type": "string", "maxLength": 128},
		"temperature": {"type": "number"},
		"message":     {"type": "string", "maxLength": 2000}
	}
}`)

// Reading is one sensor payload plus server metadata. It serializes flat:
// payload fields sit next to id, agentId, timestamp and receivedAt.
type Reading struct {
	ID         string
	AgentID    string
	Timestamp  int64 // unix milliseconds
	ReceivedAt time.Time
	Values     map[string]any
}

func (r Reading) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Values)+4)
	for k, v := range r.Values {
		out[k] = v
	}
	out["id"] = r.ID
	out["agentId"] = r.AgentID
	out["timestamp"] = r.Timestamp
	out["receivedAt"] = r.ReceivedAt.UTC().Format(time.RFC3339Nano)
	return json.Marshal(out)
}

func (r *Reading) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	r.ID, _ = m["id"].(string)
	r.AgentID, _ = m["agentId"].(string)
	if ts, ok := m["timestamp"].(float64); ok {
		r.Timestamp = int64(ts)
	}
	if at, ok := m["receivedAt"].(string); ok {
		r.ReceivedAt, _ = time.Parse(time.RFC3339Nano, at)
	}
	r.Values = stripReserved(m)
	return nil
}

// Alert is a paid device alert. It serializes flat like Reading.
type Alert struct {
	AgentID         string
	Kind            string
	Temperature     *float64
	Values          map[string]any
	PaymentVerified bool
	TxHash          string
	Timestamp       int64
	ReceivedAt      time.Time
}

func (a Alert) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(a.Values)+7)
	for k, v := range a.Values {
		out[k] = v
	}
	out["agentId"] = a.AgentID
	out["alert"] = a.Kind
	if a.Temperature != nil {
		out["temperature"] = *a.Temperature
	}
	out["paymentVerified"] = a.PaymentVerified
	if a.TxHash != "" {
		out["txHash"] = a.TxHash
	}
	out["timestamp"] = a.Timestamp
	out["receivedAt"] = a.ReceivedAt.UTC().Format(time.RFC3339Nano)
	return json.Marshal(out)
}

// IsHighTemperature reports whether the alert is a high_temperature alert
// carrying a reading.
func (a *Alert) IsHighTemperature() bool {
	return a.Kind == "high_temperature" && a.Temperature != nil
}

// ParseReading validates a raw sensor payload and stamps it for agentID.
func ParseReading(agentID string, body []byte, now time.Time) (Reading, error) {
	agentID, err := checkAgentID(agentID)
	if err != nil {
		return Reading{}, err
	}
	if err := readingSchema.ValidateBytes(body); err != nil {
		return Reading{}, err
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return Reading{}, fmt.Errorf("decode reading: %w", err)
	}
	return Reading{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		Timestamp:  now.UnixMilli(),
		ReceivedAt: now,
		Values:     stripReserved(m),
	}, nil
}

// ParseAlert validates a raw alert payload. The agent comes from
// headerAgent, or from the body's agentId when the header is empty.
func ParseAlert(headerAgent string, body []byte, now time.Time) (*Alert, error) {
	if err := alertSchema.ValidateBytes(body); err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode alert: %w", err)
	}

	agentID := headerAgent
	if strings.TrimSpace(agentID) == "" {
		agentID, _ = m["agentId"].(string)
	}
	agentID, err := checkAgentID(agentID)
	if err != nil {
		return nil, err
	}

	a := &Alert{
		AgentID:    agentID,
		Timestamp:  now.UnixMilli(),
		ReceivedAt: now,
	}
	a.Kind, _ = m["alert"].(string)
	if t, ok := m["temperature"].(float64); ok {
		a.Temperature = &t
	}
	delete(m, "temperature")
	a.Values = stripReserved(m)
	return a, nil
}

func checkAgentID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrAgentRequired
	}
	if len(id) > maxAgentIDLength || strings.ContainsAny(id, "\x00\r\n") {
		return "", ErrInvalidAgent
	}
	return id, nil
}

func stripReserved(m map[string]any) map[string]any {
	for k := range m {
		if reservedKeys[k] {
			delete(m, k)
		}
	}
	return m
}
