package sensors

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/agenthub/internal/validation"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestParseReading(t *testing.T) {
	rd, err := ParseReading(" dev-1 ", []byte(`{"temperature":21.5,"humidity":40,"agentId":"spoofed"}`), fixedNow)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", rd.AgentID)
	assert.Equal(t, fixedNow.UnixMilli(), rd.Timestamp)
	assert.NotEmpty(t, rd.ID)
	assert.Equal(t, map[string]any{"temperature": 21.5, "humidity": float64(40)}, rd.Values)

	data, err := json.Marshal(rd)
	require.NoError(t, err)
	var flat map[string]any
	require.NoError(t, json.Unmarshal(data, &flat))
	assert.Equal(t, "dev-1", flat["agentId"])
	assert.Equal(t, 21.5, flat["temperature"])
	assert.Equal(t, "2026-03-01T12:00:00Z", flat["receivedAt"])

	var back Reading
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, rd.ID, back.ID)
	assert.Equal(t, rd.Timestamp, back.Timestamp)
	assert.True(t, rd.ReceivedAt.Equal(back.ReceivedAt))
	assert.Equal(t, rd.Values, back.Values)
}

func TestParseReading_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		agent string
		body  string
		want  error
	}{
		{"no agent", "", `{"temperature":1}`, ErrAgentRequired},
		{"blank agent", "   ", `{"temperature":1}`, ErrAgentRequired},
		{"long agent", strings.Repeat("a", 200), `{"temperature":1}`, ErrInvalidAgent},
		{"newline agent", "a\nb", `{"temperature":1}`, ErrInvalidAgent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseReading(tt.agent, []byte(tt.body), fixedNow)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	for _, body := range []string{`{}`, `[]`, `not json`, `{"humidity":140}`, `{"temperature":"hot"}`} {
		_, err := ParseReading("dev-1", []byte(body), fixedNow)
		var verrs validation.ValidationErrors
		assert.ErrorAs(t, err, &verrs, body)
	}
}

func TestParseAlert(t *testing.T) {
	a, err := ParseAlert("", []byte(`{"alert":"high_temperature","temperature":88.5,"agentId":"dev-9","zone":"b"}`), fixedNow)
	require.NoError(t, err)
	assert.Equal(t, "dev-9", a.AgentID)
	assert.Equal(t, "high_temperature", a.Kind)
	require.NotNil(t, a.Temperature)
	assert.Equal(t, 88.5, *a.Temperature)
	assert.True(t, a.IsHighTemperature())
	assert.Equal(t, map[string]any{"zone": "b"}, a.Values)

	a, err = ParseAlert("dev-1", []byte(`{"alert":"door_open","agentId":"dev-9"}`), fixedNow)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", a.AgentID, "header wins over body")
	assert.False(t, a.IsHighTemperature())

	_, err = ParseAlert("", []byte(`{"alert":"door_open"}`), fixedNow)
	assert.ErrorIs(t, err, ErrAgentRequired)

	_, err = ParseAlert("dev-1", []byte(`{"temperature":5}`), fixedNow)
	var verrs validation.ValidationErrors
	assert.ErrorAs(t, err, &verrs)
}

func TestAlert_MarshalJSON(t *testing.T) {
	temp := 90.0
	a := Alert{
		AgentID:         "dev-1",
		Kind:            "high_temperature",
		Temperature:     &temp,
		Values:          map[string]any{"zone": "b"},
		PaymentVerified: true,
		TxHash:          "0xabc",
		Timestamp:       fixedNow.UnixMilli(),
		ReceivedAt:      fixedNow,
	}
	data, err := json.Marshal(a)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(data, &flat))
	assert.Equal(t, "high_temperature", flat["alert"])
	assert.Equal(t, 90.0, flat["temperature"])
	assert.Equal(t, true, flat["paymentVerified"])
	assert.Equal(t, "0xabc", flat["txHash"])
	assert.Equal(t, "b", flat["zone"])
}
