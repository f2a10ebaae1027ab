package decode

import (
	"encoding/json"
	"time"
)

// BEMServer decodes the native JSON payload: {"ts": <ISO-8601>, "value": <number>}.
type BEMServer struct{}

func (BEMServer) Name() string        { return "bemserver" }
func (BEMServer) Description() string { return "BEMServer JSON payload" }
func (BEMServer) Fields() []string    { return []string{"value"} }

func (BEMServer) Decode(payload []byte) (time.Time, map[string]float64, error) {
	var msg struct {
		TS    *string  `json:"ts"`
		Value *float64 `json:"value"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return time.Time{}, nil, &PayloadError{Decoder: "bemserver", Err: err}
	}
	if msg.TS == nil {
		return time.Time{}, nil, payloadErrf("bemserver", "missing ts")
	}
	if msg.Value == nil {
		return time.Time{}, nil, payloadErrf("bemserver", "missing value")
	}
	ts, err := parseTimestamp(*msg.TS)
	if err != nil {
		return time.Time{}, nil, &PayloadError{Decoder: "bemserver", Err: err}
	}
	return ts, map[string]float64{"value": *msg.Value}, nil
}
