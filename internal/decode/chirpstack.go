package decode

import (
	"encoding/json"
	"time"
)

// chirpstack is the shared decoder for ChirpStack LoRaWAN uplink events.
// The receive timestamp comes from rxInfo[0].time; the measured values come
// from objectJSON, which the network server emits either as an embedded
// object or as a JSON-encoded string. A field value is a bare number or an
// object carrying a "value" member (e.g. {"unit": "mA", "value": 4.126}).
type chirpstack struct {
	name        string
	description string
	fields      []string
}

func (c chirpstack) Name() string        { return c.name }
func (c chirpstack) Description() string { return c.description }
func (c chirpstack) Fields() []string    { return append([]string(nil), c.fields...) }

func (c chirpstack) Decode(payload []byte) (time.Time, map[string]float64, error) {
	var msg struct {
		RxInfo []struct {
			Time string `json:"time"`
		} `json:"rxInfo"`
		ObjectJSON json.RawMessage `json:"objectJSON"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return time.Time{}, nil, &PayloadError{Decoder: c.name, Err: err}
	}
	if len(msg.RxInfo) == 0 || msg.RxInfo[0].Time == "" {
		return time.Time{}, nil, payloadErrf(c.name, "missing rxInfo time")
	}
	ts, err := parseTimestamp(msg.RxInfo[0].Time)
	if err != nil {
		return time.Time{}, nil, &PayloadError{Decoder: c.name, Err: err}
	}

	obj, err := objectValues(msg.ObjectJSON)
	if err != nil {
		return time.Time{}, nil, &PayloadError{Decoder: c.name, Err: err}
	}

	values := make(map[string]float64, len(c.fields))
	for _, field := range c.fields {
		raw, ok := obj[field]
		if !ok {
			return time.Time{}, nil, payloadErrf(c.name, "missing field %q", field)
		}
		v, err := numericValue(raw)
		if err != nil {
			return time.Time{}, nil, payloadErrf(c.name, "field %q: %v", field, err)
		}
		values[field] = v
	}
	return ts, values, nil
}

func objectValues(raw json.RawMessage) (map[string]json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, json.Unmarshal(raw, &struct{}{})
	}
	// objectJSON as a JSON-encoded string: unwrap one level.
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, err
		}
		raw = json.RawMessage(inner)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func numericValue(raw json.RawMessage) (float64, error) {
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var wrapped struct {
		Value *float64 `json:"value"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return 0, err
	}
	if wrapped.Value == nil {
		return 0, json.Unmarshal(raw, &n) // report the original error
	}
	return *wrapped.Value, nil
}

// ChirpstackARF8200AA decodes Adeunis ARF8200AA analog sensor uplinks.
func ChirpstackARF8200AA() Decoder {
	return chirpstack{
		name:        "chirpstack_ARF8200AA",
		description: "ChirpStack uplink, Adeunis ARF8200AA analog input",
		fields:      []string{"channelA", "channelB"},
	}
}

// ChirpstackEM300TH868 decodes Milesight EM300-TH temperature/humidity uplinks.
func ChirpstackEM300TH868() Decoder {
	return chirpstack{
		name:        "chirpstack_EM300TH868",
		description: "ChirpStack uplink, Milesight EM300-TH sensor",
		fields:      []string{"temperature", "humidity"},
	}
}

// ChirpstackUC11 decodes Ursalink UC11 temperature/humidity uplinks.
func ChirpstackUC11() Decoder {
	return chirpstack{
		name:        "chirpstack_UC11",
		description: "ChirpStack uplink, Ursalink UC11 sensor",
		fields:      []string{"temperature", "humidity"},
	}
}

// ChirpstackEAGLE1500 decodes Milesight/EAGLE 1500 power meter uplinks.
func ChirpstackEAGLE1500() Decoder {
	return chirpstack{
		name:        "chirpstack_EAGLE1500",
		description: "ChirpStack uplink, EAGLE 1500 power meter",
		fields: []string{
			"active_power", "current", "export_active_energy",
			"import_active_energy", "power_factor", "reactive_energy",
			"relay_state", "voltage",
		},
	}
}
