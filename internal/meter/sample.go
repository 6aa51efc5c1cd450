package meter

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Field names of the getDashDataWS document.
const (
	FieldSerialNumber = "Utility_SN"

	FieldForwardEnergy = "Fwd_Act_Wh"
	FieldReverseEnergy = "Rev_Act_Wh"

	FieldL1Current = "L1_RMS_A"
	FieldL2Current = "L2_RMS_A"
	FieldL3Current = "L3_RMS_A"
	FieldL1Voltage = "L1_RMS_V"
	FieldL2Voltage = "L2_RMS_V"
	FieldL3Voltage = "L3_RMS_V"

	FieldForwardPower   = "Fwd_W"
	FieldReversePower   = "Rev_W"
	FieldL1ForwardPower = "L1_Fwd_W"
	FieldL2ForwardPower = "L2_Fwd_W"
	FieldL3ForwardPower = "L3_Fwd_W"
	FieldL1ReversePower = "L1_Rev_W"
	FieldL2ReversePower = "L2_Rev_W"
	FieldL3ReversePower = "L3_Rev_W"

	FieldFrequency = "Freq_mHz"

	FieldMeterManufacturer = "Meter_Manufacturer"
	FieldMeterModel        = "Meter_Model"
	FieldMeterSWVersion    = "Meter_SW_Version"
	FieldBridgeVendor      = "ESP_SW_By"
	FieldBridgeModel       = "ESP_SW"
	FieldBridgeSWVersion   = "ESP_SW_Version"
)

// Sample is one decoded meter reading. Values are int64, float64, string,
// bool, nil or nested []any / map[string]any. A Sample is never modified
// after the fetcher returns it.
type Sample map[string]any

// DeviceInfo identifies either the meter itself or the bridge serving its
// readings over HTTP.
type DeviceInfo struct {
	SerialNumber string `json:"serial_number,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	SWVersion    string `json:"sw_version,omitempty"`
}

// Lookup walks the sample through map keys (string) and slice indices (int).
// A missing key, an out-of-range index or a type mismatch yields ok=false.
func (s Sample) Lookup(path ...any) (any, bool) {
	if s == nil {
		return nil, false
	}

	var cur any = map[string]any(s)
	for _, sel := range path {
		switch node := cur.(type) {
		case map[string]any:
			key, ok := sel.(string)
			if !ok {
				return nil, false
			}
			next, exists := node[key]
			if !exists {
				return nil, false
			}
			cur = next
		case []any:
			idx, ok := sel.(int)
			if !ok || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}

	if cur == nil {
		return nil, false
	}
	return cur, true
}

// Int returns an integer-like field. Floats without a fractional part and
// numeric strings qualify.
func (s Sample) Int(key string) (int64, bool) {
	switch val := s[key].(type) {
	case int64:
		return val, true
	case int:
		return int64(val), true
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) || val != math.Trunc(val) {
			return 0, false
		}
		// 2^63 itself does not fit
		if val < math.MinInt64 || val >= -math.MinInt64 {
			return 0, false
		}
		return int64(val), true
	case json.Number:
		i, err := val.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

func (s Sample) Float(key string) (float64, bool) {
	switch val := s[key].(type) {
	case float64:
		return val, true
	case int64:
		return float64(val), true
	case int:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// String renders scalar fields as text. Serial numbers arrive as numbers
// on some firmware.
func (s Sample) String(key string) (string, bool) {
	switch val := s[key].(type) {
	case string:
		return val, true
	case int64:
		return strconv.FormatInt(val, 10), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case nil:
		return "", false
	case map[string]any, []any:
		return "", false
	default:
		return fmt.Sprintf("%v", val), true
	}
}

// MeterInfo projects the meter identity fields.
func (s Sample) MeterInfo() DeviceInfo {
	sn, _ := s.String(FieldSerialNumber)
	manufacturer, _ := s.String(FieldMeterManufacturer)
	model, _ := s.String(FieldMeterModel)
	version, _ := s.String(FieldMeterSWVersion)
	return DeviceInfo{SerialNumber: sn, Manufacturer: manufacturer, Model: model, SWVersion: version}
}

// BridgeInfo projects the identity of the HTTP bridge attached to the meter.
// The bridge has no serial of its own and reports under the meter's.
func (s Sample) BridgeInfo() DeviceInfo {
	sn, _ := s.String(FieldSerialNumber)
	vendor, _ := s.String(FieldBridgeVendor)
	model, _ := s.String(FieldBridgeModel)
	version, _ := s.String(FieldBridgeSWVersion)
	return DeviceInfo{SerialNumber: sn, Manufacturer: vendor, Model: model, SWVersion: version}
}

// normalize converts json.Number leaves into int64 or float64.
func normalize(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]any:
		for k, item := range val {
			val[k] = normalize(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = normalize(item)
		}
		return val
	default:
		return v
	}
}
