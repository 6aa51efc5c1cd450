package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope carries one reading of one meter upstream.
type Envelope struct {
	ID           string      `json:"id"`
	SiteID       string      `json:"site_id"`
	SiteName     string      `json:"site_name"`
	Timestamp    time.Time   `json:"timestamp"`
	MeterID      string      `json:"meter_id"`
	MeterName    string      `json:"meter_name"`
	SerialNumber string      `json:"serial_number,omitempty"`
	Reachable    bool        `json:"reachable"`
	Stale        bool        `json:"stale"`
	Values       []DataPoint `json:"values"`
}

func NewEnvelope(siteID, siteName, meterID, meterName, serial string, reachable, stale bool, values []DataPoint) *Envelope {
	return &Envelope{
		ID:           uuid.New().String(),
		SiteID:       siteID,
		SiteName:     siteName,
		Timestamp:    time.Now().UTC(),
		MeterID:      meterID,
		MeterName:    meterName,
		SerialNumber: serial,
		Reachable:    reachable,
		Stale:        stale,
		Values:       values,
	}
}

func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

func EnvelopeFromJSON(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
