package model

import (
	"encoding/json"
	"time"
)

const DateLayout = "2006-01-02"

// Record is one close approach as persisted. ID is zero until the storage
// layer assigns it.
type Record struct {
	ID               int64
	ExternalID       string
	Name             string
	ApproachDate     time.Time
	DiameterKm       float64
	VelocityKmPerSec float64
	MissDistanceAU   float64
	Hazardous        bool
}

type recordJSON struct {
	ID               int64   `json:"id"`
	ExternalID       string  `json:"neo_id"`
	Name             string  `json:"name"`
	ApproachDate     string  `json:"close_approach_date"`
	DiameterKm       float64 `json:"diameter_km"`
	VelocityKmPerSec float64 `json:"velocity_km_s"`
	MissDistanceAU   float64 `json:"miss_distance_au"`
	Hazardous        bool    `json:"hazardous"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		ID:               r.ID,
		ExternalID:       r.ExternalID,
		Name:             r.Name,
		ApproachDate:     FormatDate(r.ApproachDate),
		DiameterKm:       r.DiameterKm,
		VelocityKmPerSec: r.VelocityKmPerSec,
		MissDistanceAU:   r.MissDistanceAU,
		Hazardous:        r.Hazardous,
	})
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	day, err := ParseDate(raw.ApproachDate)
	if err != nil {
		return err
	}
	*r = Record{
		ID:               raw.ID,
		ExternalID:       raw.ExternalID,
		Name:             raw.Name,
		ApproachDate:     day,
		DiameterKm:       raw.DiameterKm,
		VelocityKmPerSec: raw.VelocityKmPerSec,
		MissDistanceAU:   raw.MissDistanceAU,
		Hazardous:        raw.Hazardous,
	}
	return nil
}

type Subscriber struct {
	ID       string `json:"id"`
	Endpoint string `json:"url"`
}

// Payload is the webhook body sent for a qualifying record.
type Payload struct {
	ExternalID       string  `json:"externalId"`
	Name             string  `json:"name"`
	ApproachDate     string  `json:"approachDate"`
	DiameterKm       float64 `json:"diameterKm"`
	VelocityKmPerSec float64 `json:"velocityKmPerSec"`
	MissDistanceAU   float64 `json:"missDistanceAu"`
	Hazardous        bool    `json:"hazardous"`
}

func NewPayload(r Record) Payload {
	return Payload{
		ExternalID:       r.ExternalID,
		Name:             r.Name,
		ApproachDate:     FormatDate(r.ApproachDate),
		DiameterKm:       r.DiameterKm,
		VelocityKmPerSec: r.VelocityKmPerSec,
		MissDistanceAU:   r.MissDistanceAU,
		Hazardous:        r.Hazardous,
	}
}

type MessageKind string

const (
	KindMessage   MessageKind = "message"
	KindHeartbeat MessageKind = "heartbeat"
)

// Message is one item handed to a live stream reader. Data holds the
// serialized record for KindMessage and "ping" for KindHeartbeat.
type Message struct {
	Kind MessageKind `json:"event"`
	Data string      `json:"data"`
}

func Heartbeat() Message {
	return Message{Kind: KindHeartbeat, Data: "ping"}
}

func (m Message) IsHeartbeat() bool {
	return m.Kind == KindHeartbeat
}

func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}

func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
