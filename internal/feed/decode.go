package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"neowatch/internal/model"
)

// number accepts both JSON numbers and numeric strings; the upstream feed
// sends velocities and distances as strings and diameters as numbers.
type number struct {
	v   float64
	set bool
}

func (n *number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("not a number: %q", s)
		}
		n.v, n.set = f, true
		return nil
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("not a number: %s", data)
	}
	n.v, n.set = f, true
	return nil
}

type feedResponse struct {
	NearEarthObjects map[string][]feedItem `json:"near_earth_objects"`
}

type feedItem struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Hazardous         *bool  `json:"is_potentially_hazardous_asteroid"`
	EstimatedDiameter struct {
		Kilometers struct {
			Max number `json:"estimated_diameter_max"`
		} `json:"kilometers"`
	} `json:"estimated_diameter"`
	CloseApproachData []approach `json:"close_approach_data"`
}

type approach struct {
	Date             string `json:"close_approach_date"`
	RelativeVelocity struct {
		KmPerSec number `json:"kilometers_per_second"`
	} `json:"relative_velocity"`
	MissDistance struct {
		Astronomical number `json:"astronomical"`
	} `json:"miss_distance"`
}

var errMissing = errors.New("missing field")

type fieldError struct {
	field string
	err   error
}

func (e *fieldError) Error() string { return e.field + ": " + e.err.Error() }
func (e *fieldError) Unwrap() error { return e.err }

// decodeDay parses a feed body and returns the records listed under day.
// Only the first close approach of each item is used.
func decodeDay(body []byte, day time.Time) ([]model.Record, error) {
	var resp feedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &fieldError{field: "body", err: err}
	}
	if resp.NearEarthObjects == nil {
		return nil, &fieldError{field: "near_earth_objects", err: errMissing}
	}
	key := model.FormatDate(day)
	items := resp.NearEarthObjects[key]
	out := make([]model.Record, 0, len(items))
	for i, item := range items {
		rec, err := normalizeItem(item, day)
		if err != nil {
			var fe *fieldError
			if errors.As(err, &fe) {
				fe.field = fmt.Sprintf("near_earth_objects[%s][%d].%s", key, i, fe.field)
			}
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func normalizeItem(item feedItem, day time.Time) (model.Record, error) {
	id := strings.TrimSpace(item.ID)
	if id == "" {
		return model.Record{}, &fieldError{field: "id", err: errMissing}
	}
	if len(item.CloseApproachData) == 0 {
		return model.Record{}, &fieldError{field: "close_approach_data", err: errMissing}
	}
	first := item.CloseApproachData[0]
	approachDay := day
	if s := strings.TrimSpace(first.Date); s != "" {
		parsed, err := model.ParseDate(s)
		if err != nil {
			return model.Record{}, &fieldError{field: "close_approach_data[0].close_approach_date", err: err}
		}
		approachDay = parsed
	}
	if !first.RelativeVelocity.KmPerSec.set {
		return model.Record{}, &fieldError{field: "close_approach_data[0].relative_velocity.kilometers_per_second", err: errMissing}
	}
	if !first.MissDistance.Astronomical.set {
		return model.Record{}, &fieldError{field: "close_approach_data[0].miss_distance.astronomical", err: errMissing}
	}
	if !item.EstimatedDiameter.Kilometers.Max.set {
		return model.Record{}, &fieldError{field: "estimated_diameter.kilometers.estimated_diameter_max", err: errMissing}
	}
	if item.Hazardous == nil {
		return model.Record{}, &fieldError{field: "is_potentially_hazardous_asteroid", err: errMissing}
	}
	rec := model.Record{
		ExternalID:       id,
		Name:             strings.TrimSpace(item.Name),
		ApproachDate:     approachDay,
		DiameterKm:       item.EstimatedDiameter.Kilometers.Max.v,
		VelocityKmPerSec: first.RelativeVelocity.KmPerSec.v,
		MissDistanceAU:   first.MissDistance.Astronomical.v,
		Hazardous:        *item.Hazardous,
	}
	if rec.DiameterKm < 0 || rec.VelocityKmPerSec < 0 || rec.MissDistanceAU < 0 {
		return model.Record{}, &fieldError{field: "close_approach_data[0]", err: errors.New("negative measurement")}
	}
	return rec, nil
}
