package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"neowatch/internal/config"
)

const apophisDay = `{
  "near_earth_objects": {
    "2026-10-15": [
      {
        "id": "42",
        "name": "Apophis",
        "estimated_diameter": {"kilometers": {"estimated_diameter_max": 1}},
        "is_potentially_hazardous_asteroid": false,
        "close_approach_data": [
          {
            "close_approach_date": "2026-10-15",
            "relative_velocity": {"kilometers_per_second": "1"},
            "miss_distance": {"astronomical": "0.04"}
          },
          {
            "close_approach_date": "2040-01-01",
            "relative_velocity": {"kilometers_per_second": "9"},
            "miss_distance": {"astronomical": "0.9"}
          }
        ]
      }
    ]
  }
}`

func testDay() time.Time {
	return time.Date(2026, 10, 15, 13, 0, 0, 0, time.UTC)
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(config.FeedConfig{BaseURL: srv.URL, APIKey: "k", Timeout: 2 * time.Second}, nil)
}

func TestFetchParsesFirstApproach(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != feedPath {
			t.Errorf("path: %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("start_date") != "2026-10-15" || q.Get("end_date") != "2026-10-15" || q.Get("api_key") != "k" {
			t.Errorf("query: %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(apophisDay))
	})
	recs, err := c.Fetch(context.Background(), testDay())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records: %d", len(recs))
	}
	r := recs[0]
	if r.ExternalID != "42" || r.Name != "Apophis" {
		t.Fatalf("identity: %+v", r)
	}
	if r.VelocityKmPerSec != 1 || r.MissDistanceAU != 0.04 || r.DiameterKm != 1 || r.Hazardous {
		t.Fatalf("measurements: %+v", r)
	}
	if !r.ApproachDate.Equal(time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("date: %v", r.ApproachDate)
	}
}

func TestFetchEmptyDay(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"near_earth_objects": {}}`))
	})
	recs, err := c.Fetch(context.Background(), testDay())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected no records, got %d", len(recs))
	}
}

func TestFetchStatusError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})
	_, err := c.Fetch(context.Background(), testDay())
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if fe.Status != http.StatusTooManyRequests {
		t.Fatalf("status: %d", fe.Status)
	}
}

func TestFetchMalformedPayload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"near_earth_objects": {"2026-10-15": [{"id": "7", "name": "x",
			"estimated_diameter": {"kilometers": {"estimated_diameter_max": 1}},
			"is_potentially_hazardous_asteroid": true,
			"close_approach_data": []}]}}`))
	})
	_, err := c.Fetch(context.Background(), testDay())
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if fe.Field != "near_earth_objects[2026-10-15][0].close_approach_data" {
		t.Fatalf("field: %q", fe.Field)
	}
}

func TestFetchBadNumber(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"near_earth_objects": {"2026-10-15": [{"id": "7", "name": "x",
			"estimated_diameter": {"kilometers": {"estimated_diameter_max": 1}},
			"is_potentially_hazardous_asteroid": true,
			"close_approach_data": [{"relative_velocity": {"kilometers_per_second": "fast"},
			"miss_distance": {"astronomical": "0.1"}}]}]}}`))
	})
	_, err := c.Fetch(context.Background(), testDay())
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Op != "decode" {
		t.Fatalf("expected decode FetchError, got %v", err)
	}
}

func TestFetchNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c := NewClient(config.FeedConfig{BaseURL: url, Timeout: time.Second}, nil)
	_, err := c.Fetch(context.Background(), testDay())
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Op != "request" {
		t.Fatalf("expected request FetchError, got %v", err)
	}
}
