package transit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"legsync/internal/legs"
)

// DefaultPlannerURL is the Helsinki region OpenTripPlanner plan endpoint.
const DefaultPlannerURL = "http://api.digitransit.fi/routing/v1/routers/hsl/plan"

// Query is one journey planner request.
type Query struct {
	From, To        legs.Coordinate
	At              time.Time // departure time, formatted in its own location
	Itineraries     int
	MaxWalkDistance float64 // meters
}

// Response mirrors the OpenTripPlanner plan payload. Plan is nil when the
// planner could not route, in which case Error usually says why.
type Response struct {
	Plan  *Plan      `json:"plan"`
	Error *PlanError `json:"error"`
}

type Plan struct {
	Itineraries []Itinerary `json:"itineraries"`
}

type PlanError struct {
	ID  int    `json:"id"`
	Msg string `json:"msg"`
}

type Itinerary struct {
	Duration  int64        `json:"duration"`  // seconds
	StartTime int64        `json:"startTime"` // epoch ms
	EndTime   int64        `json:"endTime"`   // epoch ms
	Legs      []PlannedLeg `json:"legs"`
}

type PlannedLeg struct {
	Mode       string  `json:"mode"`
	Route      string  `json:"route"`
	TransitLeg bool    `json:"transitLeg"`
	Duration   float64 `json:"duration"` // seconds
	StartTime  int64   `json:"startTime"`
	EndTime    int64   `json:"endTime"`
}

func (it Itinerary) TotalDuration() time.Duration { return time.Duration(it.Duration) * time.Second }

func (it Itinerary) TransitLegs() int {
	n := 0
	for _, l := range it.Legs {
		if l.TransitLeg {
			n++
		}
	}
	return n
}

// LegDuration truncates the planner's fractional seconds.
func (l PlannedLeg) LegDuration() time.Duration {
	return time.Duration(int64(l.Duration)) * time.Second
}

type Planner interface {
	Plan(ctx context.Context, q Query) (*Response, error)
}

// HTTPPlanner queries an OpenTripPlanner compatible plan endpoint with GET.
type HTTPPlanner struct {
	url    string
	client *http.Client
}

func NewHTTPPlanner(endpoint string, timeout time.Duration) *HTTPPlanner {
	if endpoint == "" {
		endpoint = DefaultPlannerURL
	}
	return &HTTPPlanner{url: endpoint, client: &http.Client{Timeout: timeout}}
}

func place(c legs.Coordinate) string {
	return strconv.FormatFloat(c.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(c.Lon, 'f', -1, 64)
}

func (p *HTTPPlanner) Plan(ctx context.Context, q Query) (*Response, error) {
	v := url.Values{}
	v.Set("fromPlace", place(q.From))
	v.Set("toPlace", place(q.To))
	v.Set("date", q.At.Format(time.DateOnly))
	v.Set("time", q.At.Format(time.TimeOnly))
	v.Set("numItineraries", strconv.Itoa(q.Itineraries))
	v.Set("maxWalkDistance", strconv.FormatFloat(q.MaxWalkDistance, 'f', -1, 64))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url+"?"+v.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build plan request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("plan request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// OTP reports routing failures as a JSON error object, sometimes with a
	// non-200 status; only decoding failures are treated as transport errors.
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode plan response (HTTP %d): %w", resp.StatusCode, err)
	}
	return &out, nil
}
