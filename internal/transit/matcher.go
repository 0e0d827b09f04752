package transit

import (
	"context"
	"log"
	"time"

	"legsync/internal/legs"
)

// Result codes. A planner error id replaces CodeNoPlan when the planner
// supplied one.
const (
	CodeNoPlan    = 0
	CodeCompleted = 1
)

// Planner request outcomes reported to Metrics.
const (
	PlannerOK     = "ok"
	PlannerNoPlan = "no_plan"
	PlannerFailed = "failed"
)

// Observed is a detected vehicle leg to identify.
type Observed struct {
	From, To   legs.Coordinate
	Start, End time.Time
	Mode       string // declared transit mode, selects the tolerances
}

// Match is one planned transit leg accepted for the observed leg.
type Match struct {
	LineMode       string
	LineName       string
	ItineraryStart time.Time
	ItineraryEnd   time.Time
	LegStart       time.Time
	LegEnd         time.Time
	DurationDelta  time.Duration // |itinerary - observed|
	Shorter        bool          // itinerary shorter than observed
	StartDelta     time.Duration // planned leg start - observed start
	StartPassed    bool
}

type Result struct {
	Code       int
	MatchCount int
	BestIndex  int
	Best       *Match
}

type Metrics interface {
	PlannerRequest(outcome string, d time.Duration)
	LabelOutcome(outcome string)
}

// Matcher correlates observed vehicle legs with journey planner itineraries.
type Matcher struct {
	planner     Planner
	tol         Tolerances
	itineraries int
	loc         *time.Location
	metrics     Metrics
	now         func() time.Time
}

func NewMatcher(planner Planner, tol Tolerances, itineraries int, loc *time.Location, metrics Metrics) *Matcher {
	if itineraries <= 0 {
		itineraries = 3
	}
	if loc == nil {
		loc = time.Local
	}
	return &Matcher{planner: planner, tol: tol, itineraries: itineraries, loc: loc, metrics: metrics, now: time.Now}
}

func (m *Matcher) Tolerances() Tolerances { return m.tol }

// thisWeek moves t onto the same weekday and time of day in the current
// week, since the planner rejects dates far in the past.
func (m *Matcher) thisWeek(t time.Time) time.Time {
	t = t.In(m.loc)
	now := m.now().In(m.loc)
	days := mondayIndex(t.Weekday()) - mondayIndex(now.Weekday())
	return time.Date(now.Year(), now.Month(), now.Day()+days, t.Hour(), t.Minute(), t.Second(), 0, m.loc)
}

func mondayIndex(d time.Weekday) int { return (int(d) + 6) % 7 }

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// Match queries the planner once and returns the accepted transit legs. A
// planner failure or an empty plan yields a no-plan code, never an error.
func (m *Matcher) Match(ctx context.Context, obs Observed) Result {
	mt := m.tol.For(obs.Mode)
	start := m.thisWeek(obs.Start.Truncate(time.Second))
	observed := obs.End.Truncate(time.Second).Sub(obs.Start.Truncate(time.Second))
	end := start.Add(observed)

	q := Query{
		From:            obs.From,
		To:              obs.To,
		At:              start.Add(-m.tol.DetectionLag(mt)),
		Itineraries:     m.itineraries,
		MaxWalkDistance: 2 * m.tol.LagMeters,
	}
	began := time.Now()
	resp, err := m.planner.Plan(ctx, q)
	if err != nil {
		log.Printf("[transit] planner request %s-%s failed: %v", start.Format(time.RFC3339), end.Format(time.RFC3339), err)
		m.observe(PlannerFailed, began)
		return Result{Code: CodeNoPlan}
	}
	if resp.Plan == nil || resp.Plan.Itineraries == nil {
		m.observe(PlannerNoPlan, began)
		if resp.Error != nil {
			return Result{Code: resp.Error.ID}
		}
		return Result{Code: CodeNoPlan}
	}
	m.observe(PlannerOK, began)

	walk := m.tol.WalkMargin()
	stop := m.tol.StopMargin(mt)
	startWindow := min(stop/2+mt.Slowness(), mt.Interval())

	var matches []Match
	for _, it := range resp.Plan.Itineraries {
		if it.TransitLegs() != 1 {
			continue
		}
		total := it.TotalDuration()
		delta := abs(total - observed)
		shorter := total < observed
		if shorter && delta > mt.Slowness() {
			continue
		}
		if delta > walk+stop {
			continue
		}
		for _, pl := range it.Legs {
			if !pl.TransitLeg || abs(observed-pl.LegDuration()) > stop {
				continue
			}
			legStart := time.UnixMilli(pl.StartTime).In(m.loc)
			startDelta := legStart.Sub(start)
			if abs(startDelta) > startWindow {
				continue
			}
			// Route geometry is not compared; a time match counts as confirmed.
			routeConfirmed := true
			if !routeConfirmed {
				continue
			}
			matches = append(matches, Match{
				LineMode:       pl.Mode,
				LineName:       pl.Route,
				ItineraryStart: time.UnixMilli(it.StartTime).In(m.loc),
				ItineraryEnd:   time.UnixMilli(it.EndTime).In(m.loc),
				LegStart:       legStart,
				LegEnd:         time.UnixMilli(pl.EndTime).In(m.loc),
				DurationDelta:  delta,
				Shorter:        shorter,
				StartDelta:     startDelta,
				StartPassed:    true,
			})
		}
	}

	res := Result{Code: CodeCompleted, MatchCount: len(matches)}
	for i := range matches {
		if res.Best == nil || abs(matches[i].StartDelta) < abs(res.Best.StartDelta) {
			res.Best, res.BestIndex = &matches[i], i
		}
	}
	return res
}

func (m *Matcher) observe(outcome string, began time.Time) {
	if m.metrics != nil {
		m.metrics.PlannerRequest(outcome, time.Since(began))
	}
}
