package legs

import "time"

// Mode sources. ACTIVITY entries are owned by the leg classifier, PLANNER
// entries by the transit labeler.
const (
	SourceActivity = "ACTIVITY"
	SourcePlanner  = "PLANNER"
)

// Activity types reported by the device activity recognizer.
const (
	ActivityInVehicle = "IN_VEHICLE"
	ActivityOnBicycle = "ON_BICYCLE"
	ActivityOnFoot    = "ON_FOOT"
	ActivityRunning   = "RUNNING"
	ActivityWalking   = "WALKING"
	ActivityStill     = "STILL"
	ActivityTilting   = "TILTING"
	ActivityUnknown   = "UNKNOWN"
)

// SentinelUserID is reserved for legacy unattributed data and never owns legs.
const SentinelUserID int64 = 0

type Coordinate struct {
	Lon float64
	Lat float64
}

type RankedActivity struct {
	Type       string
	Confidence int // 0..100
}

// Sample is one raw telemetry point of a device.
type Sample struct {
	DeviceID   int64
	Time       time.Time
	Coordinate Coordinate
	Accuracy   float64          // meters
	Activities []RankedActivity // at most 3, highest confidence first
}

// Leg covers the half-open interval [TimeStart, TimeEnd). An empty Activity
// marks a terminator leg.
type Leg struct {
	ID        int64
	DeviceID  int64
	UserID    *int64
	TimeStart time.Time
	TimeEnd   time.Time
	Activity  string
	Start     Coordinate
	End       Coordinate
}

func (l Leg) IsTerminator() bool { return l.Activity == "" }

func (l Leg) Duration() time.Duration { return l.TimeEnd.Sub(l.TimeStart) }

// SameFields reports whether two legs carry the same classifier-derived
// fields. ID and UserID are not compared.
func (l Leg) SameFields(o Leg) bool {
	return l.DeviceID == o.DeviceID &&
		l.TimeStart.Equal(o.TimeStart) &&
		l.TimeEnd.Equal(o.TimeEnd) &&
		l.Activity == o.Activity &&
		l.Start == o.Start &&
		l.End == o.End
}

// Overlaps uses the store's overlap rule: a leg starting inside [from, to)
// counts even when it has zero length.
func (l Leg) Overlaps(from, to time.Time) bool {
	if !l.TimeStart.Before(to) {
		return false
	}
	return l.TimeEnd.After(from) || !l.TimeStart.Before(from)
}

type ModeLine struct {
	Mode string
	Line string // empty when unknown
}

// Modes maps a detector source to the mode it assigned a leg.
type Modes map[string]ModeLine

type Mode struct {
	LegID  int64
	Source string
	ModeLine
}

// Candidate is one classifier output item.
type Candidate struct {
	Leg   Leg
	Modes Modes
}

func Int64Ptr(v int64) *int64 { return &v }
