package legs

import (
	"context"
	"time"
)

// Telemetry is the read-only sample source.
type Telemetry interface {
	Devices(ctx context.Context) ([]int64, error)
	// SampleBounds returns the first and last sample time of a device;
	// ok is false when the device has no samples.
	SampleBounds(ctx context.Context, deviceID int64) (first, last time.Time, ok bool, err error)
	// Samples returns samples with from <= time <= to, ordered by time.
	Samples(ctx context.Context, deviceID int64, from, to time.Time) ([]Sample, error)
}

// LegTx is the set of leg and mode operations available inside one
// reconciliation unit.
type LegTx interface {
	FindIdentical(ctx context.Context, leg Leg) (id int64, ok bool, err error)
	// Overlapping returns legs of the device overlapping [from, to) ordered by
	// time_start, terminators included.
	Overlapping(ctx context.Context, deviceID int64, from, to time.Time) ([]Leg, error)
	InsertLeg(ctx context.Context, leg Leg) (int64, error)
	// UpdateLeg rewrites all fields of leg.ID and clears its user.
	UpdateLeg(ctx context.Context, leg Leg) error
	DeleteLeg(ctx context.Context, id int64) error
	// DeleteContained removes legs of the device lying within [from, to].
	DeleteContained(ctx context.Context, deviceID int64, from, to time.Time) ([]int64, error)
	Modes(ctx context.Context, legID int64) (Modes, error)
	InsertMode(ctx context.Context, m Mode) error
	DeleteMode(ctx context.Context, legID int64, source string) error
}

// DeviceLocker hands out the single-writer lock of a device. Every writer of
// a device's legs, user links and modes holds it while writing.
type DeviceLocker interface {
	// LockDevice takes the lock; ok is false when another writer holds it.
	LockDevice(ctx context.Context, deviceID int64) (release func(), ok bool, err error)
}

// LegStore is the persisted leg table as seen by the reconciler.
type LegStore interface {
	Telemetry
	// LastLegEnd is the max time_end over all legs of the device, terminators
	// included.
	LastLegEnd(ctx context.Context, deviceID int64) (time.Time, bool, error)
	// RecentLegStarts returns time_start of the n most recent non-terminator
	// legs, newest first.
	RecentLegStarts(ctx context.Context, deviceID int64, n int) ([]time.Time, error)
	DeviceLocker
	InTx(ctx context.Context, fn func(tx LegTx) error) error
}

// OwnershipStore exposes owned legs, i.e. legs joined to their device's
// current owner regardless of the leg's stored user.
type OwnershipStore interface {
	DeviceLocker
	Owners(ctx context.Context) ([]int64, error)
	// OwnedDevices lists the devices currently owned by the user.
	OwnedDevices(ctx context.Context, userID int64) ([]int64, error)
	EarliestUnattached(ctx context.Context, userID int64) (time.Time, bool, error)
	EarliestAttachedOverlappingUnattached(ctx context.Context, userID int64) (time.Time, bool, error)
	EarliestOwned(ctx context.Context, userID int64) (time.Time, bool, error)
	// LastAttachedEnd is the latest time_end <= before of legs attached to the user.
	LastAttachedEnd(ctx context.Context, userID int64, before time.Time) (time.Time, bool, error)
	// OwnedLegsEndingAfter lists owned non-terminator legs with time_end > after,
	// ordered by time_end, then time_start descending, then id.
	OwnedLegsEndingAfter(ctx context.Context, userID int64, after time.Time) ([]Leg, error)
	// AttachedLegsEndingAfter lists non-terminator legs attached to the user
	// with time_end > after, whoever owns their device now.
	AttachedLegsEndingAfter(ctx context.Context, userID int64, after time.Time) ([]Leg, error)
	SetLegUser(ctx context.Context, legID int64, userID *int64) error
}

// LegWithModes is a leg together with its mode entries.
type LegWithModes struct {
	Leg   Leg
	Modes Modes
}

// LabelCursor is a position in the (time_start, id) descending order of
// vehicle legs.
type LabelCursor struct {
	TimeStart time.Time
	ID        int64
}

// Before reports whether the leg sorts after the cursor position, i.e.
// (time_start, id) < (c.TimeStart, c.ID).
func (c LabelCursor) Before(l Leg) bool {
	if !l.TimeStart.Equal(c.TimeStart) {
		return l.TimeStart.Before(c.TimeStart)
	}
	return l.ID < c.ID
}

type LabelStore interface {
	DeviceLocker
	// UnlabeledVehicleLegs returns up to limit IN_VEHICLE legs positioned
	// before the cursor and lacking a mode entry from source, ordered by
	// time_start then id, both descending.
	UnlabeledVehicleLegs(ctx context.Context, source string, after LabelCursor, limit int) ([]LegWithModes, error)
	// UpsertMode writes the mode entry of leg from source. written is false
	// when the stored leg is gone or no longer has leg's fields.
	UpsertMode(ctx context.Context, leg Leg, source string, ml ModeLine) (written bool, err error)
}
