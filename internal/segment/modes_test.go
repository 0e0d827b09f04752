package segment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"legsync/internal/legs"
	"legsync/internal/store/memstore"
)

func TestReconcileModes(t *testing.T) {
	bus := legs.ModeLine{Mode: "BUS", Line: "18"}
	car := legs.ModeLine{Mode: legs.ActivityInVehicle}
	bike := legs.ModeLine{Mode: legs.ActivityOnBicycle}

	cases := []struct {
		name       string
		existing   legs.Modes
		desired    legs.Modes
		wantWrites int
		want       legs.Modes
	}{
		{"equal", legs.Modes{legs.SourceActivity: car}, legs.Modes{legs.SourceActivity: car}, 0, legs.Modes{legs.SourceActivity: car}},
		{"insert", nil, legs.Modes{legs.SourceActivity: car}, 1, legs.Modes{legs.SourceActivity: car}},
		{"replace", legs.Modes{legs.SourceActivity: bike}, legs.Modes{legs.SourceActivity: car}, 2, legs.Modes{legs.SourceActivity: car}},
		{"drop stale", legs.Modes{legs.SourceActivity: car, legs.SourcePlanner: bus}, legs.Modes{legs.SourceActivity: car}, 1, legs.Modes{legs.SourceActivity: car}},
		{"line change", legs.Modes{legs.SourcePlanner: bus}, legs.Modes{legs.SourcePlanner: {Mode: "BUS", Line: "55"}}, 2, legs.Modes{legs.SourcePlanner: {Mode: "BUS", Line: "55"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := memstore.New()
			id := store.PutLeg(legs.Leg{DeviceID: device, TimeStart: base, TimeEnd: base.Add(time.Minute), Activity: legs.ActivityInVehicle}, tc.existing)

			var writes int
			err := store.InTx(ctx, func(tx legs.LegTx) error {
				existing, err := tx.Modes(ctx, id)
				if err != nil {
					return err
				}
				writes, err = reconcileModes(ctx, tx, id, tc.desired, existing)
				return err
			})
			require.NoError(t, err)
			require.Equal(t, tc.wantWrites, writes)
			require.Equal(t, tc.wantWrites, store.Writes())
			require.Equal(t, tc.want, store.LegModes(id))
		})
	}
}

func TestRestrictModes(t *testing.T) {
	m := legs.Modes{
		legs.SourceActivity: {Mode: legs.ActivityWalking},
		legs.SourcePlanner:  {Mode: "TRAM", Line: "4"},
	}
	require.Equal(t, legs.Modes{legs.SourceActivity: {Mode: legs.ActivityWalking}},
		restrictModes(m, map[string]bool{legs.SourcePlanner: true}))
	require.Equal(t, m, restrictModes(m, nil))
}
