package segment

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"legsync/internal/legs"
)

// reconcileModes brings the stored mode entries of a leg in line with the
// desired map. Sources present in neither map are untouched. It returns the
// number of written entries (deletes plus inserts).
func reconcileModes(ctx context.Context, tx legs.LegTx, legID int64, desired, existing legs.Modes) (int, error) {
	sources := slices.Collect(maps.Keys(desired))
	for src := range existing {
		if _, ok := desired[src]; !ok {
			sources = append(sources, src)
		}
	}
	slices.Sort(sources)

	writes := 0
	for _, src := range sources {
		want, wantOK := desired[src]
		have, haveOK := existing[src]
		if wantOK && haveOK && want == have {
			continue
		}
		if haveOK {
			if err := tx.DeleteMode(ctx, legID, src); err != nil {
				return writes, fmt.Errorf("delete mode %s of leg %d: %w", src, legID, err)
			}
			writes++
		}
		if wantOK {
			if err := tx.InsertMode(ctx, legs.Mode{LegID: legID, Source: src, ModeLine: want}); err != nil {
				return writes, fmt.Errorf("insert mode %s of leg %d: %w", src, legID, err)
			}
			writes++
		}
	}
	return writes, nil
}

// restrictModes keeps only the entries whose source is not in skip.
func restrictModes(m legs.Modes, skip map[string]bool) legs.Modes {
	if len(skip) == 0 {
		return m
	}
	out := make(legs.Modes, len(m))
	for src, ml := range m {
		if !skip[src] {
			out[src] = ml
		}
	}
	return out
}
