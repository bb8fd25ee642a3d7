package muid_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Asteryond/statehost/muid"
)

func TestMakeIsMonotonic(t *testing.T) {
	prev := muid.Make()
	for i := 0; i < 10000; i++ {
		next := muid.Make()
		require.Greater(t, uint64(next), uint64(prev))
		prev = next
	}
}

func TestMakeIsUniqueAcrossGoroutines(t *testing.T) {
	const perWorker = 5000
	var group errgroup.Group
	results := make([][]muid.MUID, 4)
	for w := 0; w < 4; w++ {
		w := w
		group.Go(func() error {
			ids := make([]muid.MUID, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				ids = append(ids, muid.Make())
			}
			results[w] = ids
			return nil
		})
	}
	require.NoError(t, group.Wait())

	seen := map[muid.MUID]struct{}{}
	for _, ids := range results {
		for _, id := range ids {
			_, dup := seen[id]
			require.False(t, dup, "duplicate id %s", id)
			seen[id] = struct{}{}
		}
	}
}

func TestZero(t *testing.T) {
	assert.True(t, muid.MUID(0).IsZero())
	assert.False(t, muid.Make().IsZero())
}

func TestString(t *testing.T) {
	id := muid.Make()
	assert.NotEmpty(t, id.String())
	assert.NotEmpty(t, muid.MakeString())
}
