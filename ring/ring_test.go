// Copyright (c) Vireo Systems
// SPDX-License-Identifier: Apache-2.0

package ring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsEmptySlotList(t *testing.T) {
	_, err := New(nil)
	require.ErrorIs(t, err, ErrNoSlots)
}

func TestGetNodeIsDeterministic(t *testing.T) {
	r, err := New([]string{"n1", "n2", "n3"})
	require.NoError(t, err)

	for i := range 50 {
		topic := fmt.Sprintf("orders.region-%d", i)
		first := r.GetNode(topic)
		for range 10 {
			assert.Equal(t, first, r.GetNode(topic))
		}
	}
}

func TestGetNodeReturnsConfiguredSlot(t *testing.T) {
	slots := []string{"n1", "n2", "n3", "n4"}
	r, err := New(slots)
	require.NoError(t, err)

	for i := range 200 {
		node := r.GetNode(fmt.Sprintf("topic-%d", i))
		assert.Contains(t, slots, node)
	}
}

func TestGetNodeSingleSlotOwnsEverything(t *testing.T) {
	r, err := New([]string{"solo"})
	require.NoError(t, err)

	for i := range 20 {
		assert.Equal(t, "solo", r.GetNode(fmt.Sprintf("topic-%d", i)))
	}
}

func TestGetNodeSpreadsTopicsAcrossSlots(t *testing.T) {
	r, err := New([]string{"n1", "n2", "n3"})
	require.NoError(t, err)

	owners := make(map[string]int)
	for i := range 300 {
		owners[r.GetNode(fmt.Sprintf("events.shard-%d", i))]++
	}

	// Consistent hashing is not perfectly uniform, but with 300 keys
	// every slot should own at least some of them.
	for _, slot := range []string{"n1", "n2", "n3"} {
		assert.Greater(t, owners[slot], 0, "slot %s owns no topics", slot)
	}
}

func TestSlotsReturnsSortedCopy(t *testing.T) {
	r, err := New([]string{"n3", "n1", "n2"})
	require.NoError(t, err)

	slots := r.Slots()
	assert.Equal(t, []string{"n1", "n2", "n3"}, slots)

	slots[0] = "mutated"
	assert.Equal(t, []string{"n1", "n2", "n3"}, r.Slots())
}
