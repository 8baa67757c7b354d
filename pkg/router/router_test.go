package router_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/router"
)

func TestShortestPathIsHopMinimal(t *testing.T) {
	tb := router.NewTable("a", 0, nil)
	tb.AddLink("a", "b")
	tb.AddLink("a", "c")
	tb.LearnPath([]string{"b", "d", "e"})
	tb.LearnPath([]string{"c", "e"})

	path, ok := tb.ShortestPath("a", "e")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "c", "e"}, path)

	nh, full, err := tb.NextHop("d")
	require.NoError(t, err)
	assert.Equal(t, "b", nh)
	assert.Equal(t, []string{"a", "b", "d"}, full)

	_, _, err = tb.NextHop("zz")
	assert.ErrorIs(t, err, router.ErrNoRoute)
}

func TestDeterministicTieBreak(t *testing.T) {
	tb := router.NewTable("a", 0, nil)
	tb.AddLink("a", "y")
	tb.AddLink("a", "x")
	tb.LearnPath([]string{"y", "t"})
	tb.LearnPath([]string{"x", "t"})
	for i := 0; i < 10; i++ {
		nh, _, err := tb.NextHop("t")
		require.NoError(t, err)
		assert.Equal(t, "x", nh)
	}
}

func TestRemovePeerDropsEveryEdge(t *testing.T) {
	tb := router.NewTable("a", 0, nil)
	tb.AddLink("a", "b")
	tb.LearnPath([]string{"b", "c"})
	require.Equal(t, 2, tb.Len())

	tb.RemovePeer("b")
	assert.Equal(t, 0, tb.Len())
	assert.Empty(t, tb.Neighbors("c"))
	_, ok := tb.ShortestPath("a", "c")
	assert.False(t, ok)
}

func TestLearnedEdgesExpire(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	tb := router.NewTable("a", time.Minute, clock)
	tb.AddLink("a", "b")
	tb.LearnPath([]string{"b", "c"})

	assert.Equal(t, 0, tb.Expire(now.Add(30*time.Second)))
	assert.Equal(t, 1, tb.Expire(now.Add(2*time.Minute)))
	assert.True(t, tb.HasLink("a", "b"), "direct links do not expire")
	assert.False(t, tb.HasLink("b", "c"))
}

func TestLearningKeepsDirectFlag(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tb := router.NewTable("a", time.Minute, func() time.Time { return now })
	tb.AddLink("a", "b")
	tb.LearnPath([]string{"a", "b"})
	assert.Equal(t, 0, tb.Expire(now.Add(time.Hour)))
	assert.True(t, tb.HasLink("a", "b"))
}

func TestSetNeighborsReplacesLearnedEdges(t *testing.T) {
	tb := router.NewTable("a", 0, nil)
	tb.AddLink("a", "b")
	tb.SetNeighbors("b", []string{"a", "c", "d"})
	assert.Equal(t, []string{"a", "c", "d"}, tb.Neighbors("b"))

	tb.SetNeighbors("b", []string{"d"})
	assert.Equal(t, []string{"a", "d"}, tb.Neighbors("b"))

	routes := tb.Routes()
	require.Len(t, routes, 2)
	assert.Equal(t, router.Route{Target: "b", NextHop: "b", Hops: 1, Path: []string{"a", "b"}}, routes[0])
	assert.Equal(t, 2, routes[1].Hops)
}
