package relset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.bctree.io/bctree/bctx"
	"go.bctree.io/bctree/lib"
	"go.bctree.io/bctree/log"
)

func newAuthorityFixture() (*Authority, *Table, *bctx.Registry) {
	logger := log.NewNullLogger()
	auth := NewAuthority(logger, nil)
	table := NewTable(lib.RoleAuthority, logger, nil, nil)
	reg := bctx.NewRegistry(lib.RoleAuthority, logger, nil, nil)
	return auth, table, reg
}

func TestSubscribeAdvancesEpoch(t *testing.T) {
	t.Parallel()
	auth, _, _ := newAuthorityFixture()

	assert.Equal(t, uint64(1), auth.Subscribe("p1", 7))
	assert.Equal(t, uint64(2), auth.Subscribe("p1", 7))
	assert.Equal(t, uint64(1), auth.Subscribe("p2", 7))
	assert.True(t, auth.IsSubscribed("p1", 7))
	assert.Equal(t, []string{"p1", "p2"}, auth.Subscribers(7))
}

func TestEnsureSubscribedDoesNotAdvanceEpoch(t *testing.T) {
	t.Parallel()
	auth, _, _ := newAuthorityFixture()

	assert.Equal(t, uint64(1), auth.EnsureSubscribed("p1", 7))
	assert.Equal(t, uint64(1), auth.EnsureSubscribed("p1", 7))

	auth.Subscribe("p1", 7)
	assert.Equal(t, uint64(2), auth.EnsureSubscribed("p1", 7))
}

func TestHandleUnsubscribeEpochMatch(t *testing.T) {
	t.Parallel()
	auth, _, _ := newAuthorityFixture()

	auth.Subscribe("p1", 7)
	epoch := auth.Subscribe("p1", 7)
	require.Equal(t, uint64(2), epoch)

	// A request quoting a superseded epoch is refused and changes nothing.
	assert.False(t, auth.HandleUnsubscribe("p1", 7, 1))
	assert.True(t, auth.IsSubscribed("p1", 7))

	assert.True(t, auth.HandleUnsubscribe("p1", 7, 2))
	assert.False(t, auth.IsSubscribed("p1", 7))

	// Unknown peers and sets are refused.
	assert.False(t, auth.HandleUnsubscribe("p1", 7, 2))
	assert.False(t, auth.HandleUnsubscribe("p9", 8, 1))
}

func TestTrackDeathWaitsForAllAcks(t *testing.T) {
	t.Parallel()
	auth, table, reg := newAuthorityFixture()

	s := table.New()
	c := reg.NewContext(s, "c", nil)
	auth.Subscribe("p1", s.ID())
	auth.Subscribe("p2", s.ID())

	c.Ref()
	c.Die()
	peers := auth.TrackDeath(c)
	require.Equal(t, []string{"p1", "p2"}, peers)
	c.Unref()
	require.Same(t, c, reg.Get(c.ID()))

	auth.HandleDeathAck("p1", c.ID())
	assert.Same(t, c, reg.Get(c.ID()))
	// Duplicate acks are ignored.
	auth.HandleDeathAck("p1", c.ID())
	assert.Same(t, c, reg.Get(c.ID()))

	auth.HandleDeathAck("p2", c.ID())
	assert.Nil(t, reg.Get(c.ID()))

	// Late acks for an already resolved death are ignored.
	auth.HandleDeathAck("p2", c.ID())
}

func TestTrackDeathWithoutSubscribers(t *testing.T) {
	t.Parallel()
	auth, table, reg := newAuthorityFixture()

	s := table.New()
	c := reg.NewContext(s, "c", nil)
	c.Ref()
	c.Die()
	assert.Empty(t, auth.TrackDeath(c))

	c.Unref()
	assert.Nil(t, reg.Get(c.ID()))
}

func TestPeerDisconnectedResolvesEverything(t *testing.T) {
	t.Parallel()
	auth, table, reg := newAuthorityFixture()

	s := table.New()
	c := reg.NewContext(s, "c", nil)
	auth.Subscribe("p1", s.ID())
	auth.Subscribe("p2", s.ID())

	c.Ref()
	c.Die()
	auth.TrackDeath(c)
	c.Unref()
	auth.HandleDeathAck("p2", c.ID())
	require.Same(t, c, reg.Get(c.ID()))

	// The crashed peer's outstanding ack counts as received and its
	// subscriptions are gone.
	auth.PeerDisconnected("p1")
	assert.Nil(t, reg.Get(c.ID()))
	assert.False(t, auth.IsSubscribed("p1", s.ID()))
	assert.True(t, auth.IsSubscribed("p2", s.ID()))
}
