package relset

import (
	"sort"

	"go.bctree.io/bctree/bctx"
	"go.bctree.io/bctree/lib"
	"go.bctree.io/bctree/log"
	"go.bctree.io/bctree/loop"
)

// Authority tracks, in the authority process, which content process is
// subscribed to which set and at which epoch, plus the outstanding death
// acknowledgements that gate deletion of dead contexts.
//
// Epochs advance on the authority only when it transmits a member context
// to a peer; the unsubscribe request must quote the last epoch the peer was
// given, otherwise a newer subscription is in flight and the request is
// refused.
type Authority struct {
	logger *log.Logger
	lp     *loop.Loop

	// set -> peer -> last transmitted epoch
	subs map[lib.SetID]map[string]uint64

	pendingDeaths map[lib.ContextID]*pendingDeath
}

type pendingDeath struct {
	ctx     *bctx.Context
	waiting map[string]struct{}
}

// NewAuthority creates an empty tracker.
func NewAuthority(logger *log.Logger, lp *loop.Loop) *Authority {
	return &Authority{
		logger:        logger,
		lp:            lp,
		subs:          make(map[lib.SetID]map[string]uint64),
		pendingDeaths: make(map[lib.ContextID]*pendingDeath),
	}
}

// EnsureSubscribed records peer as a subscriber of set without advancing
// the epoch, used when the peer announces contexts of its own. Returns the
// peer's current epoch.
func (a *Authority) EnsureSubscribed(peer string, set lib.SetID) uint64 {
	a.lp.AssertInLoop()
	peers := a.subs[set]
	if peers == nil {
		peers = make(map[string]uint64)
		a.subs[set] = peers
	}
	if _, ok := peers[peer]; !ok {
		peers[peer] = 1
		a.logger.Debugf("Authority:Subscribe", "peer:%s sid:%d epoch:1", peer, set)
	}
	return peers[peer]
}

// Subscribe records a transmission of a member context of set to peer and
// returns the epoch to send along. A transmission to an already subscribed
// peer advances its epoch, invalidating any unsubscribe request that peer
// may have in flight.
func (a *Authority) Subscribe(peer string, set lib.SetID) uint64 {
	a.lp.AssertInLoop()
	peers := a.subs[set]
	if peers == nil {
		peers = make(map[string]uint64)
		a.subs[set] = peers
	}
	if _, ok := peers[peer]; ok {
		peers[peer]++
	} else {
		peers[peer] = 1
	}
	a.logger.Debugf("Authority:Subscribe", "peer:%s sid:%d epoch:%d", peer, set, peers[peer])
	return peers[peer]
}

// IsSubscribed reports whether peer currently subscribes to set.
func (a *Authority) IsSubscribed(peer string, set lib.SetID) bool {
	_, ok := a.subs[set][peer]
	return ok
}

// Subscribers returns the peers subscribed to set, in stable order.
func (a *Authority) Subscribers(set lib.SetID) []string {
	peers := make([]string, 0, len(a.subs[set]))
	for peer := range a.subs[set] {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	return peers
}

// HandleUnsubscribe processes a peer's unsubscribe request. The peer is
// dropped from the subscriber list only if the quoted epoch matches what
// the authority last handed to it; the return value is the reply to send.
func (a *Authority) HandleUnsubscribe(peer string, set lib.SetID, epoch uint64) bool {
	a.lp.AssertInLoop()
	peers := a.subs[set]
	current, ok := peers[peer]
	if !ok || current != epoch {
		a.logger.Debugf("Authority:HandleUnsubscribe",
			"peer:%s sid:%d refused, epoch:%d current:%d", peer, set, epoch, current)
		return false
	}
	delete(peers, peer)
	if len(peers) == 0 {
		delete(a.subs, set)
	}
	a.logger.Debugf("Authority:HandleUnsubscribe", "peer:%s sid:%d epoch:%d unsubscribed", peer, set, epoch)
	return true
}

// TrackDeath starts the death handshake for c: its deletion is blocked
// until every current subscriber of its set acknowledges. The returned
// peers are the ones to notify; an empty slice means the context is
// immediately deletable.
func (a *Authority) TrackDeath(c *bctx.Context) []string {
	a.lp.AssertInLoop()
	peers := a.Subscribers(c.Set().ID())
	if len(peers) == 0 {
		return nil
	}

	waiting := make(map[string]struct{}, len(peers))
	for _, peer := range peers {
		waiting[peer] = struct{}{}
	}
	a.pendingDeaths[c.ID()] = &pendingDeath{ctx: c, waiting: waiting}
	c.BlockDeletion()

	a.logger.Debugf("Authority:TrackDeath", "cid:%d waiting on %d peers", c.ID(), len(peers))
	return peers
}

// HandleDeathAck records peer's acknowledgement of a context death. The
// last acknowledgement unblocks deletion.
func (a *Authority) HandleDeathAck(peer string, id lib.ContextID) {
	a.lp.AssertInLoop()
	pd := a.pendingDeaths[id]
	if pd == nil {
		a.logger.Debugf("Authority:HandleDeathAck", "peer:%s cid:%d no pending death", peer, id)
		return
	}
	if _, ok := pd.waiting[peer]; !ok {
		return
	}
	delete(pd.waiting, peer)
	if len(pd.waiting) > 0 {
		return
	}
	delete(a.pendingDeaths, id)
	a.logger.Debugf("Authority:HandleDeathAck", "cid:%d all peers acked", id)
	pd.ctx.UnblockDeletion()
}

// PeerDisconnected force-clears everything the departing peer held: its
// subscriptions are dropped and its outstanding death acknowledgements are
// treated as received, so a crashed peer can never wedge local cleanup.
func (a *Authority) PeerDisconnected(peer string) {
	a.lp.AssertInLoop()
	for set, peers := range a.subs {
		if _, ok := peers[peer]; !ok {
			continue
		}
		delete(peers, peer)
		if len(peers) == 0 {
			delete(a.subs, set)
		}
	}
	for id, pd := range a.pendingDeaths {
		if _, ok := pd.waiting[peer]; !ok {
			continue
		}
		delete(pd.waiting, peer)
		if len(pd.waiting) == 0 {
			delete(a.pendingDeaths, id)
			pd.ctx.UnblockDeletion()
		}
	}
	a.logger.Debugf("Authority:PeerDisconnected", "peer:%s cleared", peer)
}

// Clear drops all tracker state, for the process exit hook. Deletion
// blockers are not unwound; the registry teardown releases the contexts
// wholesale.
func (a *Authority) Clear() {
	a.lp.AssertInLoop()
	a.subs = make(map[lib.SetID]map[string]uint64)
	a.pendingDeaths = make(map[lib.ContextID]*pendingDeath)
}
