package hub

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/recasthq/recast/bus"
	"github.com/recasthq/recast/common"
)

const defaultGossipInterval = 10 * time.Second

// staleFactor times the gossip interval bounds how long a silent
// peer's view keeps counting toward the union.
const staleFactor = 3

// PresenceTracker maintains the per-workspace set of online users.
// Each instance tracks its own sessions authoritatively and learns the
// rest of the cluster from periodic summaries on the instance
// channels, so the union view is approximate with bounded staleness.
type PresenceTracker struct {
	bus      *bus.Bus
	logger   *logrus.Entry
	interval time.Duration

	mu     sync.RWMutex
	local  map[string]map[string]int
	remote map[string]*remoteView
}

// remoteView is one peer instance's last reported presence.
type remoteView struct {
	workspaces map[string][]string
	seenAt     time.Time
}

// NewPresenceTracker wires a tracker onto the bus.
func NewPresenceTracker(b *bus.Bus, gossipInterval time.Duration) *PresenceTracker {
	if gossipInterval <= 0 {
		gossipInterval = defaultGossipInterval
	}
	return &PresenceTracker{
		bus:      b,
		logger:   logrus.NewEntry(common.Logger).WithField("component", "presence"),
		interval: gossipInterval,
		local:    make(map[string]map[string]int),
		remote:   make(map[string]*remoteView),
	}
}

// Join records a session for the user. The first session of a user in
// a workspace publishes presence.join; further sessions only bump the
// refcount so parallel tabs do not flap the user's presence.
func (p *PresenceTracker) Join(ctx context.Context, workspaceID, userID string) {
	p.mu.Lock()
	users := p.local[workspaceID]
	if users == nil {
		users = make(map[string]int)
		p.local[workspaceID] = users
	}
	users[userID]++
	first := users[userID] == 1
	p.mu.Unlock()

	if !first {
		return
	}
	p.publishPresence(ctx, workspaceID, userID, bus.KindPresenceJoin, bus.PresenceOnline)
}

// Leave records a session close. The user's last session publishes
// presence.leave.
func (p *PresenceTracker) Leave(ctx context.Context, workspaceID, userID string) {
	p.mu.Lock()
	users := p.local[workspaceID]
	if users == nil || users[userID] == 0 {
		p.mu.Unlock()
		return
	}
	users[userID]--
	last := users[userID] == 0
	if last {
		delete(users, userID)
		if len(users) == 0 {
			delete(p.local, workspaceID)
		}
	}
	p.mu.Unlock()

	if !last {
		return
	}
	p.publishPresence(ctx, workspaceID, userID, bus.KindPresenceLeave, bus.PresenceOffline)
}

func (p *PresenceTracker) publishPresence(ctx context.Context, workspaceID, userID, kind, status string) {
	event := bus.PresenceEvent{
		WorkspaceID: workspaceID,
		UserID:      userID,
		Status:      status,
	}
	if err := p.bus.Publish(ctx, bus.WorkspaceTopic(workspaceID), kind, event); err != nil {
		p.logger.WithError(err).WithField("kind", kind).Warn("presence publish failed")
	}
}

// Snapshot returns the approximate set of online users in a workspace:
// this instance's view united with the last summaries of live peers.
func (p *PresenceTracker) Snapshot(workspaceID string) []string {
	cutoff := time.Now().Add(-staleFactor * p.interval)

	p.mu.RLock()
	set := make(map[string]struct{})
	for userID := range p.local[workspaceID] {
		set[userID] = struct{}{}
	}
	for _, view := range p.remote {
		if view.seenAt.Before(cutoff) {
			continue
		}
		for _, userID := range view.workspaces[workspaceID] {
			set[userID] = struct{}{}
		}
	}
	p.mu.RUnlock()

	users := make([]string, 0, len(set))
	for userID := range set {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// Run gossips this instance's local view on its instance channel until
// ctx is cancelled, pruning peers that stopped reporting.
func (p *PresenceTracker) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.gossip(ctx)
			p.prune()
		}
	}
}

func (p *PresenceTracker) gossip(ctx context.Context) {
	summary := bus.PresenceSummary{
		InstanceID: p.bus.InstanceID(),
		Workspaces: p.localView(),
	}
	topic := bus.InstanceTopic(p.bus.InstanceID())
	if err := p.bus.Publish(ctx, topic, bus.KindPresenceSummary, summary); err != nil {
		p.logger.WithError(err).Debug("presence gossip failed")
	}
}

// localView copies the local map for publication.
func (p *PresenceTracker) localView() map[string][]string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	view := make(map[string][]string, len(p.local))
	for workspaceID, users := range p.local {
		ids := make([]string, 0, len(users))
		for userID := range users {
			ids = append(ids, userID)
		}
		sort.Strings(ids)
		view[workspaceID] = ids
	}
	return view
}

func (p *PresenceTracker) prune() {
	cutoff := time.Now().Add(-staleFactor * p.interval)

	p.mu.Lock()
	for instanceID, view := range p.remote {
		if view.seenAt.Before(cutoff) {
			delete(p.remote, instanceID)
		}
	}
	p.mu.Unlock()
}

// absorb folds a peer's summary into the remote view. Own summaries
// come back through the wildcard subscription and are dropped; the
// local map is already authoritative for this instance.
func (p *PresenceTracker) absorb(env bus.Envelope) {
	if env.FromInstance(p.bus.InstanceID()) {
		return
	}
	if env.Kind != bus.KindPresenceSummary {
		return
	}

	var summary bus.PresenceSummary
	if err := env.Decode(&summary); err != nil {
		p.logger.WithError(err).Warn("dropping malformed presence summary")
		return
	}
	if summary.InstanceID == "" {
		return
	}

	p.mu.Lock()
	p.remote[summary.InstanceID] = &remoteView{
		workspaces: summary.Workspaces,
		seenAt:     time.Now(),
	}
	p.mu.Unlock()
}
