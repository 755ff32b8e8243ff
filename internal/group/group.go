package group

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"htm/domain"
	"htm/internal/ltm"
	"htm/internal/workingmemory"
	appErrors "htm/pkg/errors"
)

// RobotGroup maintains a shared working-memory view across N robots with
// active/passive roles and instant failover (spec §4.6). It holds
// membership maps and each member's in-process WorkingMemory, but does not
// own the robots' own state: removing a member only clears its persisted
// working_memory flags, never the underlying nodes.
//
// Grounded on the teacher's interfaces/websocket/hub.go (fan-out to
// registered members under one mutex) and application/events/
// websocket_listener.go (subscribe-and-dispatch loop), here driven by
// PubSubChannel's Postgres NOTIFY feed instead of a websocket hub.
type RobotGroup struct {
	mu       sync.Mutex
	name     string
	active   map[string]*domain.Robot
	passive  map[string]*domain.Robot
	memories map[string]*workingmemory.WorkingMemory

	ltm     *ltm.LongTermMemory
	channel *PubSubChannel
	logger  *zap.Logger

	nodesSynced     int
	evictionsSynced int
}

// New builds an empty RobotGroup with its own PubSubChannel.
func New(name string, longTerm *ltm.LongTermMemory, channel *PubSubChannel, logger *zap.Logger) *RobotGroup {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &RobotGroup{
		name:     name,
		active:   make(map[string]*domain.Robot),
		passive:  make(map[string]*domain.Robot),
		memories: make(map[string]*workingmemory.WorkingMemory),
		ltm:      longTerm,
		channel:  channel,
		logger:   logger,
	}
	if channel != nil {
		channel.OnChange(g.handleNotification)
	}
	return g
}

func (g *RobotGroup) isMemberLocked(name string) bool {
	if _, ok := g.active[name]; ok {
		return true
	}
	_, ok := g.passive[name]
	return ok
}

func (g *RobotGroup) memberNamesLocked() []string {
	names := make([]string, 0, len(g.active)+len(g.passive))
	for name := range g.active {
		names = append(names, name)
	}
	for name := range g.passive {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (g *RobotGroup) activeNamesLocked() []string {
	names := make([]string, 0, len(g.active))
	for name := range g.active {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (g *RobotGroup) addMember(ctx context.Context, name string, robot *domain.Robot, wm *workingmemory.WorkingMemory, active bool) error {
	g.mu.Lock()
	if g.isMemberLocked(name) {
		g.mu.Unlock()
		return appErrors.NewValidation("robot " + name + " is already a member of this group")
	}
	hadMembers := len(g.active)+len(g.passive) > 0
	if active {
		g.active[name] = robot
	} else {
		g.passive[name] = robot
	}
	g.memories[name] = wm
	g.mu.Unlock()

	if hadMembers {
		if _, err := g.SyncRobot(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// AddActive registers a new active-role member, syncing it to the union of
// existing shared nodes if the group already has members.
func (g *RobotGroup) AddActive(ctx context.Context, name string, robot *domain.Robot, wm *workingmemory.WorkingMemory) error {
	return g.addMember(ctx, name, robot, wm, true)
}

// AddPassive registers a new passive-role member, synced the same way.
func (g *RobotGroup) AddPassive(ctx context.Context, name string, robot *domain.Robot, wm *workingmemory.WorkingMemory) error {
	return g.addMember(ctx, name, robot, wm, false)
}

// Remove drops a robot from the group and clears its persisted
// working_memory flags; it never deletes the underlying nodes.
func (g *RobotGroup) Remove(ctx context.Context, name string) error {
	g.mu.Lock()
	if !g.isMemberLocked(name) {
		g.mu.Unlock()
		return appErrors.NewNotFound("robot " + name + " is not a member of this group")
	}
	delete(g.active, name)
	delete(g.passive, name)
	delete(g.memories, name)
	g.mu.Unlock()

	return g.ltm.ClearWorkingMemoryForRobot(ctx, name)
}

// Promote moves a passive member to active.
func (g *RobotGroup) Promote(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	robot, ok := g.passive[name]
	if !ok {
		return appErrors.NewNotFound("robot " + name + " is not a passive member")
	}
	delete(g.passive, name)
	g.active[name] = robot
	return nil
}

// Demote moves an active member to passive; demoting the last active robot
// is an error.
func (g *RobotGroup) Demote(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	robot, ok := g.active[name]
	if !ok {
		return appErrors.NewNotFound("robot " + name + " is not an active member")
	}
	if len(g.active) == 1 {
		return appErrors.NewValidation("cannot demote the last active robot")
	}
	delete(g.active, name)
	g.passive[name] = robot
	return nil
}

// Failover promotes the first passive member (by name) to active.
func (g *RobotGroup) Failover() (string, error) {
	g.mu.Lock()
	names := make([]string, 0, len(g.passive))
	for name := range g.passive {
		names = append(names, name)
	}
	sort.Strings(names)
	g.mu.Unlock()

	if len(names) == 0 {
		return "", appErrors.NewValidation("robot group has no passive robots to fail over to")
	}
	chosen := names[0]
	if err := g.Promote(chosen); err != nil {
		return "", err
	}
	return chosen, nil
}

func (g *RobotGroup) pickPrimary(originator string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.active) == 0 {
		return "", appErrors.NewValidation("robot group has no active robots")
	}
	if originator != "" && g.isMemberLocked(originator) {
		return originator, nil
	}
	return g.activeNamesLocked()[0], nil
}

// Remember creates/dedupes a node via the primary robot's long-term memory
// path, syncs every other member's RobotNode and in-process WorkingMemory,
// and publishes an `added` event on the group channel (spec §4.6).
func (g *RobotGroup) Remember(ctx context.Context, content string, tokenCount int, originator string, embedding []float32, metadata map[string]any) (domain.AddResult, error) {
	primary, err := g.pickPrimary(originator)
	if err != nil {
		return domain.AddResult{}, err
	}

	res, err := g.ltm.Add(ctx, content, tokenCount, primary, embedding, metadata)
	if err != nil {
		return domain.AddResult{}, err
	}

	if err := g.ltm.SetWorkingMemory(ctx, primary, res.NodeID, true); err != nil {
		return domain.AddResult{}, err
	}
	g.mu.Lock()
	if wm, ok := g.memories[primary]; ok {
		wm.Add(res.NodeID, content, tokenCount, 0, nil, false)
	}
	members := g.memberNamesLocked()
	g.mu.Unlock()

	for _, name := range members {
		if name == primary {
			continue
		}
		if err := g.ltm.SetWorkingMemory(ctx, name, res.NodeID, true); err != nil {
			return domain.AddResult{}, err
		}
		g.mu.Lock()
		if wm, ok := g.memories[name]; ok {
			wm.AddFromSync(res.NodeID, content, tokenCount, 0, nil)
		}
		g.mu.Unlock()
	}

	if g.channel != nil {
		if err := g.channel.Notify(ctx, EventAdded, res.NodeID, primary); err != nil {
			g.logger.Warn("group remember: failed to publish added event", zap.Error(err))
		}
	}
	return res, nil
}

// ClearWorkingMemory clears every member's persisted working_memory flags,
// clears one live member's in-process cache, and publishes `cleared`.
func (g *RobotGroup) ClearWorkingMemory(ctx context.Context) error {
	g.mu.Lock()
	members := g.memberNamesLocked()
	g.mu.Unlock()

	for _, name := range members {
		if err := g.ltm.ClearWorkingMemoryForRobot(ctx, name); err != nil {
			return err
		}
	}

	var clearedBy string
	g.mu.Lock()
	for _, name := range members {
		if wm, ok := g.memories[name]; ok {
			wm.ClearFromSync()
			clearedBy = name
			break
		}
	}
	g.mu.Unlock()

	if g.channel != nil {
		if err := g.channel.Notify(ctx, EventCleared, "", clearedBy); err != nil {
			g.logger.Warn("group clear_working_memory: failed to publish cleared event", zap.Error(err))
		}
	}
	return nil
}

// TransferWorkingMemory copies from's working_memory=true RobotNodes onto
// to's, optionally clearing the source's flags afterward.
func (g *RobotGroup) TransferWorkingMemory(ctx context.Context, from, to string, clearSource bool) error {
	ids, err := g.ltm.WorkingMemoryNodeIDs(ctx, from)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := g.ltm.SetWorkingMemory(ctx, to, id, true); err != nil {
			return err
		}
	}
	if clearSource {
		for _, id := range ids {
			if err := g.ltm.SetWorkingMemory(ctx, from, id, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// SyncRobot upserts name's RobotNode working_memory=true for every node
// flagged in any other member, returning the number synced.
func (g *RobotGroup) SyncRobot(ctx context.Context, name string) (int, error) {
	g.mu.Lock()
	members := g.memberNamesLocked()
	g.mu.Unlock()

	seen := make(map[string]bool)
	for _, other := range members {
		if other == name {
			continue
		}
		ids, err := g.ltm.WorkingMemoryNodeIDs(ctx, other)
		if err != nil {
			return 0, err
		}
		for _, id := range ids {
			seen[id] = true
		}
	}

	count := 0
	for id := range seen {
		if err := g.ltm.SetWorkingMemory(ctx, name, id, true); err != nil {
			return count, err
		}
		count++
	}
	g.mu.Lock()
	g.nodesSynced += count
	g.mu.Unlock()
	return count, nil
}

// InSync reports whether every member's set of working_memory=true node ids
// is identical.
func (g *RobotGroup) InSync(ctx context.Context) (bool, error) {
	g.mu.Lock()
	members := g.memberNamesLocked()
	g.mu.Unlock()

	if len(members) == 0 {
		return true, nil
	}

	var reference map[string]bool
	for i, name := range members {
		ids, err := g.ltm.WorkingMemoryNodeIDs(ctx, name)
		if err != nil {
			return false, err
		}
		set := make(map[string]bool, len(ids))
		for _, id := range ids {
			set[id] = true
		}
		if i == 0 {
			reference = set
			continue
		}
		if !setsEqual(reference, set) {
			return false, nil
		}
	}
	return true, nil
}

func setsEqual(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

// handleNotification applies a peer-originated event to every other
// member's in-process WorkingMemory (spec §4.6 "On receipt").
func (g *RobotGroup) handleNotification(n Notification) {
	ctx := context.Background()

	g.mu.Lock()
	members := g.memberNamesLocked()
	targets := make([]*workingmemory.WorkingMemory, 0, len(members))
	for _, name := range members {
		if name == n.RobotID {
			continue
		}
		if wm, ok := g.memories[name]; ok {
			targets = append(targets, wm)
		}
	}
	g.mu.Unlock()

	switch n.Event {
	case EventAdded:
		node, err := g.ltm.GetNode(ctx, n.NodeID)
		if err != nil || node == nil {
			g.logger.Warn("group pubsub: could not fetch node for added event", zap.String("node_id", n.NodeID), zap.Error(err))
			return
		}
		for _, wm := range targets {
			wm.AddFromSync(node.ID, node.Content, node.TokenCount, node.AccessCount, node.LastAccessed)
		}
		g.mu.Lock()
		g.nodesSynced += len(targets)
		g.mu.Unlock()
	case EventEvicted:
		for _, wm := range targets {
			wm.RemoveFromSync(n.NodeID)
		}
		g.mu.Lock()
		g.evictionsSynced += len(targets)
		g.mu.Unlock()
	case EventCleared:
		for _, wm := range targets {
			wm.ClearFromSync()
		}
	}
}

// Stats reports the sync counters accumulated from received notifications.
func (g *RobotGroup) Stats() (nodesSynced, evictionsSynced int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nodesSynced, g.evictionsSynced
}
