package group

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"htm/domain"
	"htm/internal/workingmemory"
	appErrors "htm/pkg/errors"
)

func newTestGroup() *RobotGroup {
	return New("test-group", nil, nil, nil)
}

func TestSanitizeChannelName_LowercasesAndEscapesUnsafeChars(t *testing.T) {
	assert.Equal(t, "htm_wm_my_group_1", sanitizeChannelName("My Group #1"))
	assert.Equal(t, "htm_wm_already_safe", sanitizeChannelName("already_safe"))
}

func TestAddActive_RejectsDuplicateMembership(t *testing.T) {
	g := newTestGroup()
	wm := workingmemory.New("a", 1000, nil)
	require.NoError(t, g.addMemberForTest("a", &domain.Robot{ID: "a"}, wm, true))

	err := g.addMemberForTest("a", &domain.Robot{ID: "a"}, wm, true)
	assert.Error(t, err)
}

func TestPromoteDemote_MovesRobotBetweenMaps(t *testing.T) {
	g := newTestGroup()
	wmA := workingmemory.New("a", 1000, nil)
	wmB := workingmemory.New("b", 1000, nil)
	require.NoError(t, g.addMemberForTest("a", &domain.Robot{ID: "a"}, wmA, true))
	require.NoError(t, g.addMemberForTest("b", &domain.Robot{ID: "b"}, wmB, false))

	require.NoError(t, g.Promote("b"))
	_, isActive := g.active["b"]
	assert.True(t, isActive)

	require.NoError(t, g.Demote("b"))
	_, isPassive := g.passive["b"]
	assert.True(t, isPassive)
}

func TestDemote_LastActiveRobotErrors(t *testing.T) {
	g := newTestGroup()
	wm := workingmemory.New("a", 1000, nil)
	require.NoError(t, g.addMemberForTest("a", &domain.Robot{ID: "a"}, wm, true))

	err := g.Demote("a")
	assert.Error(t, err)
}

func TestFailover_PromotesFirstPassiveByName(t *testing.T) {
	g := newTestGroup()
	wmA := workingmemory.New("a", 1000, nil)
	wmB := workingmemory.New("b", 1000, nil)
	wmC := workingmemory.New("c", 1000, nil)
	require.NoError(t, g.addMemberForTest("a", &domain.Robot{ID: "a"}, wmA, true))
	require.NoError(t, g.addMemberForTest("c", &domain.Robot{ID: "c"}, wmC, false))
	require.NoError(t, g.addMemberForTest("b", &domain.Robot{ID: "b"}, wmB, false))

	chosen, err := g.Failover()
	require.NoError(t, err)
	assert.Equal(t, "b", chosen)
	_, isActive := g.active["b"]
	assert.True(t, isActive)
}

func TestFailover_NoPassiveRobotsErrors(t *testing.T) {
	g := newTestGroup()
	wm := workingmemory.New("a", 1000, nil)
	require.NoError(t, g.addMemberForTest("a", &domain.Robot{ID: "a"}, wm, true))

	_, err := g.Failover()
	assert.Error(t, err)
}

func TestSetsEqual(t *testing.T) {
	assert.True(t, setsEqual(map[string]bool{"x": true, "y": true}, map[string]bool{"y": true, "x": true}))
	assert.False(t, setsEqual(map[string]bool{"x": true}, map[string]bool{"x": true, "y": true}))
}

// addMemberForTest bypasses addMember's SyncRobot call (which needs a live
// ltm) so membership-map logic can be unit tested without a database.
func (g *RobotGroup) addMemberForTest(name string, robot *domain.Robot, wm *workingmemory.WorkingMemory, active bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.isMemberLocked(name) {
		return appErrors.NewValidation("robot " + name + " is already a member of this group")
	}
	if active {
		g.active[name] = robot
	} else {
		g.passive[name] = robot
	}
	g.memories[name] = wm
	return nil
}
