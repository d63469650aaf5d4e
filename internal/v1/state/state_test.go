package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitialPhase(t *testing.T) {
	m := New()
	m.Mu.Lock()
	defer m.Mu.Unlock()
	assert.Equal(t, WaitingForRoomInfo, m.Phase())
}

func TestHappyPathTransitions(t *testing.T) {
	m := New()
	m.Mu.Lock()

	m.AdvanceToWaitingForConnect()
	assert.Equal(t, WaitingForConnect, m.Phase())

	m.CaptureConnect("secret", []string{"DeathLink"}, "Game A")
	assert.Equal(t, WaitingForConnected, m.Phase())
	assert.Equal(t, "secret", m.CapturedPassword())
	assert.Equal(t, []string{"DeathLink"}, m.CapturedTags())
	assert.Equal(t, "Game A", m.CapturedGame())

	m.AdvanceToLoggedIn()
	assert.Equal(t, LoggedIn, m.Phase())

	m.SetSlotInfo(SlotInfo{SlotID: 3, DisplayName: "p"})
	assert.Equal(t, uint32(3), m.SlotInfo().SlotID)

	m.Mu.Unlock()
}

func TestAuthRetryEdge(t *testing.T) {
	m := New()
	m.Mu.Lock()
	defer m.Mu.Unlock()

	m.AdvanceToWaitingForConnect()
	m.CaptureConnect("wrong", nil, "Game A")
	assert.Equal(t, WaitingForConnected, m.Phase())

	m.RevertToWaitingForConnect()
	assert.Equal(t, WaitingForConnect, m.Phase())
}

func TestSlotInfoSetOnce(t *testing.T) {
	m := New()
	m.Mu.Lock()
	defer m.Mu.Unlock()

	m.SetSlotInfo(SlotInfo{SlotID: 1, DisplayName: "first"})
	m.SetSlotInfo(SlotInfo{SlotID: 2, DisplayName: "second"})

	assert.Equal(t, uint32(1), m.SlotInfo().SlotID)
	assert.Equal(t, "first", m.SlotInfo().DisplayName)
}
