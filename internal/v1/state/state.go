// Package state implements the four-state connection authentication
// automaton shared by one client/upstream connection pair. The state mutex
// is held by the pipeline across parsing, decision, and any synthesized
// response for a single message, so this package exposes its mutex directly
// rather than locking internally per accessor.
package state

import "sync"

// Phase is one of the four states a connection moves through, strictly
// forward except for the single AuthRetry edge.
type Phase int

const (
	// WaitingForRoomInfo is the initial phase: no client frame may arrive
	// before the upstream sends RoomInfo.
	WaitingForRoomInfo Phase = iota
	// WaitingForConnect: RoomInfo observed and mutated; client must send Connect next.
	WaitingForConnect
	// WaitingForConnected: Connect intercepted and forwarded with password blanked.
	WaitingForConnected
	// LoggedIn: authentication finalized, proxy is in steady-state relay mode.
	LoggedIn
)

func (p Phase) String() string {
	switch p {
	case WaitingForRoomInfo:
		return "WaitingForRoomInfo"
	case WaitingForConnect:
		return "WaitingForConnect"
	case WaitingForConnected:
		return "WaitingForConnected"
	case LoggedIn:
		return "LoggedIn"
	default:
		return "Unknown"
	}
}

// SlotInfo is cached once the upstream's Connected command is observed.
// Created once; never reassigned during the connection.
type SlotInfo struct {
	SlotID      uint32
	DisplayName string
}

// Machine holds the per-connection phase plus the data captured while
// authenticating. Callers MUST hold Mu for the duration of reading/deciding/
// writing a single message — this mirrors the invariant that at most one
// state transition happens per message under exclusive access.
type Machine struct {
	Mu sync.Mutex

	phase Phase

	// Captured at Connect, held until the upstream verdict arrives.
	capturedPassword string
	capturedTags     []string
	capturedGame     string

	slotInfo *SlotInfo
}

// New returns a Machine in its initial phase. Callers must hold Mu while
// calling any method below.
func New() *Machine {
	return &Machine{phase: WaitingForRoomInfo}
}

// Phase returns the current phase. Caller must hold Mu.
func (m *Machine) Phase() Phase {
	return m.phase
}

// AdvanceToWaitingForConnect moves WaitingForRoomInfo -> WaitingForConnect.
// Caller must hold Mu.
func (m *Machine) AdvanceToWaitingForConnect() {
	m.phase = WaitingForConnect
}

// CaptureConnect moves WaitingForConnect -> WaitingForConnected, stashing
// the password/tags/game observed on the client's Connect command so they
// can be compared against the upstream verdict and never sent upstream.
// Caller must hold Mu.
func (m *Machine) CaptureConnect(password string, tags []string, game string) {
	m.capturedPassword = password
	m.capturedTags = tags
	m.capturedGame = game
	m.phase = WaitingForConnected
}

// RecaptureTags overwrites the captured tag set, used after NoText
// injection so stored state reflects what was actually sent. Caller must
// hold Mu.
func (m *Machine) RecaptureTags(tags []string) {
	m.capturedTags = tags
}

// CapturedPassword returns the password captured at Connect. Caller must
// hold Mu.
func (m *Machine) CapturedPassword() string {
	return m.capturedPassword
}

// CapturedTags returns the tag set captured at Connect. Caller must hold Mu.
func (m *Machine) CapturedTags() []string {
	return m.capturedTags
}

// CapturedGame returns the game captured at Connect. Caller must hold Mu.
func (m *Machine) CapturedGame() string {
	return m.capturedGame
}

// RevertToWaitingForConnect is the single permitted backward transition: an
// authentication rejection lets the client retry Connect. Caller must hold Mu.
func (m *Machine) RevertToWaitingForConnect() {
	m.phase = WaitingForConnect
}

// AdvanceToLoggedIn moves WaitingForConnected -> LoggedIn after a
// successful registry insertion. Caller must hold Mu.
func (m *Machine) AdvanceToLoggedIn() {
	m.phase = LoggedIn
}

// SetSlotInfo caches (slot, display name) on the first observed Connected.
// Caller must hold Mu.
func (m *Machine) SetSlotInfo(info SlotInfo) {
	if m.slotInfo == nil {
		m.slotInfo = &info
	}
}

// SlotInfo returns the cached slot info, or nil if not yet set. Caller must
// hold Mu.
func (m *Machine) SlotInfo() *SlotInfo {
	return m.slotInfo
}
