// Package collab declares the interfaces the message pipeline uses to talk
// to collaborators outside the core proxy: a persistence backend for
// DeathLink/countdown telemetry and a lobby backend for slot passwords. The
// pipeline never imports persistence or lobby directly, only these
// interfaces, so its tests can supply fakes.
package collab

import "context"

// DeathLink is emitted when a client's Bounce carries the DeathLink tag,
// best-effort and non-blocking: the pipeline never waits on persistence.
type DeathLink struct {
	Slot   uint32
	Source string
	Cause  string // empty if the client supplied none
}

// CountdownInit is emitted when a client attempts the disallowed
// `!countdown` chat command.
type CountdownInit struct {
	Slot uint32
}

// Signal is anything the pipeline can push onto the shared signal channel.
type Signal struct {
	DeathLink     *DeathLink
	CountdownInit *CountdownInit
}

// SignalSink accepts best-effort telemetry signals. Sends must never block
// the pipeline; a full sink drops the signal.
type SignalSink interface {
	TrySend(s Signal) (sent bool)
}

// ChannelSink is a SignalSink backed by a bounded channel, matching the
// 1024-slot bound from the external interface contract.
type ChannelSink struct {
	ch chan Signal
}

// SignalChannelCapacity is the bound on the async signal channel consumed
// by the persistence collaborator.
const SignalChannelCapacity = 1024

// NewChannelSink returns a ChannelSink with the standard bounded capacity.
func NewChannelSink() *ChannelSink {
	return &ChannelSink{ch: make(chan Signal, SignalChannelCapacity)}
}

func (s *ChannelSink) TrySend(sig Signal) bool {
	select {
	case s.ch <- sig:
		return true
	default:
		return false
	}
}

// Channel exposes the underlying channel for a consumer goroutine to drain.
func (s *ChannelSink) Channel() <-chan Signal {
	return s.ch
}

// PasswordSource refreshes the slot -> password table from the lobby.
type PasswordSource interface {
	RefreshPasswords(ctx context.Context) (map[uint32]string, error)
}
