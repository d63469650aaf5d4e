package pipeline

import (
	"context"
	"math/rand/v2"
	"strconv"

	"github.com/apxproxy/apx/internal/v1/codec"
	"github.com/apxproxy/apx/internal/v1/logging"
	"github.com/apxproxy/apx/internal/v1/metrics"
	"github.com/apxproxy/apx/internal/v1/registry"
	"github.com/apxproxy/apx/internal/v1/state"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// upstreamToClient relays the upstream's half of the pair, intercepting and
// rewriting commands per §4.6 before forwarding the remainder to the client.
func (c *connection) upstreamToClient(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		messageType, data, err := c.upstream.ReadMessage()
		if err != nil {
			logging.Debug(ctx, "upstream read closed", zap.Error(err))
			return
		}

		if messageType != websocket.TextMessage {
			if messageType == websocket.BinaryMessage {
				if codec.Oversize(data) {
					logging.Warn(ctx, "dropping oversize upstream binary frame", zap.Int("bytes", len(data)))
					continue
				}
				c.sendRaw(string(data))
			}
			continue
		}

		if codec.Oversize(data) {
			logging.Warn(ctx, "dropping oversize upstream frame", zap.Int("bytes", len(data)))
			continue
		}

		cmds, err := codec.Parse(data)
		if err != nil {
			logging.Warn(ctx, "malformed frame from upstream, closing connection", zap.Error(err))
			return
		}

		c.state.Mu.Lock()
		forward, mutated, shouldClose := c.processUpstreamMessage(ctx, cmds)
		c.state.Mu.Unlock()

		if shouldClose {
			metrics.ConnectionsClosed.WithLabelValues("protocol_violation").Inc()
			return
		}

		for _, cmd := range forward {
			metrics.MessagesTotal.WithLabelValues(codec.Name(cmd), "upstream_to_client").Inc()
		}

		if len(forward) == 0 {
			continue
		}

		payload := data
		if mutated || len(forward) != len(cmds) {
			payload, err = codec.Serialize(forward)
			if err != nil {
				logging.Error(ctx, "failed to reserialize upstream message", zap.Error(err))
				return
			}
		}

		// A full response channel drops this delivery only; it is not a
		// connection-ending condition (§4.7).
		c.sendRaw(string(payload))
	}
}

// processUpstreamMessage applies the phase-specific interception rules to
// one upstream frame's command list. Caller must hold c.state.Mu.
func (c *connection) processUpstreamMessage(ctx context.Context, cmds []codec.Command) (forward []codec.Command, mutated, shouldClose bool) {
	phase := c.state.Phase()

	switch phase {
	case state.WaitingForRoomInfo:
		if len(cmds) != 1 || codec.Name(cmds[0]) != "RoomInfo" {
			return nil, false, true
		}
		cmd := cmds[0]
		cmd["password"] = true
		c.state.AdvanceToWaitingForConnect()
		return []codec.Command{cmd}, true, false

	case state.WaitingForConnect:
		// Upstream should not speak until the client's Connect arrives;
		// tolerate and discard stragglers rather than closing.
		return nil, false, false

	case state.WaitingForConnected:
		return c.processWaitingForConnected(cmds)

	case state.LoggedIn:
		forward = make([]codec.Command, 0, len(cmds))
		for _, cmd := range cmds {
			if f, ok := c.filterLoggedInCommand(ctx, cmd); ok {
				forward = append(forward, f)
			}
		}
		return forward, false, false
	}

	return nil, false, true
}

// processWaitingForConnected handles the single upstream verdict expected
// while a Connect is outstanding. Caller must hold c.state.Mu.
func (c *connection) processWaitingForConnected(cmds []codec.Command) (forward []codec.Command, mutated, shouldClose bool) {
	if len(cmds) != 1 {
		return nil, false, true
	}
	cmd := cmds[0]

	switch codec.Name(cmd) {
	case "ConnectionRefused", "DataPackage":
		return []codec.Command{cmd}, false, false

	case "Connected":
		return c.handleConnected(cmd)

	default:
		return nil, false, true
	}
}

// handleConnected validates the captured password against the expected one
// for this slot, then either reverts to WaitingForConnect with a synthesized
// refusal or registers the client and advances to LoggedIn. Caller must
// hold c.state.Mu.
func (c *connection) handleConnected(cmd codec.Command) (forward []codec.Command, mutated, shouldClose bool) {
	slot := uint32(codec.IntField(cmd, "slot", 0))
	team := uint32(codec.IntField(cmd, "team", 0))

	expected := c.shared.Passwords.Get(slot)
	captured := c.state.CapturedPassword()

	if expected != "" && expected != captured {
		refusal := []codec.Command{{"cmd": "ConnectionRefused", "errors": []string{"InvalidPassword"}}}
		c.sendValues(refusal)
		c.state.RevertToWaitingForConnect()
		return nil, false, false
	}

	displayName := extractDisplayName(cmd, slot)
	c.state.SetSlotInfo(state.SlotInfo{SlotID: slot, DisplayName: displayName})

	entry := &registry.ClientEntry{
		ID:     c.clientID,
		Slot:   slot,
		Team:   team,
		Game:   c.state.CapturedGame(),
		Tags:   c.state.CapturedTags(),
		Sender: c.responseCh,
	}
	c.shared.Registry.Register(c.clientID, entry)
	c.markRegistered()
	c.state.AdvanceToLoggedIn()

	forward = []codec.Command{cmd}
	if c.shared.InjectNoText {
		forward = append(forward, noTextWelcomeNotice()...)
		mutated = true
	}
	return forward, mutated, false
}

func extractDisplayName(connected codec.Command, slot uint32) string {
	slotInfoMap := codec.ObjectField(connected, "slot_info")
	entry := codec.ObjectField(slotInfoMap, strconv.FormatUint(uint64(slot), 10))
	return codec.StringField(entry, "name", "")
}

// filterLoggedInCommand applies the admin-noise PrintJSON suppression and
// the DeathLink exclusion/probability filter to an unexpected Bounced.
// Caller must hold c.state.Mu.
func (c *connection) filterLoggedInCommand(ctx context.Context, cmd codec.Command) (codec.Command, bool) {
	switch codec.Name(cmd) {
	case "PrintJSON":
		if isAdminNoise(cmd) {
			return nil, false
		}
		return cmd, true

	case "Bounced":
		tags := codec.StringSliceField(cmd, "tags")
		if !codec.ContainsString(tags, "DeathLink") {
			return cmd, true
		}
		info := c.state.SlotInfo()
		if info == nil {
			return cmd, true
		}
		if c.shared.Exclusions.Contains(info.SlotID) {
			return nil, false
		}
		p := c.shared.Probability.Get()
		if p < 1.0 && rand.Float64() >= p {
			return nil, false
		}
		return cmd, true

	default:
		return cmd, true
	}
}
