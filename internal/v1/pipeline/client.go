package pipeline

import (
	"context"

	"github.com/apxproxy/apx/internal/v1/codec"
	"github.com/apxproxy/apx/internal/v1/collab"
	"github.com/apxproxy/apx/internal/v1/logging"
	"github.com/apxproxy/apx/internal/v1/metrics"
	"github.com/apxproxy/apx/internal/v1/state"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const countdownCommandName = "countdown"

// clientToUpstream relays the client's half of the pair, intercepting and
// rewriting commands per §4.5 before forwarding the remainder upstream.
func (c *connection) clientToUpstream(ctx context.Context) {
	if wsClient, ok := c.client.(*websocket.Conn); ok {
		wsClient.SetPingHandler(func(appData string) error {
			c.sendPong([]byte(appData))
			return nil
		})
	}

	for {
		select {
		case <-c.done:
			return
		default:
		}

		messageType, data, err := c.client.ReadMessage()
		if err != nil {
			logging.Debug(ctx, "client read closed", zap.Error(err))
			return
		}

		if messageType != websocket.TextMessage {
			if messageType == websocket.BinaryMessage {
				if codec.Oversize(data) {
					logging.Warn(ctx, "dropping oversize client binary frame", zap.Int("bytes", len(data)))
					continue
				}
				if err := c.upstream.WriteMessage(messageType, data); err != nil {
					return
				}
			}
			continue
		}

		if codec.Oversize(data) {
			logging.Warn(ctx, "dropping oversize client frame", zap.Int("bytes", len(data)))
			continue
		}

		cmds, err := codec.Parse(data)
		if err != nil {
			logging.Warn(ctx, "malformed frame from client, closing connection", zap.Error(err))
			return
		}

		c.state.Mu.Lock()
		forward, mutated, shouldClose := c.processClientMessage(ctx, cmds)
		c.state.Mu.Unlock()

		if shouldClose {
			metrics.ConnectionsClosed.WithLabelValues("protocol_violation").Inc()
			return
		}

		for _, cmd := range forward {
			metrics.MessagesTotal.WithLabelValues(codec.Name(cmd), "client_to_upstream").Inc()
		}

		if len(forward) == 0 {
			continue
		}

		payload := data
		if mutated {
			payload, err = codec.Serialize(forward)
			if err != nil {
				logging.Error(ctx, "failed to reserialize client message", zap.Error(err))
				return
			}
		}

		if err := c.upstream.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

// processClientMessage applies the phase-specific interception rules to one
// client frame's command list. Caller must hold c.state.Mu.
func (c *connection) processClientMessage(ctx context.Context, cmds []codec.Command) (forward []codec.Command, mutated, shouldClose bool) {
	phase := c.state.Phase()

	if phase == state.WaitingForRoomInfo {
		return nil, false, true
	}

	forward = make([]codec.Command, 0, len(cmds))

	for _, cmd := range cmds {
		name := codec.Name(cmd)

		if name == "GetDataPackage" {
			c.respondDataPackage(cmd)
			continue
		}

		switch phase {
		case state.WaitingForConnect:
			if name != "Connect" {
				return nil, false, true
			}
			rewritten, didMutate := c.handleConnect(cmd)
			forward = append(forward, rewritten)
			mutated = mutated || didMutate

		case state.WaitingForConnected:
			if name == "Say" {
				if f, didMutate := c.handleSay(ctx, cmd); f != nil {
					forward = append(forward, f)
					mutated = mutated || didMutate
				}
			}
			// Every other command is dropped silently while awaiting the
			// upstream authentication verdict.

		case state.LoggedIn:
			switch name {
			case "Say":
				if f, didMutate := c.handleSay(ctx, cmd); f != nil {
					forward = append(forward, f)
					mutated = mutated || didMutate
				}
			case "Bounce":
				c.handleBounce(ctx, cmd)
			case "ConnectUpdate":
				rewritten, didMutate := c.handleConnectUpdate(cmd)
				forward = append(forward, rewritten)
				mutated = mutated || didMutate
			default:
				forward = append(forward, cmd)
			}
		}
	}

	return forward, mutated, false
}

// respondDataPackage answers a GetDataPackage from the cache without
// touching upstream, regardless of connection phase. Caller must hold
// c.state.Mu (only to keep call sites uniform; the cache itself is
// immutable and needs no lock).
func (c *connection) respondDataPackage(cmd codec.Command) {
	games := codec.StringSliceField(cmd, "games")
	exclusions := codec.StringSliceField(cmd, "exclusions")

	var resp string
	switch {
	case len(games) > 0:
		resp = c.shared.DataPackage.ResponseForGames(games)
	case len(exclusions) > 0:
		resp = c.shared.DataPackage.ResponseExcludingGames(exclusions)
	default:
		resp = c.shared.DataPackage.FullResponse()
	}

	c.sendRaw(resp)
}

// handleConnect captures the client's credentials, blanks the outbound
// password, optionally injects the NoText tag, and transitions the state
// machine to WaitingForConnected. Caller must hold c.state.Mu.
func (c *connection) handleConnect(cmd codec.Command) (codec.Command, bool) {
	password := codec.StringField(cmd, "password", "")
	tags := codec.StringSliceField(cmd, "tags")
	game := codec.StringField(cmd, "game", "")

	cmd["password"] = ""
	mutated := true

	if c.shared.InjectNoText {
		if updated, changed := codec.EnsureStringInSliceField(cmd, "tags", "NoText"); changed {
			tags = updated
		}
	}

	c.state.CaptureConnect(password, tags, game)

	return cmd, mutated
}

// handleConnectUpdate injects NoText if configured and syncs the client's
// tags in the registry. Caller must hold c.state.Mu.
func (c *connection) handleConnectUpdate(cmd codec.Command) (codec.Command, bool) {
	mutated := false
	tags := codec.StringSliceField(cmd, "tags")

	if c.shared.InjectNoText {
		if updated, changed := codec.EnsureStringInSliceField(cmd, "tags", "NoText"); changed {
			tags = updated
			mutated = true
		}
	}

	c.shared.Registry.UpdateTags(c.clientID, tags)

	return cmd, mutated
}

// handleSay enforces the length cap and the !countdown denial, synthesizing
// a local PrintJSON notice and returning nil forward when the message is
// rejected. Caller must hold c.state.Mu.
func (c *connection) handleSay(ctx context.Context, cmd codec.Command) (codec.Command, bool) {
	text := codec.StringField(cmd, "text", "")

	if len(text) > maxSayLength {
		c.sendValues(tooLongMessageNotice())
		return nil, false
	}

	if deniedChatCommand(text, countdownCommandName) {
		c.sendValues(countdownDeniedNotice())
		if info := c.state.SlotInfo(); info != nil {
			c.shared.Signals.TrySend(collab.Signal{CountdownInit: &collab.CountdownInit{Slot: info.SlotID}})
		}
		return nil, false
	}

	return cmd, false
}

// handleBounce applies the sender-side DeathLink exclusion check, emits the
// telemetry signal, and routes the bounce to matching recipients. The
// command is always dropped from the upstream-bound batch. Caller must hold
// c.state.Mu.
func (c *connection) handleBounce(ctx context.Context, cmd codec.Command) {
	tags := codec.StringSliceField(cmd, "tags")
	isDeathLink := codec.ContainsString(tags, "DeathLink")

	info := c.state.SlotInfo()
	if info == nil {
		return
	}

	if isDeathLink {
		if c.shared.Exclusions.Contains(info.SlotID) {
			return
		}

		data := codec.ObjectField(cmd, "data")
		source := codec.StringField(data, "source", "Unknown")
		cause := codec.StringField(data, "cause", "")

		c.shared.Signals.TrySend(collab.Signal{
			DeathLink: &collab.DeathLink{Slot: info.SlotID, Source: source, Cause: cause},
		})
	}

	c.shared.Registry.RouteBounce(ctx, c.clientID, cmd, c.shared.Exclusions, c.shared.Probability, c.shared.RoomID)
}
