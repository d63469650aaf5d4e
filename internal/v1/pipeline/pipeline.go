// Package pipeline runs one client<->upstream connection pair: the message
// codec, the connection state machine, and the bridging of client,
// upstream, and bounce-routed traffic onto a single outbound socket. It is
// the proxy's busiest package, grounded on the teacher's three-goroutine
// relay loop (select over client-read/upstream-read/done), generalized from
// a byte-passthrough relay into the full interception pipeline the
// specification describes.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/apxproxy/apx/internal/v1/codec"
	"github.com/apxproxy/apx/internal/v1/collab"
	"github.com/apxproxy/apx/internal/v1/datapkg"
	"github.com/apxproxy/apx/internal/v1/logging"
	"github.com/apxproxy/apx/internal/v1/metrics"
	"github.com/apxproxy/apx/internal/v1/registry"
	"github.com/apxproxy/apx/internal/v1/sharedstate"
	"github.com/apxproxy/apx/internal/v1/state"
	"github.com/apxproxy/apx/internal/v1/transport"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/apxproxy/apx/internal/v1/pipeline")

// authWatchdogTimeout closes a connection that has not reached LoggedIn
// within this window.
const authWatchdogTimeout = 60 * time.Second

// Shared holds every process-wide collaborator a connection pipeline reads
// or writes. Connections never hold their own copies; everything here is
// passed in explicitly, matching the spec's "no implicit globals" note.
type Shared struct {
	Passwords    *sharedstate.Passwords
	Exclusions   *sharedstate.ExclusionSet
	Probability  *sharedstate.Probability
	DataPackage  *datapkg.Cache
	Registry     *registry.Registry
	Signals      collab.SignalSink
	RoomID       string
	InjectNoText bool
	UpstreamURL  string
}

// connection is the mutable state of one client<->upstream pair, threaded
// through the three cooperative tasks.
type connection struct {
	shared *Shared

	client       transport.Conn
	upstream     transport.Conn
	remoteAddr   string
	clientID     registry.ClientID
	responseCh   chan registry.Response
	state        *state.Machine
	registered   bool
	registeredMu sync.Mutex

	done chan struct{}
	once sync.Once
}

// Run is a transport.ConnectionHandler: it dials the upstream, wires up the
// three cooperative relay tasks plus the authentication watchdog, and
// blocks until every task has exited.
func Run(shared *Shared) transport.ConnectionHandler {
	return func(ctx context.Context, client transport.Conn, remoteAddr string) {
		metrics.IncConnection()
		defer metrics.DecConnection()

		upstream, err := transport.DialUpstream(ctx, shared.UpstreamURL)
		if err != nil {
			logging.Error(ctx, "failed to dial upstream", zap.Error(err), zap.String("remote_addr", remoteAddr))
			client.Close()
			return
		}

		c := &connection{
			shared:     shared,
			client:     client,
			upstream:   upstream,
			remoteAddr: remoteAddr,
			clientID:   registry.AllocateID(),
			responseCh: registry.NewResponseChannel(),
			state:      state.New(),
			done:       make(chan struct{}),
		}

		c.run(ctx)
	}
}

func (c *connection) terminate() {
	c.once.Do(func() {
		close(c.done)
		// Closing both sockets unblocks any task still waiting in
		// ReadMessage, so every task exits once any one of them does.
		c.client.Close()
		c.upstream.Close()
	})
}

func (c *connection) run(ctx context.Context) {
	ctx = logging.WithClientID(ctx, uint64(c.clientID))
	ctx = logging.WithRoomID(ctx, c.shared.RoomID)

	ctx, span := tracer.Start(ctx, "pipeline.connection",
		trace.WithAttributes(
			attribute.String("apx.room_id", c.shared.RoomID),
			attribute.String("apx.remote_addr", c.remoteAddr),
		),
	)
	defer span.End()

	var wg sync.WaitGroup
	wg.Add(3)

	go func() { defer wg.Done(); defer c.terminate(); c.clientToUpstream(ctx) }()
	go func() { defer wg.Done(); defer c.terminate(); c.upstreamToClient(ctx) }()
	go func() { defer wg.Done(); defer c.terminate(); c.writeResponses(ctx) }()

	watchdog := time.AfterFunc(authWatchdogTimeout, func() {
		c.state.Mu.Lock()
		loggedIn := c.state.Phase() == state.LoggedIn
		c.state.Mu.Unlock()
		if !loggedIn {
			logging.Warn(ctx, "authentication watchdog fired, closing connection", zap.String("remote_addr", c.remoteAddr))
			c.terminate()
		}
	})

	wg.Wait()
	watchdog.Stop()

	c.client.Close()
	c.upstream.Close()

	registered := c.isRegistered()
	span.SetAttributes(attribute.Bool("apx.registered", registered))

	if registered {
		c.shared.Registry.Deregister(c.clientID)
		metrics.ConnectionsClosed.WithLabelValues("normal").Inc()
	} else {
		metrics.ConnectionsClosed.WithLabelValues("pre_auth").Inc()
	}
}

func (c *connection) isRegistered() bool {
	c.registeredMu.Lock()
	defer c.registeredMu.Unlock()
	return c.registered
}

func (c *connection) markRegistered() {
	c.registeredMu.Lock()
	defer c.registeredMu.Unlock()
	c.registered = true
}

// sendRaw enqueues a pre-serialized frame for the response writer. Used for
// cached DataPackage responses and relayed upstream frames; Bounced fanout
// from other connections is enqueued on the same channel by the registry.
func (c *connection) sendRaw(raw string) bool {
	select {
	case c.responseCh <- registry.Response{Kind: registry.ResponseRaw, Raw: raw}:
		return true
	default:
		return false
	}
}

func (c *connection) sendValues(cmds []codec.Command) bool {
	select {
	case c.responseCh <- registry.Response{Kind: registry.ResponseValues, Values: cmds}:
		return true
	default:
		return false
	}
}

func (c *connection) sendPong(payload []byte) bool {
	select {
	case c.responseCh <- registry.Response{Kind: registry.ResponsePong, Pong: payload}:
		return true
	default:
		return false
	}
}

// writeResponses is the sole writer to the client socket: it multiplexes
// mutated upstream frames, synthesized command lists, Bounced fanout
// deliveries, and pong replies, all funneled through responseCh.
func (c *connection) writeResponses(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case resp := <-c.responseCh:
			var err error
			switch resp.Kind {
			case registry.ResponseRaw:
				err = c.client.WriteMessage(websocket.TextMessage, []byte(resp.Raw))
			case registry.ResponseValues:
				var payload []byte
				payload, err = codec.Serialize(resp.Values)
				if err == nil {
					err = c.client.WriteMessage(websocket.TextMessage, payload)
				}
			case registry.ResponsePong:
				err = c.client.WriteMessage(websocket.PongMessage, resp.Pong)
			}
			if err != nil {
				logging.Debug(ctx, "write to client failed", zap.Error(err))
				return
			}
		}
	}
}
