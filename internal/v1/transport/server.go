package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/apxproxy/apx/internal/v1/logging"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ConnectionHandler is invoked once per accepted client WebSocket connection.
// Implementations own the full lifetime of the pair (client + upstream) and
// must return once both sides are torn down.
type ConnectionHandler func(ctx context.Context, client Conn, remoteAddr string)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true }, // game clients are not browser-originated
	ReadBufferSize:    4096,
	WriteBufferSize:   4096,
	EnableCompression: true,
	WriteBufferPool: &sync.Pool{
		New: func() any { return make([]byte, 4096) },
	},
}

// Server upgrades every inbound HTTP request on its listener to a WebSocket
// and hands the connection to a ConnectionHandler.
type Server struct {
	listener *Listener
	handler  ConnectionHandler
	http     *http.Server
}

// NewServer builds a Server that serves WebSocket upgrades on ln.
func NewServer(ln *Listener, handler ConnectionHandler) *Server {
	s := &Server{listener: ln, handler: handler}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveUpgrade)
	s.http = &http.Server{Handler: mux}
	return s
}

// Serve blocks, accepting and upgrading connections until the listener closes.
func (s *Server) Serve() error {
	return s.http.Serve(s.listener)
}

// Shutdown gracefully stops accepting new connections.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) serveUpgrade(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn(ctx, "websocket upgrade failed", zap.Error(err), zap.String("remote_addr", r.RemoteAddr))
		return
	}

	s.handler(ctx, conn, r.RemoteAddr)
}

// DialUpstream opens a WebSocket connection to the Archipelago server that
// this proxy fronts, mirroring permessage-deflate support a real client
// would offer.
func DialUpstream(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout:  10 * time.Second,
		EnableCompression: true,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
