package datapkg

import (
	"context"
	"fmt"

	"github.com/apxproxy/apx/internal/v1/codec"
	"github.com/apxproxy/apx/internal/v1/logging"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// upstreamConn is the minimal surface Fetch needs; gorilla's *websocket.Conn
// satisfies it, and a fake can stand in for tests.
type upstreamConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Fetch opens its own upstream connection, waits for RoomInfo, requests the
// full DataPackage, and builds a Cache from the response. It is meant to run
// once at process startup, independent of any client connection.
func Fetch(ctx context.Context, upstreamURL string) (*Cache, error) {
	dialer := websocket.Dialer{EnableCompression: true}
	conn, _, err := dialer.DialContext(ctx, upstreamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("datapkg: dial upstream: %w", err)
	}
	defer conn.Close()

	return fetchFrom(ctx, conn)
}

func fetchFrom(ctx context.Context, conn upstreamConn) (*Cache, error) {
	if err := waitForRoomInfo(conn); err != nil {
		return nil, err
	}

	request, err := codec.Serialize([]codec.Command{{"cmd": "GetDataPackage"}})
	if err != nil {
		return nil, fmt.Errorf("datapkg: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, request); err != nil {
		return nil, fmt.Errorf("datapkg: send GetDataPackage: %w", err)
	}

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("datapkg: read DataPackage: %w", err)
		}

		cmds, err := codec.Parse(frame)
		if err != nil {
			logging.Warn(ctx, "datapkg bootstrap: ignoring malformed frame while waiting for DataPackage")
			continue
		}
		for _, c := range cmds {
			if codec.Name(c) == "DataPackage" {
				return NewCache(frame)
			}
		}
	}
}

func waitForRoomInfo(conn upstreamConn) error {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("datapkg: read RoomInfo: %w", err)
		}

		cmds, err := codec.Parse(frame)
		if err != nil {
			continue
		}
		for _, c := range cmds {
			if codec.Name(c) == "RoomInfo" {
				logging.Info(context.Background(), "datapkg bootstrap: observed RoomInfo", zap.Int("commands_in_frame", len(cmds)))
				return nil
			}
		}
	}
}
