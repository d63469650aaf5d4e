// Package lobby fetches per-slot passwords from the external lobby service
// that owns room membership, grounded on the original refresh_login_info
// request (GET /api/room/<room_id>/slots_passwords, X-Api-Key header).
package lobby

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/apxproxy/apx/internal/v1/logging"
	"github.com/apxproxy/apx/internal/v1/metrics"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// slotPasswordInfo mirrors the lobby's per-slot JSON record.
type slotPasswordInfo struct {
	SlotNumber uint32  `json:"slot_number"`
	PlayerName string  `json:"player_name"`
	Password   *string `json:"password"`
}

// Client fetches the slot -> password table from the lobby service, wrapped
// in a circuit breaker so a flapping lobby never blocks proxy startup or
// an admin-triggered refresh indefinitely.
type Client struct {
	httpClient *http.Client
	rootURL    string
	apiKey     string
	roomID     string
	cb         *gobreaker.CircuitBreaker
}

// NewClient builds a lobby Client for one proxied room.
func NewClient(rootURL, apiKey, roomID string) *Client {
	st := gobreaker.Settings{
		Name:        "lobby",
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("lobby").Set(stateVal)
		},
	}

	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		rootURL:    rootURL,
		apiKey:     apiKey,
		roomID:     roomID,
		cb:         gobreaker.NewCircuitBreaker(st),
	}
}

// RefreshPasswords implements collab.PasswordSource: it fetches the current
// slot -> password table for this client's room.
func (c *Client) RefreshPasswords(ctx context.Context) (map[uint32]string, error) {
	result, err := c.cb.Execute(func() (interface{}, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("lobby").Inc()
		}
		return nil, err
	}
	return result.(map[uint32]string), nil
}

func (c *Client) fetch(ctx context.Context) (map[uint32]string, error) {
	endpoint, err := url.JoinPath(c.rootURL, "/api/room/"+c.roomID+"/slots_passwords")
	if err != nil {
		return nil, fmt.Errorf("lobby: build URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("lobby: build request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)

	logging.Info(ctx, "fetching slot passwords from lobby", zap.String("url", endpoint))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lobby: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("lobby: unexpected status %s", resp.Status)
	}

	var slots []slotPasswordInfo
	if err := json.NewDecoder(resp.Body).Decode(&slots); err != nil {
		return nil, fmt.Errorf("lobby: decode response: %w", err)
	}

	passwords := make(map[uint32]string, len(slots))
	for _, slot := range slots {
		password := ""
		if slot.Password != nil {
			password = *slot.Password
		}
		passwords[slot.SlotNumber] = password
		logging.Debug(ctx, "loaded slot password",
			zap.String("slot", strconv.FormatUint(uint64(slot.SlotNumber), 10)),
			zap.String("player", slot.PlayerName),
			zap.String("password", logging.RedactPassword(password)),
		)
	}

	logging.Info(ctx, "loaded slot passwords from lobby", zap.Int("count", len(passwords)))
	return passwords, nil
}
