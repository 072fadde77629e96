/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"

	"github.com/friendsincode/mimir_relay/internal/models"
)

// wsRequest is one control frame sent to a backend instance.
type wsRequest struct {
	Op   string         `json:"op"`
	ID   string         `json:"message_id"`
	Args map[string]any `json:"args,omitempty"`
}

// wsResponse is the backend's answer, correlated by message_id. Data
// carries op-specific results; most ops return none.
type wsResponse struct {
	ID     string          `json:"message_id"`
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// WebsocketClient implements Connector over the backend's websocket
// control protocol. Requests are serialized; the protocol is strictly
// request/response.
type WebsocketClient struct {
	language string
	addr     string
	password string
	logger   zerolog.Logger
	timeout  time.Duration

	mu        sync.Mutex
	conn      *ws.Conn
	connected bool
}

// NewWebsocketDialer returns a Dialer producing websocket connectors.
// timeout bounds each request round-trip.
func NewWebsocketDialer(logger zerolog.Logger, timeout time.Duration) Dialer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return func(language string, cfg models.LanguageConfig) Connector {
		return &WebsocketClient{
			language: language,
			addr:     websocketAddr(cfg),
			password: cfg.Password,
			timeout:  timeout,
			logger: logger.With().
				Str("component", "backend").
				Str("language", language).
				Logger(),
		}
	}
}

// websocketAddr builds the ws:// URL from a host URL (which may carry an
// http scheme) and the control port.
func websocketAddr(cfg models.LanguageConfig) string {
	host := cfg.HostURL
	if parsed, err := url.Parse(cfg.HostURL); err == nil && parsed.Host != "" {
		host = parsed.Hostname()
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "//"), "/")
	return "ws://" + host + ":" + strconv.Itoa(cfg.WebsocketPort)
}

// Connect dials the backend and authenticates with the shared password.
func (c *WebsocketClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	c.logger.Info().Str("addr", c.addr).Msg("connecting to backend")

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, _, err := ws.Dial(dialCtx, c.addr, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}
	conn.SetReadLimit(1 << 20)

	c.conn = conn
	c.connected = true

	if _, err := c.requestLocked(ctx, "authenticate", map[string]any{
		"password": c.password,
	}); err != nil {
		c.closeLocked()
		return fmt.Errorf("authenticate: %w", err)
	}

	c.logger.Info().Msg("backend connected")
	return nil
}

// IsConnected reports whether the control channel is usable.
func (c *WebsocketClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close tears down the control channel.
func (c *WebsocketClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *WebsocketClient) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(ws.StatusNormalClosure, "shutting down")
	c.conn = nil
	c.connected = false
	return err
}

// request performs one request/response round-trip, discarding any
// result data. A transport error marks the connection down so the next
// call re-dials.
func (c *WebsocketClient) request(ctx context.Context, op string, args map[string]any) error {
	_, err := c.requestData(ctx, op, args)
	return err
}

// requestData performs one round-trip and returns the response.
func (c *WebsocketClient) requestData(ctx context.Context, op string, args map[string]any) (*wsResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil {
		return nil, fmt.Errorf("backend %s: not connected", c.language)
	}
	return c.requestLocked(ctx, op, args)
}

func (c *WebsocketClient) requestLocked(ctx context.Context, op string, args map[string]any) (*wsResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	id := uuid.NewString()
	payload, err := json.Marshal(wsRequest{Op: op, ID: id, Args: args})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", op, err)
	}

	if err := c.conn.Write(reqCtx, ws.MessageText, payload); err != nil {
		c.markDown()
		return nil, fmt.Errorf("write %s: %w", op, err)
	}

	// Read until we see our correlation id. Backends may interleave
	// unsolicited event frames.
	for {
		_, data, err := c.conn.Read(reqCtx)
		if err != nil {
			c.markDown()
			return nil, fmt.Errorf("read %s response: %w", op, err)
		}

		var resp wsResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			c.logger.Debug().Err(err).Msg("discarding unparseable frame")
			continue
		}
		if resp.ID != id {
			continue
		}

		if resp.Status != "ok" {
			detail := resp.Error
			if detail == "" {
				detail = "request rejected"
			}
			return nil, fmt.Errorf("%s: %s", op, detail)
		}
		return &resp, nil
	}
}

func (c *WebsocketClient) markDown() {
	if c.conn != nil {
		_ = c.conn.Close(ws.StatusInternalError, "transport error")
		c.conn = nil
	}
	c.connected = false
}

// Play starts playback of the named media file.
func (c *WebsocketClient) Play(ctx context.Context, name string, mode PlayMode) error {
	return c.request(ctx, "play_media", map[string]any{
		"name": name,
		"mode": string(mode),
	})
}

// StopMedia halts any current playback.
func (c *WebsocketClient) StopMedia(ctx context.Context) error {
	return c.request(ctx, "stop_media", nil)
}

// SetStreamDestination points the encoder at a server and stream key.
func (c *WebsocketClient) SetStreamDestination(ctx context.Context, settings models.StreamSettings) error {
	return c.request(ctx, "set_stream_settings", map[string]any{
		"server": settings.Server,
		"key":    settings.Key,
	})
}

func (c *WebsocketClient) StartStream(ctx context.Context) error {
	return c.request(ctx, "start_streaming", nil)
}

func (c *WebsocketClient) StopStream(ctx context.Context) error {
	return c.request(ctx, "stop_streaming", nil)
}

// SetTSOffset shifts the translation audio by the given milliseconds.
func (c *WebsocketClient) SetTSOffset(ctx context.Context, offsetMS int) error {
	return c.request(ctx, "set_ts_offset", map[string]any{
		"offset_ms": offsetMS,
	})
}

// SetVolume adjusts one audio input in dB.
func (c *WebsocketClient) SetVolume(ctx context.Context, target VolumeTarget, volumeDB float64) error {
	return c.request(ctx, "set_volume", map[string]any{
		"target":    string(target),
		"volume_db": volumeDB,
	})
}

// SetSidechain applies resolved sidechain compressor values.
func (c *WebsocketClient) SetSidechain(ctx context.Context, values models.SidechainValues) error {
	return c.request(ctx, "setup_sidechain", map[string]any{
		"ratio":        values.Ratio,
		"release_time": values.ReleaseTime,
		"threshold":    values.Threshold,
		"output_gain":  values.OutputGain,
	})
}

// SetTransition applies resolved scene transition values.
func (c *WebsocketClient) SetTransition(ctx context.Context, values models.TransitionValues) error {
	args := map[string]any{
		"transition_name":  values.TransitionName,
		"transition_point": values.TransitionPoint,
	}
	if values.Path != "" {
		args["path"] = values.Path
	}
	return c.request(ctx, "setup_transition", args)
}

// FileExists asks the backend whether its media directory holds a file
// with the given numeric prefix.
func (c *WebsocketClient) FileExists(ctx context.Context, prefix string) (bool, error) {
	resp, err := c.requestData(ctx, "file_exists", map[string]any{
		"prefix": prefix,
	})
	if err != nil {
		return false, err
	}
	var data struct {
		Exists bool `json:"exists"`
	}
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			return false, fmt.Errorf("file_exists: decode response: %w", err)
		}
	}
	return data.Exists, nil
}

// RefreshMedia tells the backend to rescan its media directory.
func (c *WebsocketClient) RefreshMedia(ctx context.Context) error {
	return c.request(ctx, "refresh_media", nil)
}
