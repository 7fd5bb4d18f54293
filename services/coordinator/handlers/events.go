// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/labcoord/services/coordinator/backend"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

const writeWait = 5 * time.Second

// StreamMessage is one frame sent to an event stream client.
type StreamMessage struct {
	Action    string          `json:"action"`
	SessionID string          `json:"sessionId,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
}

// streamConn serializes writes; gorilla allows one concurrent writer.
type streamConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (s *streamConn) send(msg StreamMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.ws.WriteJSON(msg); err != nil {
		slog.Warn("Failed to write WebSocket JSON", "error", err)
		return err
	}
	return nil
}

// HandleEventStream upgrades to a websocket and relays coordination events
// from the backend's pub/sub channels.
//
// Query parameter channel selects "alerts", "regime", or both (default).
// The stream ends when the client disconnects. In detached mode the stream
// stays open but carries only the session frame.
func HandleEventStream(b backend.Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		channels, ok := streamChannels(c.Query("channel"))
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "channel must be alerts or regime"})
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()

		sessionID := uuid.New().String()
		logger := slog.With("session_id", sessionID)
		logger.Info("event stream opened", "channels", channels)
		conn := &streamConn{ws: ws}

		if err := conn.send(StreamMessage{Action: "session_created", SessionID: sessionID}); err != nil {
			return
		}

		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()

		var wg sync.WaitGroup
		for _, ch := range channels {
			wg.Add(1)
			go func(channel string) {
				defer wg.Done()
				relay(ctx, b, conn, channel, logger)
			}(ch)
		}

		// The read loop only detects the client going away.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				break
			}
		}
		cancel()
		wg.Wait()
		logger.Info("event stream closed")
	}
}

// relay keeps one channel subscribed until ctx ends, retrying after drops.
func relay(ctx context.Context, b backend.Backend, conn *streamConn, channel string, logger *slog.Logger) {
	for {
		err := b.Subscribe(ctx, channel, func(_ context.Context, payload json.RawMessage) error {
			return conn.send(StreamMessage{Action: "event", Channel: channel, Event: payload})
		})
		if ctx.Err() != nil {
			return
		}
		logger.Debug("event subscription dropped", "channel", channel, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func streamChannels(q string) ([]string, bool) {
	switch strings.ToLower(q) {
	case "":
		return []string{backend.ChannelAlerts, backend.ChannelRegime}, true
	case "alerts":
		return []string{backend.ChannelAlerts}, true
	case "regime":
		return []string{backend.ChannelRegime}, true
	default:
		return nil, false
	}
}
