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
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/labcoord/services/coordinator/backend"
	"github.com/AleutianAI/labcoord/services/coordinator/datatypes"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newStreamServer(t *testing.T, b backend.Backend) *httptest.Server {
	t.Helper()
	router := gin.New()
	router.GET("/events", HandleEventStream(b))
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) StreamMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg StreamMessage
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

func TestStreamChannels(t *testing.T) {
	both, ok := streamChannels("")
	require.True(t, ok)
	assert.Equal(t, []string{backend.ChannelAlerts, backend.ChannelRegime}, both)

	one, ok := streamChannels("Regime")
	require.True(t, ok)
	assert.Equal(t, []string{backend.ChannelRegime}, one)

	_, ok = streamChannels("trades")
	assert.False(t, ok)
}

func TestEventStream_RelaysPublishedEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	host, portStr, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := backend.DefaultConfig()
	cfg.Host, cfg.Port, cfg.Namespace = host, port, "test"
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	client := backend.NewRedisClient(cfg)
	t.Cleanup(func() { _ = client.Close() })
	require.True(t, client.Connect(context.Background()))

	srv := newStreamServer(t, client)
	ws := dial(t, srv, "?channel=alerts")

	hello := readFrame(t, ws)
	assert.Equal(t, "session_created", hello.Action)
	assert.Len(t, hello.SessionID, 36)

	event := datatypes.NewEvent(datatypes.EventOverrideSignal, map[string]any{"active": true})
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub("test:channel:alerts")["test:channel:alerts"] == 1
	}, 3*time.Second, 20*time.Millisecond)
	_, err = client.Publish(context.Background(), backend.ChannelAlerts, event)
	require.NoError(t, err)

	frame := readFrame(t, ws)
	assert.Equal(t, "event", frame.Action)
	assert.Equal(t, backend.ChannelAlerts, frame.Channel)

	var got datatypes.Event
	require.NoError(t, json.Unmarshal(frame.Event, &got))
	assert.Equal(t, datatypes.EventOverrideSignal, got.Type)
	assert.Equal(t, true, got.Data["active"])
}

func TestEventStream_Detached(t *testing.T) {
	srv := newStreamServer(t, backend.NewDetached())
	ws := dial(t, srv, "")
	assert.Equal(t, "session_created", readFrame(t, ws).Action)
}

func TestEventStream_BadChannel(t *testing.T) {
	srv := newStreamServer(t, backend.NewDetached())
	resp, err := http.Get(srv.URL + "/events?channel=trades")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
