package main

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamWriteWait  = 5 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 30 * time.Second
)

// handleEventStream upgrades to a websocket and streams the tenant's
// deployment events. ?controller_id= narrows it to one device.
func (a *API) handleEventStream(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.tenant(w, r)
	if !ok {
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	client, err := a.hub.Subscribe(r.Context(), tenantID, r.URL.Query().Get("controller_id"))
	if err != nil {
		return
	}
	defer a.hub.Unsubscribe(client)

	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	// read pump: detects disconnects, client messages are ignored
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					a.logger.Debug("websocket read error", "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case data, ok := <-client.send:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
