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
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianGuard/services/moderator/review"
)

var notificationUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
}

// notificationWriteTimeout bounds each websocket write so one stalled
// reviewer dashboard cannot back up the hub.
const notificationWriteTimeout = 5 * time.Second

// NotificationHub fans review events out to connected reviewer dashboards
// over websockets. It implements review.Notifier.
//
// # Thread Safety
//
// All methods are safe for concurrent use. NotifyReview never blocks the
// caller: events are queued per-client and slow clients are dropped.
type NotificationHub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	logger  *slog.Logger
}

// wsClient is one connected dashboard. Each client has a dedicated write
// pump so WriteJSON is never called from two goroutines.
type wsClient struct {
	conn *websocket.Conn
	send chan review.NotificationEvent
}

// NewNotificationHub creates an empty hub.
func NewNotificationHub(logger *slog.Logger) *NotificationHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationHub{
		clients: make(map[*wsClient]struct{}),
		logger:  logger,
	}
}

// NotifyReview broadcasts a review event to every connected client.
// Clients whose send queue is full are disconnected rather than waited on.
func (h *NotificationHub) NotifyReview(event review.NotificationEvent) {
	h.mu.RLock()
	stale := make([]*wsClient, 0)
	for client := range h.clients {
		select {
		case client.send <- event:
		default:
			stale = append(stale, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range stale {
		h.logger.Warn("dropping slow notification client")
		h.remove(client)
	}
}

// ClientCount returns the number of connected dashboards.
func (h *NotificationHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleNotifications handles GET /v1/review/notifications.
//
// Upgrades the connection and streams review events until the client
// disconnects. The read loop exists only to detect the disconnect; inbound
// messages are discarded.
func (h *NotificationHub) HandleNotifications(c *gin.Context) {
	conn, err := notificationUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade notification websocket", slog.String("error", err.Error()))
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan review.NotificationEvent, 16),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("notification client connected")

	go h.writePump(client)

	// Read loop: discard everything, exit on error.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(client)
	h.logger.Info("notification client disconnected")
}

// writePump drains the client's send queue onto its connection.
func (h *NotificationHub) writePump(client *wsClient) {
	for event := range client.send {
		_ = client.conn.SetWriteDeadline(time.Now().Add(notificationWriteTimeout))
		if err := client.conn.WriteJSON(event); err != nil {
			h.remove(client)
			return
		}
	}
}

// remove unregisters a client and closes its connection. Safe to call more
// than once per client.
func (h *NotificationHub) remove(client *wsClient) {
	h.mu.Lock()
	_, present := h.clients[client]
	if present {
		delete(h.clients, client)
	}
	h.mu.Unlock()

	if present {
		close(client.send)
		_ = client.conn.Close()
	}
}

var _ review.Notifier = (*NotificationHub)(nil)
