// Package ws exposes the live-channel endpoint. Clients connect over a
// websocket, authenticate in band with an auth frame, and then receive
// sync events fanned out by the notify hub. A failed auth frame produces
// an error frame but leaves the transport open so the client can retry
// with a fresh token.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/soulsync/soulsync-server/internal/config"
	"github.com/soulsync/soulsync-server/internal/notify"
	"github.com/soulsync/soulsync-server/internal/security"
)

type clientFrame struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

type controlFrame struct {
	Type      string `json:"type"`
	AccountID string `json:"account_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Handler upgrades HTTP requests to live channels.
type Handler struct {
	cfg      config.Config
	verifier security.TokenVerifier
	hub      *notify.Hub
	upgrader websocket.Upgrader
}

// NewHandler creates a channel endpoint handler. Origin checks are left
// to the token: the auth frame is the credential, not the Origin header.
func NewHandler(cfg config.Config, verifier security.TokenVerifier, hub *notify.Hub) *Handler {
	return &Handler{
		cfg:      cfg,
		verifier: verifier,
		hub:      hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Serve handles GET /ws.
func (h *Handler) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("Channel upgrade failed", "err", err)
		return
	}

	ch := newChannel(conn, h.cfg.ChannelSendBuffer)
	go ch.writePump(h.cfg.ChannelPingInterval, h.cfg.ChannelWriteTimeout)
	h.readPump(c, ch)
}

func (h *Handler) readPump(c *gin.Context, ch *Channel) {
	ctx := c.Request.Context()
	channelID := ""
	defer func() {
		if channelID != "" {
			// The request context is done once the handler returns; detach
			// so the registration row is still removed.
			h.hub.Unregister(context.WithoutCancel(ctx), channelID)
		}
		ch.close()
	}()

	ch.conn.SetPongHandler(func(string) error {
		return ch.conn.SetReadDeadline(time.Now().Add(h.cfg.ChannelReadTimeout))
	})
	ch.conn.SetReadDeadline(time.Now().Add(h.cfg.ChannelAuthTimeout))

	for {
		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.sendControl(ch, controlFrame{Type: "error", Message: "invalid message"})
			continue
		}

		switch frame.Type {
		case "auth":
			if channelID != "" {
				h.sendControl(ch, controlFrame{Type: "error", Message: "already authenticated"})
				continue
			}
			account, err := h.verifier.Verify(ctx, frame.Token)
			if err != nil || account == nil {
				h.sendControl(ch, controlFrame{Type: "error", Message: "invalid token"})
				// Give the client another auth window instead of closing.
				ch.conn.SetReadDeadline(time.Now().Add(h.cfg.ChannelAuthTimeout))
				continue
			}
			channelID, err = h.hub.Register(ctx, account.ID, ch)
			if err != nil {
				log.Error("Failed to register channel", "account", account.ID, "err", err)
				h.sendControl(ch, controlFrame{Type: "error", Message: "internal server error"})
				continue
			}
			ch.conn.SetReadDeadline(time.Now().Add(h.cfg.ChannelReadTimeout))
			h.sendControl(ch, controlFrame{Type: "authenticated", AccountID: account.ID, ChannelID: channelID})
		case "ping":
			h.sendControl(ch, controlFrame{Type: "pong"})
			if channelID != "" {
				ch.conn.SetReadDeadline(time.Now().Add(h.cfg.ChannelReadTimeout))
			}
		default:
			h.sendControl(ch, controlFrame{Type: "error", Message: "unknown message type"})
		}
	}
}

func (h *Handler) sendControl(ch *Channel, frame controlFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if !ch.Send(data) {
		log.Warn("Dropped control frame", "type", frame.Type)
	}
}
