// Package transport is the HTTP/WebSocket edge: it upgrades client
// connections, routes them to the right room, and serves the inbound admin
// API.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/da-live/collab/internal/v1/logging"
	"github.com/da-live/collab/internal/v1/ratelimit"
	"github.com/da-live/collab/internal/v1/room"
	"github.com/da-live/collab/internal/v1/types"
)

// Hub routes document names to rooms and hosts the admin endpoints.
type Hub struct {
	registry          *room.Registry
	deps              room.Deps
	allowedOrigins    []string
	adminOrigin       string
	returnStackTraces bool
	rateLimiter       *ratelimit.RateLimiter
}

func NewHub(deps room.Deps, allowedOrigins []string, adminOrigin string, returnStackTraces bool, rateLimiter *ratelimit.RateLimiter) *Hub {
	return &Hub{
		registry:          deps.Registry,
		deps:              deps,
		allowedOrigins:    allowedOrigins,
		adminOrigin:       adminOrigin,
		returnStackTraces: returnStackTraces,
		rateLimiter:       rateLimiter,
	}
}

// resolveDocName prefixes relative document paths with the configured admin
// origin. Absolute URLs pass through untouched.
func (h *Hub) resolveDocName(name types.DocNameType) types.DocNameType {
	s := string(name)
	if s == "" || h.adminOrigin == "" || strings.Contains(s, "://") {
		return name
	}
	return types.DocNameType(strings.TrimSuffix(h.adminOrigin, "/") + "/" + strings.TrimPrefix(s, "/"))
}

// extractDocName pulls the document URL from the path, the X-collab-room
// header, or the doc query parameter, in that order.
func extractDocName(c *gin.Context) types.DocNameType {
	if p := strings.TrimPrefix(c.Param("doc"), "/"); p != "" {
		return types.DocNameType(p)
	}
	if h := c.GetHeader("X-collab-room"); h != "" {
		return types.DocNameType(h)
	}
	return types.DocNameType(c.Query("doc"))
}

// extractCredential prefers the Authorization header; the subprotocol form
// "yjs,<credential>" is the fallback for browser clients that cannot set
// headers on WebSocket upgrades.
func extractCredential(c *gin.Context) (types.CredentialType, bool) {
	offeredYjs := false
	var fromProtocol string
	for _, part := range strings.Split(c.GetHeader("Sec-WebSocket-Protocol"), ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == "yjs":
			offeredYjs = true
		case part != "" && fromProtocol == "":
			fromProtocol = part
		}
	}
	if auth := c.GetHeader("Authorization"); auth != "" {
		return types.CredentialType(auth), offeredYjs
	}
	return types.CredentialType(fromProtocol), offeredYjs
}

func validateOrigin(r *http.Request, allowedOrigins []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser client.
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}

// ServeWs upgrades a client connection and binds it to its document's room.
// The room's persistence binder runs before the upgrade so load failures
// still surface as plain HTTP errors.
func (h *Hub) ServeWs(c *gin.Context) {
	if !h.rateLimiter.CheckWebSocket(c) {
		return
	}
	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.String(http.StatusBadRequest, "Expected WebSocket upgrade")
		return
	}

	docName := h.resolveDocName(extractDocName(c))
	if err := docName.Validate(); err != nil {
		c.String(http.StatusBadRequest, "Missing or invalid document name")
		return
	}
	if !validateOrigin(c.Request, h.allowedOrigins) {
		c.String(http.StatusForbidden, "Origin not allowed")
		return
	}

	credential, offeredYjs := extractCredential(c)
	conn := newConnection(credential)
	if actions := c.GetHeader("X-auth-actions"); actions != "" {
		conn.SetReadOnly(!types.ParseActionSet(actions).CanWrite())
	}

	ctx := context.WithValue(c.Request.Context(), logging.DocNameKey, string(docName))
	rm, created := h.registry.GetOrCreate(docName, func() *room.Room {
		return room.New(docName, h.deps)
	})
	if created {
		logging.Info(ctx, "room created")
	}

	if err := rm.Accept(ctx, conn); err != nil {
		logging.Error(ctx, "binding failed", zap.Error(err))
		body := "Internal Server Error"
		if h.returnStackTraces {
			body = fmt.Sprintf("Internal Server Error\n%v\n%s", err, debug.Stack())
		}
		c.String(http.StatusInternalServerError, body)
		return
	}

	responseHeader := http.Header{}
	if offeredYjs {
		responseHeader.Set("Sec-WebSocket-Protocol", "yjs")
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.allowedOrigins)
		},
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, responseHeader)
	if err != nil {
		// Upgrade already wrote the HTTP error; undo the registration.
		rm.HandleClose(conn)
		return
	}

	logging.Info(ctx, "client connected",
		zap.String("conn", string(conn.GetID())),
		zap.String("credential", logging.RedactCredential(string(credential))),
		zap.Bool("readOnly", conn.IsReadOnly()))
	conn.attach(ws, rm)
}

// SyncAdmin invalidates a room after an out-of-band admin edit: all its
// connections close, forcing clients to reconnect and reload.
func (h *Hub) SyncAdmin(c *gin.Context) {
	docName := h.resolveDocName(types.DocNameType(c.Query("doc")))
	if err := docName.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "doc parameter required"})
		return
	}
	rm, ok := h.registry.Lookup(docName)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such room"})
		return
	}
	rm.Invalidate()
	c.JSON(http.StatusOK, gin.H{"status": "invalidated"})
}

// DeleteAdmin is the deletion flavor of invalidation: same effect, 204.
func (h *Hub) DeleteAdmin(c *gin.Context) {
	docName := h.resolveDocName(types.DocNameType(c.Query("doc")))
	if err := docName.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "doc parameter required"})
		return
	}
	rm, ok := h.registry.Lookup(docName)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such room"})
		return
	}
	rm.Invalidate()
	c.Status(http.StatusNoContent)
}

// Ping reports liveness and the configured service bindings.
func (h *Hub) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"service_bindings": []string{"daadmin", "rooms"},
	})
}

// Shutdown closes every room's connections.
func (h *Hub) Shutdown(ctx context.Context) error {
	rooms := h.registry.All()
	logging.Info(ctx, "shutting down hub", zap.Int("rooms", len(rooms)))
	for _, r := range rooms {
		r.CloseAll()
	}
	return nil
}
