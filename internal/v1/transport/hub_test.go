package transport

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/da-live/collab/internal/v1/admin"
	"github.com/da-live/collab/internal/v1/room"
	"github.com/da-live/collab/internal/v1/storage"
	"github.com/da-live/collab/internal/v1/types"
)

type fakeAdmin struct {
	snap *admin.Snapshot
}

func (f *fakeAdmin) Get(ctx context.Context, docURL, credential, etag string) (*admin.Snapshot, error) {
	return f.snap, nil
}

func (f *fakeAdmin) Put(ctx context.Context, docURL, html string, credentials []string) (int, string, error) {
	return http.StatusOK, "", nil
}

func newTestHub(t *testing.T) (*Hub, *room.Registry, room.Deps) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	registry := room.NewRegistry()
	deps := room.Deps{
		Registry: registry,
		Storage:  storage.NewMemoryProvider(),
		Admin: &fakeAdmin{snap: &admin.Snapshot{
			Actions: types.ParseActionSet("read=allow,write=allow"),
		}},
	}
	hub := NewHub(deps, []string{"http://localhost:3000"}, "", false, nil)
	return hub, registry, deps
}

func testRouter(hub *Hub) *gin.Engine {
	router := gin.New()
	router.GET("/ws/*doc", hub.ServeWs)
	router.GET("/api/v1/ping", hub.Ping)
	router.POST("/api/v1/syncadmin", hub.SyncAdmin)
	router.POST("/api/v1/deleteadmin", hub.DeleteAdmin)
	return router
}

func ctxWithRequest(req *http.Request) *gin.Context {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = req
	return c
}

func TestExtractDocName(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/", nil)

	c := ctxWithRequest(req)
	c.Params = gin.Params{{Key: "doc", Value: "/https://admin.da.live/source/a.html"}}
	assert.Equal(t, types.DocNameType("https://admin.da.live/source/a.html"), extractDocName(c))

	c = ctxWithRequest(req)
	c.Request.Header.Set("X-collab-room", "https://admin.da.live/source/b.html")
	assert.Equal(t, types.DocNameType("https://admin.da.live/source/b.html"), extractDocName(c))

	c = ctxWithRequest(httptest.NewRequest(http.MethodGet, "/ws/?doc=https://admin.da.live/source/c.html", nil))
	assert.Equal(t, types.DocNameType("https://admin.da.live/source/c.html"), extractDocName(c))

	c = ctxWithRequest(httptest.NewRequest(http.MethodGet, "/ws/", nil))
	assert.Empty(t, extractDocName(c))
}

func TestResolveDocName(t *testing.T) {
	hub, _, _ := newTestHub(t)
	hub.adminOrigin = "https://admin.da.live"

	assert.Equal(t, types.DocNameType("https://admin.da.live/source/a.html"),
		hub.resolveDocName("source/a.html"))
	assert.Equal(t, types.DocNameType("https://admin.da.live/source/a.html"),
		hub.resolveDocName("/source/a.html"))
	assert.Equal(t, types.DocNameType("https://other.example/b.html"),
		hub.resolveDocName("https://other.example/b.html"), "absolute URLs pass through")

	hub.adminOrigin = ""
	assert.Equal(t, types.DocNameType("source/a.html"), hub.resolveDocName("source/a.html"))
	assert.Empty(t, hub.resolveDocName(""))
}

func TestExtractCredential(t *testing.T) {
	c := ctxWithRequest(httptest.NewRequest(http.MethodGet, "/ws/", nil))
	c.Request.Header.Set("Sec-WebSocket-Protocol", "yjs, bearer-token")
	cred, offeredYjs := extractCredential(c)
	assert.Equal(t, types.CredentialType("bearer-token"), cred)
	assert.True(t, offeredYjs)

	c = ctxWithRequest(httptest.NewRequest(http.MethodGet, "/ws/", nil))
	c.Request.Header.Set("Sec-WebSocket-Protocol", "yjs, proto-token")
	c.Request.Header.Set("Authorization", "header-token")
	cred, offeredYjs = extractCredential(c)
	assert.Equal(t, types.CredentialType("header-token"), cred, "Authorization header wins")
	assert.True(t, offeredYjs)

	c = ctxWithRequest(httptest.NewRequest(http.MethodGet, "/ws/", nil))
	cred, offeredYjs = extractCredential(c)
	assert.Empty(t, cred)
	assert.False(t, offeredYjs)
}

func TestValidateOrigin(t *testing.T) {
	allowed := []string{"http://localhost:3000", "https://da.live"}

	req := httptest.NewRequest(http.MethodGet, "/ws/", nil)
	assert.True(t, validateOrigin(req, allowed), "missing origin is a non-browser client")

	req.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, validateOrigin(req, allowed))

	req.Header.Set("Origin", "https://da.live")
	assert.True(t, validateOrigin(req, allowed))

	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, validateOrigin(req, allowed))

	req.Header.Set("Origin", "https://localhost:3000")
	assert.False(t, validateOrigin(req, allowed), "scheme must match too")
}

func upgradeRequest(target string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	return req
}

func TestServeWsRejectsPlainHTTP(t *testing.T) {
	hub, _, _ := newTestHub(t)
	router := testRouter(hub)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws/?doc=x", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "WebSocket")
}

func TestServeWsRequiresDocName(t *testing.T) {
	hub, _, _ := newTestHub(t)
	router := testRouter(hub)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, upgradeRequest("/ws/"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServeWsRejectsUnknownOrigin(t *testing.T) {
	hub, _, _ := newTestHub(t)
	router := testRouter(hub)

	req := upgradeRequest("/ws/?doc=https://admin.da.live/source/a.html")
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWebSocketSessionHandshake(t *testing.T) {
	hub, registry, _ := newTestHub(t)
	srv := httptest.NewServer(testRouter(hub))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") +
		"/ws/?doc=https://admin.da.live/source/a.html"
	dialer := websocket.Dialer{Subprotocols: []string{"yjs"}}
	conn, resp, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "yjs", resp.Header.Get("Sec-WebSocket-Protocol"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, messageType)
	kind, _ := binary.Uvarint(frame)
	assert.Equal(t, uint64(0), kind, "first frame is the sync handshake")

	assert.Equal(t, 1, registry.Count())
	conn.Close()
	assert.Eventually(t, func() bool { return registry.Count() == 0 },
		2*time.Second, 20*time.Millisecond)
}

func TestPing(t *testing.T) {
	hub, _, _ := newTestHub(t)
	router := testRouter(hub)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.Contains(t, w.Body.String(), "daadmin")
}

func TestSyncAdmin(t *testing.T) {
	hub, registry, deps := newTestHub(t)
	router := testRouter(hub)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/syncadmin", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/syncadmin?doc=unknown", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	name := types.DocNameType("https://admin.da.live/source/a.html")
	registry.GetOrCreate(name, func() *room.Room { return room.New(name, deps) })

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/syncadmin?doc="+string(name), nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "invalidated")
	assert.Equal(t, 0, registry.Count(), "invalidated room is gone")
}

func TestDeleteAdmin(t *testing.T) {
	hub, registry, deps := newTestHub(t)
	router := testRouter(hub)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/deleteadmin", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/deleteadmin?doc=unknown", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	name := types.DocNameType("https://admin.da.live/source/b.html")
	registry.GetOrCreate(name, func() *room.Room { return room.New(name, deps) })

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/deleteadmin?doc="+string(name), nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 0, registry.Count())
}
