package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/untibullet/session-hub/internal/handlers"
	"github.com/untibullet/session-hub/internal/hub"
	"github.com/untibullet/session-hub/internal/models"
	"github.com/untibullet/session-hub/internal/protocol"
	"github.com/untibullet/session-hub/internal/repository"
	"github.com/untibullet/session-hub/internal/router"
	"go.uber.org/zap"
)

func setupServer(t *testing.T) *echo.Echo {
	t.Helper()

	store, err := repository.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() {
		store.Close()
	})

	// соединения живут в своих горутинах дольше теста, поэтому без zaptest
	logger := zap.NewNop()
	h := hub.New(hub.DefaultQueueCapacity, logger)
	r := router.New(store, h, nil, logger, router.Options{})

	e := echo.New()
	handlers.New(r, logger, handlers.WSOptions{}).RegisterRoutes(e)
	t.Cleanup(h.Close)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

type projectResponse struct {
	Project models.Project `json:"project"`
	Token   string         `json:"token"`
	Role    string         `json:"role"`
}

func createProject(t *testing.T, e *echo.Echo) projectResponse {
	t.Helper()
	rec := doJSON(t, e, http.MethodPost, "/api/project", `{"name":"Demo","member":"alice"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp projectResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestCreateProject(t *testing.T) {
	e := setupServer(t)

	resp := createProject(t, e)
	assert.Regexp(t, `^[A-Za-z0-9]{12}$`, resp.Token)
	assert.Equal(t, resp.Token, resp.Project.Token)
	assert.Equal(t, "Demo", resp.Project.Name)
	require.Len(t, resp.Project.Members, 1)
	assert.Equal(t, models.RoleLead, resp.Project.Members[0].Role)
}

func TestCreateProject_Validation(t *testing.T) {
	e := setupServer(t)

	rec := doJSON(t, e, http.MethodPost, "/api/project", `{"member":"alice"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp handlers.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, handlers.ErrCodeValidation, resp.Error.Code)

	rec = doJSON(t, e, http.MethodPost, "/api/project", `{"name":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJoinProject(t *testing.T) {
	e := setupServer(t)
	created := createProject(t, e)

	rec := doJSON(t, e, http.MethodPost, "/api/join", `{"token":"`+created.Token+`","member":"bob"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp projectResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.RoleImplementer, resp.Role)
	assert.Len(t, resp.Project.Members, 2)
}

func TestJoinProject_Errors(t *testing.T) {
	e := setupServer(t)

	rec := doJSON(t, e, http.MethodPost, "/api/join", `{"token":"missing00000","member":"bob"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var resp handlers.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, handlers.ErrCodeNotFound, resp.Error.Code)

	rec = doJSON(t, e, http.MethodPost, "/api/join", `{"token":"missing00000"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetProject(t *testing.T) {
	e := setupServer(t)
	created := createProject(t, e)

	rec := doJSON(t, e, http.MethodGet, "/api/project/"+created.Token, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp projectResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Demo", resp.Project.Name)
	assert.NotNil(t, resp.Project.Tasks)
	assert.NotNil(t, resp.Project.Reviews)

	rec = doJSON(t, e, http.MethodGet, "/api/project/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	e := setupServer(t)

	for _, path := range []string{"/health", "/api/health"} {
		rec := doJSON(t, e, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	}
}

type wireEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) wireEvent {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ev wireEvent
	require.NoError(t, ws.ReadJSON(&ev))
	return ev
}

func sendJSON(t *testing.T, ws *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func TestWebSocket_EndToEnd(t *testing.T) {
	e := setupServer(t)
	srv := httptest.NewServer(e)
	defer srv.Close()

	created := createProject(t, e)
	token := created.Token

	alice := dial(t, srv)
	sendJSON(t, alice, `{"type":"session:join","payload":{"token":"`+token+`","member":"alice"}}`)
	ev := readEvent(t, alice)
	require.Equal(t, protocol.EventSessionJoined, ev.Type)
	var joined protocol.JoinedPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &joined))
	assert.Equal(t, models.RoleLead, joined.Role)
	assert.Equal(t, protocol.EventMembersUpdate, readEvent(t, alice).Type)

	bob := dial(t, srv)
	sendJSON(t, bob, `{"type":"session:join","payload":{"token":"`+token+`","member":"bob"}}`)
	assert.Equal(t, protocol.EventSessionJoined, readEvent(t, bob).Type)
	assert.Equal(t, protocol.EventMembersUpdate, readEvent(t, bob).Type)
	assert.Equal(t, protocol.EventMembersUpdate, readEvent(t, alice).Type)

	sendJSON(t, alice, `{"type":"task:create","payload":{"name":"Login form"}}`)
	for _, ws := range []*websocket.Conn{alice, bob} {
		ev := readEvent(t, ws)
		require.Equal(t, protocol.EventTasksUpdate, ev.Type)
		var tasks []models.Task
		require.NoError(t, json.Unmarshal(ev.Payload, &tasks))
		require.Len(t, tasks, 1)
		assert.Equal(t, "Login form", tasks[0].Name)
	}

	sendJSON(t, bob, `{"type":"task:approve","payload":{"taskName":"Missing"}}`)
	ev = readEvent(t, bob)
	require.Equal(t, protocol.EventSessionError, ev.Type)
	var errPayload protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &errPayload))
	assert.Equal(t, protocol.ErrCodeNotFound, errPayload.Code)

	require.NoError(t, bob.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	bob.Close()

	ev = readEvent(t, alice)
	require.Equal(t, protocol.EventMembersUpdate, ev.Type)
	var members []models.Member
	require.NoError(t, json.Unmarshal(ev.Payload, &members))
	for _, m := range members {
		if m.Name == "bob" {
			assert.Equal(t, models.MemberOffline, m.Status)
		}
	}
}
