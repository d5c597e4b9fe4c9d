package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"devsuite/internal/auth"
	"devsuite/internal/chat"
	"devsuite/internal/models"
	"devsuite/internal/service/account"
	"devsuite/internal/service/generation"
	"devsuite/internal/service/project"
	"devsuite/internal/service/sandbox"
	"devsuite/internal/storage/storagetest"
	"devsuite/internal/worker"
)

func TestGenerateCreatesThenUpdatesProject(t *testing.T) {
	ts := newTestServer(t, testOptions{replies: [][]string{
		{"# Todo app\n", "index.html"},
		{"# Todo app\n", "index.html with delete"},
	}})
	_, authHeader := registerAndLogin(t, ts.router, "alice")

	createResp := doJSONRequest(t, ts.router, http.MethodPost, "/create",
		map[string]string{"prompt": "Build a todo app"}, authHeader)
	assertStatus(t, createResp, http.StatusCreated)
	var created generateBody
	decodeJSON(t, createResp.Body.Bytes(), &created)
	if created.ProjectID == "" || created.Content != "# Todo app\nindex.html" {
		t.Fatalf("unexpected create body: %+v", created)
	}
	if n := countTurns(t, ts.db, created.ProjectID); n != 2 {
		t.Fatalf("expected 2 turns, got %d", n)
	}

	updateResp := doJSONRequest(t, ts.router, http.MethodPost, "/api/projects/generate",
		map[string]string{"prompt": "Add a delete button", "projectId": created.ProjectID}, authHeader)
	assertStatus(t, updateResp, http.StatusOK)
	var updated generateBody
	decodeJSON(t, updateResp.Body.Bytes(), &updated)
	if updated.ProjectID != created.ProjectID {
		t.Fatalf("expected same project id, got %q", updated.ProjectID)
	}
	if n := countTurns(t, ts.db, created.ProjectID); n != 4 {
		t.Fatalf("expected 4 turns, got %d", n)
	}
	var projects int
	if err := ts.db.QueryRow(`SELECT COUNT(*) FROM projects`).Scan(&projects); err != nil {
		t.Fatalf("count projects: %v", err)
	}
	if projects != 1 {
		t.Fatalf("expected one project, got %d", projects)
	}

	// the second call resends the whole history after the system message
	inputs := ts.model.calls()
	if len(inputs) != 2 {
		t.Fatalf("expected 2 model calls, got %d", len(inputs))
	}
	second := inputs[1]
	wantRoles := []schema.RoleType{schema.System, schema.User, schema.Assistant, schema.User}
	if len(second) != len(wantRoles) {
		t.Fatalf("expected %d messages, got %d", len(wantRoles), len(second))
	}
	for i, role := range wantRoles {
		if second[i].Role != role {
			t.Fatalf("message %d: role %s, want %s", i, second[i].Role, role)
		}
	}
	if second[3].Content != "Add a delete button" {
		t.Fatalf("last message should be the new prompt, got %q", second[3].Content)
	}

	promptsResp := doJSONRequest(t, ts.router, http.MethodGet,
		"/api/projects/"+created.ProjectID+"/prompts", nil, authHeader)
	assertStatus(t, promptsResp, http.StatusOK)
	var prompts struct {
		Prompts []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"prompts"`
	}
	decodeJSON(t, promptsResp.Body.Bytes(), &prompts)
	want := []string{"Build a todo app", "# Todo app\nindex.html", "Add a delete button", "# Todo app\nindex.html with delete"}
	if len(prompts.Prompts) != len(want) {
		t.Fatalf("expected %d prompts, got %d", len(want), len(prompts.Prompts))
	}
	for i, content := range want {
		if prompts.Prompts[i].Content != content {
			t.Fatalf("prompt %d: got %q want %q", i, prompts.Prompts[i].Content, content)
		}
	}

	getResp := doJSONRequest(t, ts.router, http.MethodGet, "/api/projects/"+created.ProjectID, nil, authHeader)
	assertStatus(t, getResp, http.StatusOK)
	var p struct {
		Content string `json:"content"`
	}
	decodeJSON(t, getResp.Body.Bytes(), &p)
	if p.Content != "# Todo app\nindex.html with delete" {
		t.Fatalf("project content not replaced: %q", p.Content)
	}
}

func TestGenerateForeignProjectIsNotFound(t *testing.T) {
	ts := newTestServer(t, testOptions{replies: [][]string{{"owner content"}, {"intruder content"}}})
	_, aliceHeader := registerAndLogin(t, ts.router, "alice")
	_, bobHeader := registerAndLogin(t, ts.router, "bob")

	resp := doJSONRequest(t, ts.router, http.MethodPost, "/create", map[string]string{"prompt": "mine"}, aliceHeader)
	assertStatus(t, resp, http.StatusCreated)
	var created generateBody
	decodeJSON(t, resp.Body.Bytes(), &created)

	resp = doJSONRequest(t, ts.router, http.MethodPost, "/create",
		map[string]string{"prompt": "take over", "projectId": created.ProjectID}, bobHeader)
	assertStatus(t, resp, http.StatusNotFound)
	if n := countTurns(t, ts.db, created.ProjectID); n != 2 {
		t.Fatalf("foreign request must not append turns, got %d", n)
	}
	// bob's request never reaches the model, so alice's history cannot leak
	if inputs := ts.model.calls(); len(inputs) != 1 {
		t.Fatalf("expected no completion for a foreign project, got %d calls", len(inputs))
	}

	for _, path := range []string{"/api/projects/" + created.ProjectID, "/api/projects/" + created.ProjectID + "/prompts"} {
		assertStatus(t, doJSONRequest(t, ts.router, http.MethodGet, path, nil, bobHeader), http.StatusNotFound)
	}
}

func TestGenerateEmptyCompletionReturnsDebugPayload(t *testing.T) {
	ts := newTestServer(t, testOptions{replies: [][]string{{"  ", "\n"}}})
	_, authHeader := registerAndLogin(t, ts.router, "alice")

	resp := doJSONRequest(t, ts.router, http.MethodPost, "/create", map[string]string{"prompt": "Build a todo app"}, authHeader)
	assertStatus(t, resp, http.StatusInternalServerError)
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Debug   struct {
			Prompt   string `json:"prompt"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		} `json:"debug"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Message == "" || body.Error == "" {
		t.Fatalf("expected message and error, got %s", resp.Body.String())
	}
	if body.Debug.Prompt != "Build a todo app" || len(body.Debug.Messages) != 1 || body.Debug.Messages[0].Role != "user" {
		t.Fatalf("unexpected debug payload: %+v", body.Debug)
	}
	var projects int
	if err := ts.db.QueryRow(`SELECT COUNT(*) FROM projects`).Scan(&projects); err != nil {
		t.Fatalf("count projects: %v", err)
	}
	if projects != 0 {
		t.Fatalf("empty completion must not persist, got %d projects", projects)
	}
}

func TestGenerateValidation(t *testing.T) {
	ts := newTestServer(t, testOptions{})
	_, authHeader := registerAndLogin(t, ts.router, "alice")

	assertStatus(t, doJSONRequest(t, ts.router, http.MethodPost, "/create", map[string]string{"prompt": "x"}, nil), http.StatusUnauthorized)
	assertStatus(t, doJSONRequest(t, ts.router, http.MethodPost, "/create", map[string]string{"prompt": "   "}, authHeader), http.StatusBadRequest)

	req := httptest.NewRequest(http.MethodPost, "/create", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", authHeader["Authorization"])
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusBadRequest)
	if len(ts.model.calls()) != 0 {
		t.Fatalf("model must not be called for invalid requests")
	}
}

func TestGenerateBusyAndRateLimited(t *testing.T) {
	busy := newTestServer(t, testOptions{generator: generatorFunc(func(context.Context, int64, string, string) (*generation.Result, error) {
		return nil, worker.ErrDispatcherBusy
	})})
	_, authHeader := registerAndLogin(t, busy.router, "alice")
	assertStatus(t, doJSONRequest(t, busy.router, http.MethodPost, "/create", map[string]string{"prompt": "x"}, authHeader), http.StatusTooManyRequests)

	limited := newTestServer(t, testOptions{
		replies:       [][]string{{"first"}, {"second"}},
		generateLimit: RateLimit{PerMinute: 1, Burst: 1},
	})
	_, authHeader = registerAndLogin(t, limited.router, "alice")
	assertStatus(t, doJSONRequest(t, limited.router, http.MethodPost, "/create", map[string]string{"prompt": "one"}, authHeader), http.StatusCreated)
	resp := doJSONRequest(t, limited.router, http.MethodPost, "/create", map[string]string{"prompt": "two"}, authHeader)
	assertStatus(t, resp, http.StatusTooManyRequests)
	if resp.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	_, otherHeader := registerAndLogin(t, limited.router, "bob")
	assertStatus(t, doJSONRequest(t, limited.router, http.MethodPost, "/create", map[string]string{"prompt": "three"}, otherHeader), http.StatusCreated)
}

func TestProjectRoutes(t *testing.T) {
	ts := newTestServer(t, testOptions{replies: [][]string{{"one"}, {"two"}}})
	_, authHeader := registerAndLogin(t, ts.router, "alice")
	_, bobHeader := registerAndLogin(t, ts.router, "bob")

	var first, second generateBody
	resp := doJSONRequest(t, ts.router, http.MethodPost, "/create", map[string]string{"prompt": "a"}, authHeader)
	decodeJSON(t, resp.Body.Bytes(), &first)
	resp = doJSONRequest(t, ts.router, http.MethodPost, "/create", map[string]string{"prompt": "b"}, authHeader)
	decodeJSON(t, resp.Body.Bytes(), &second)

	listResp := doJSONRequest(t, ts.router, http.MethodGet, "/api/projects", nil, authHeader)
	assertStatus(t, listResp, http.StatusOK)
	var list struct {
		Projects []struct {
			ID      string `json:"id"`
			Content string `json:"content"`
		} `json:"projects"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &list)
	if len(list.Projects) != 2 || list.Projects[0].ID != second.ProjectID || list.Projects[0].Content != "" {
		t.Fatalf("unexpected project list: %+v", list.Projects)
	}

	patchResp := doJSONRequest(t, ts.router, http.MethodPatch, "/api/projects/"+first.ProjectID,
		map[string]string{"title": "Todo", "description": "todo list"}, authHeader)
	assertStatus(t, patchResp, http.StatusOK)
	var renamed struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	decodeJSON(t, patchResp.Body.Bytes(), &renamed)
	if renamed.Title != "Todo" || renamed.Description != "todo list" {
		t.Fatalf("rename not applied: %+v", renamed)
	}
	assertStatus(t, doJSONRequest(t, ts.router, http.MethodPatch, "/api/projects/"+first.ProjectID,
		map[string]string{"title": " "}, authHeader), http.StatusBadRequest)
	assertStatus(t, doJSONRequest(t, ts.router, http.MethodPatch, "/api/projects/"+first.ProjectID,
		map[string]string{"title": "mine now"}, bobHeader), http.StatusNotFound)

	assertStatus(t, doJSONRequest(t, ts.router, http.MethodDelete, "/api/projects/"+first.ProjectID, nil, bobHeader), http.StatusNotFound)
	assertStatus(t, doJSONRequest(t, ts.router, http.MethodDelete, "/api/projects/"+first.ProjectID, nil, authHeader), http.StatusNoContent)
	assertStatus(t, doJSONRequest(t, ts.router, http.MethodGet, "/api/projects/"+first.ProjectID, nil, authHeader), http.StatusNotFound)
	if n := countTurns(t, ts.db, first.ProjectID); n != 0 {
		t.Fatalf("turns must be deleted with the project, got %d", n)
	}
}

func TestUserRoutes(t *testing.T) {
	ts := newTestServer(t, testOptions{})

	regResp := doJSONRequest(t, ts.router, http.MethodPost, "/api/users/register",
		map[string]string{"username": "short", "password": "123"}, nil)
	assertStatus(t, regResp, http.StatusBadRequest)

	userID, authHeader := registerAndLogin(t, ts.router, "alice")
	dupResp := doJSONRequest(t, ts.router, http.MethodPost, "/api/users/register",
		map[string]string{"username": "alice", "password": testPassword}, nil)
	assertStatus(t, dupResp, http.StatusConflict)

	badLogin := doJSONRequest(t, ts.router, http.MethodPost, "/api/users/login",
		map[string]string{"username": "alice", "password": "wrong-password"}, nil)
	assertStatus(t, badLogin, http.StatusUnauthorized)

	meResp := doJSONRequest(t, ts.router, http.MethodGet, "/api/users/me", nil, authHeader)
	assertStatus(t, meResp, http.StatusOK)
	var me struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	}
	decodeJSON(t, meResp.Body.Bytes(), &me)
	if me.ID != userID || me.Username != "alice" {
		t.Fatalf("unexpected me: %+v", me)
	}

	patchResp := doJSONRequest(t, ts.router, http.MethodPatch, "/api/users/me",
		map[string]string{"display_name": "Alice A.", "bio": "builds things"}, authHeader)
	assertStatus(t, patchResp, http.StatusOK)

	profileResp := doJSONRequest(t, ts.router, http.MethodGet, "/api/profiles/alice", nil, nil)
	assertStatus(t, profileResp, http.StatusOK)
	var profile struct {
		DisplayName  string `json:"display_name"`
		Bio          string `json:"bio"`
		ProjectCount int    `json:"project_count"`
	}
	decodeJSON(t, profileResp.Body.Bytes(), &profile)
	if profile.DisplayName != "Alice A." || profile.Bio != "builds things" || profile.ProjectCount != 0 {
		t.Fatalf("unexpected profile: %+v", profile)
	}
	assertStatus(t, doJSONRequest(t, ts.router, http.MethodGet, "/api/profiles/nobody", nil, nil), http.StatusNotFound)

	assertStatus(t, doJSONRequest(t, ts.router, http.MethodPost, "/api/users/logout", nil, authHeader), http.StatusNoContent)
	assertStatus(t, doJSONRequest(t, ts.router, http.MethodGet, "/api/users/me", nil, authHeader), http.StatusUnauthorized)

	_, authHeader = registerAndLogin(t, ts.router, "bob")
	assertStatus(t, doJSONRequest(t, ts.router, http.MethodDelete, "/api/users/me", nil, authHeader), http.StatusNoContent)
	failLogin := doJSONRequest(t, ts.router, http.MethodPost, "/api/users/login",
		map[string]string{"username": "bob", "password": testPassword}, nil)
	if failLogin.Code == http.StatusOK {
		t.Fatalf("expected login to fail after user deletion")
	}
}

func TestCookieAuthRequiresCSRF(t *testing.T) {
	ts := newTestServer(t, testOptions{})
	registerAndLogin(t, ts.router, "alice")
	loginResp := doJSONRequest(t, ts.router, http.MethodPost, "/api/users/login",
		map[string]string{"username": "alice", "password": testPassword}, nil)
	assertStatus(t, loginResp, http.StatusOK)

	var authCookie, csrfCookie *http.Cookie
	for _, ck := range loginResp.Result().Cookies() {
		switch ck.Name {
		case "auth_token":
			authCookie = ck
		case "csrf_token":
			csrfCookie = ck
		}
	}
	if authCookie == nil || csrfCookie == nil {
		t.Fatalf("login must set auth and csrf cookies")
	}

	send := func(csrf string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPatch, "/api/users/me", strings.NewReader(`{"bio":"hi"}`))
		req.Header.Set("Content-Type", "application/json")
		req.AddCookie(authCookie)
		req.AddCookie(csrfCookie)
		if csrf != "" {
			req.Header.Set("X-CSRF-Token", csrf)
		}
		rec := httptest.NewRecorder()
		ts.router.ServeHTTP(rec, req)
		return rec
	}
	assertStatus(t, send(""), http.StatusForbidden)
	assertStatus(t, send(csrfCookie.Value), http.StatusOK)

	// reads only need the cookie
	req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	req.AddCookie(authCookie)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusOK)
}

func TestRoomRoutesAndSocket(t *testing.T) {
	ts := newTestServer(t, testOptions{})
	_, aliceHeader := registerAndLogin(t, ts.router, "alice")
	_, bobHeader := registerAndLogin(t, ts.router, "bob")

	createResp := doJSONRequest(t, ts.router, http.MethodPost, "/api/rooms", map[string]string{"name": "lobby"}, aliceHeader)
	assertStatus(t, createResp, http.StatusCreated)
	var room struct {
		ID string `json:"id"`
	}
	decodeJSON(t, createResp.Body.Bytes(), &room)

	assertStatus(t, doJSONRequest(t, ts.router, http.MethodGet, "/api/rooms/"+room.ID+"/messages", nil, bobHeader), http.StatusForbidden)
	assertStatus(t, doJSONRequest(t, ts.router, http.MethodPost, "/api/rooms/missing/join", nil, bobHeader), http.StatusNotFound)
	assertStatus(t, doJSONRequest(t, ts.router, http.MethodPost, "/api/rooms/"+room.ID+"/join", nil, bobHeader), http.StatusNoContent)

	srv := httptest.NewServer(ts.router)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/rooms/" + room.ID

	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got err=%v", err)
	}

	alice := dialRoom(t, wsURL, aliceHeader)
	bob := dialRoom(t, wsURL+"?token="+strings.TrimPrefix(bobHeader["Authorization"], "Bearer "), nil)
	waitFor(t, func() bool { return ts.hub.Clients(room.ID) == 2 })

	if err := alice.WriteJSON(map[string]string{"content": "hello bob"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, conn := range []*websocket.Conn{alice, bob} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var ev chat.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if ev.Type != "message" || ev.Message == nil || ev.Message.Content != "hello bob" || ev.Message.Username != "alice" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	}

	histResp := doJSONRequest(t, ts.router, http.MethodGet, "/api/rooms/"+room.ID+"/messages?limit=10", nil, bobHeader)
	assertStatus(t, histResp, http.StatusOK)
	var hist struct {
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
	}
	decodeJSON(t, histResp.Body.Bytes(), &hist)
	if len(hist.Messages) != 1 || hist.Messages[0].Content != "hello bob" {
		t.Fatalf("unexpected history: %+v", hist.Messages)
	}

	listResp := doJSONRequest(t, ts.router, http.MethodGet, "/api/rooms", nil, bobHeader)
	assertStatus(t, listResp, http.StatusOK)
	assertStatus(t, doJSONRequest(t, ts.router, http.MethodPost, "/api/rooms/"+room.ID+"/leave", nil, bobHeader), http.StatusNoContent)
	assertStatus(t, doJSONRequest(t, ts.router, http.MethodPost, "/api/rooms/"+room.ID+"/leave", nil, bobHeader), http.StatusForbidden)
}

func TestExecuteRoute(t *testing.T) {
	exec := &fakeExecutor{result: &sandbox.Result{Stdout: "hi\n", Language: "python", Version: "3.10.0"}}
	ts := newTestServer(t, testOptions{executor: exec})
	_, authHeader := registerAndLogin(t, ts.router, "alice")

	resp := doJSONRequest(t, ts.router, http.MethodPost, "/api/execute",
		map[string]string{"language": "python", "code": "print('hi')"}, authHeader)
	assertStatus(t, resp, http.StatusOK)
	var res sandbox.Result
	decodeJSON(t, resp.Body.Bytes(), &res)
	if res.Stdout != "hi\n" || exec.last.Code != "print('hi')" {
		t.Fatalf("unexpected execute result %+v / request %+v", res, exec.last)
	}

	exec.err = fmt.Errorf("%w: status 502", sandbox.ErrUpstream)
	resp = doJSONRequest(t, ts.router, http.MethodPost, "/api/execute",
		map[string]string{"language": "python", "code": "1"}, authHeader)
	assertStatus(t, resp, http.StatusBadGateway)

	exec.err = errors.New("language is required")
	resp = doJSONRequest(t, ts.router, http.MethodPost, "/api/execute", map[string]string{"code": "1"}, authHeader)
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestHealthAndRequestID(t *testing.T) {
	ts := newTestServer(t, testOptions{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusOK)
	if rec.Header().Get("X-Request-Id") != "req-123" {
		t.Fatalf("request id not echoed")
	}
	var body struct {
		Status  string        `json:"status"`
		DB      string        `json:"db"`
		Redis   string        `json:"redis"`
		Workers *worker.Stats `json:"workers"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Status != "ok" || body.DB != "ok" || body.Redis != "disabled" {
		t.Fatalf("unexpected health: %s", rec.Body.String())
	}
	if body.Workers == nil || body.Workers.Queued != 0 || body.Workers.Idle != body.Workers.Workers {
		t.Fatalf("unexpected worker stats: %s", rec.Body.String())
	}
}

type recordingWorkers struct {
	mu       sync.Mutex
	canceled []int64
}

func (w *recordingWorkers) Stats() worker.Stats { return worker.Stats{Workers: 3, Idle: 1, Queued: 4} }

func (w *recordingWorkers) CancelUser(userID int64) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.canceled = append(w.canceled, userID)
	return 1
}

func TestDeleteMeCancelsQueuedGenerations(t *testing.T) {
	workers := &recordingWorkers{}
	ts := newTestServer(t, testOptions{workers: workers})
	aliceID, aliceHeader := registerAndLogin(t, ts.router, "alice")
	registerAndLogin(t, ts.router, "bob")

	resp := doJSONRequest(t, ts.router, http.MethodGet, "/healthz", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	if !strings.Contains(resp.Body.String(), `"workers":{"workers":3,"idle":1,"queued":4}`) {
		t.Fatalf("health does not report pool stats: %s", resp.Body.String())
	}

	assertStatus(t, doJSONRequest(t, ts.router, http.MethodDelete, "/api/users/me", nil, aliceHeader), http.StatusNoContent)
	workers.mu.Lock()
	defer workers.mu.Unlock()
	if len(workers.canceled) != 1 || workers.canceled[0] != aliceID {
		t.Fatalf("expected queued jobs of user %d canceled, got %v", aliceID, workers.canceled)
	}
}

func TestGenerateStreamErrorPersistsNothing(t *testing.T) {
	ts := newTestServer(t, testOptions{
		replies:   [][]string{{"# Todo", " app", " half"}},
		streamErr: errors.New("upstream reset"),
	})
	_, authHeader := registerAndLogin(t, ts.router, "alice")

	resp := doJSONRequest(t, ts.router, http.MethodPost, "/create", map[string]string{"prompt": "Build a todo app"}, authHeader)
	assertStatus(t, resp, http.StatusInternalServerError)
	var body map[string]interface{}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body["message"] == nil || body["error"] == nil {
		t.Fatalf("expected message and error, got %s", resp.Body.String())
	}
	if _, ok := body["debug"]; ok {
		t.Fatalf("stream failures carry no debug payload: %s", resp.Body.String())
	}
	if !strings.Contains(body["error"].(string), "upstream reset") {
		t.Fatalf("error does not name the cause: %s", resp.Body.String())
	}
	assertNoProjects(t, ts.db)
}

type failingWriter struct {
	*project.Store
}

func (failingWriter) CreateWithTurns(context.Context, int64, string, string, string, string) (*models.Project, error) {
	return nil, errors.New("database is locked")
}

func (failingWriter) UpdateContentWithTurns(context.Context, int64, string, string, string) error {
	return errors.New("database is locked")
}

func TestGenerateStoreFailureReturnsServerError(t *testing.T) {
	db := storagetest.OpenDB(t)
	store := project.NewStore(db)
	m := &fakeChatModel{replies: [][]string{{"content"}}}
	ts := newTestServer(t, testOptions{
		db: db,
		generator: generation.NewService(
			generation.NewAssembler(store),
			generation.NewStreamer(m, "You generate projects."),
			generation.NewPersister(failingWriter{store}, "Untitled Project", "Generated project"),
			nil,
		),
	})
	_, authHeader := registerAndLogin(t, ts.router, "alice")

	resp := doJSONRequest(t, ts.router, http.MethodPost, "/create", map[string]string{"prompt": "Build a todo app"}, authHeader)
	assertStatus(t, resp, http.StatusInternalServerError)
	var body map[string]interface{}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body["message"] != "failed to generate project" || body["error"] == nil {
		t.Fatalf("unexpected body: %s", resp.Body.String())
	}
	if _, ok := body["debug"]; ok {
		t.Fatalf("store failures carry no debug payload: %s", resp.Body.String())
	}
	if len(m.calls()) != 1 {
		t.Fatalf("expected one completion, got %d", len(m.calls()))
	}
	assertNoProjects(t, db)
}

const testPassword = "correct-horse"

type generateBody struct {
	ProjectID string `json:"projectId"`
	Message   string `json:"message"`
	Content   string `json:"content"`
}

type testOptions struct {
	replies       [][]string
	streamErr     error
	generator     Generator
	executor      Executor
	workers       Workers
	generateLimit RateLimit
	db            *sql.DB
}

type testServer struct {
	router *gin.Engine
	db     *sql.DB
	model  *fakeChatModel
	hub    *chat.Hub
}

func newTestServer(t *testing.T, opts testOptions) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := opts.db
	if db == nil {
		db = storagetest.OpenDB(t)
	}
	projects := project.NewStore(db)
	m := &fakeChatModel{replies: opts.replies, err: opts.streamErr}
	pool := worker.NewPool(worker.Config{MaxWorkers: 2, QueueSize: 8})
	t.Cleanup(pool.Close)
	var workers Workers = pool
	if opts.workers != nil {
		workers = opts.workers
	}

	gen := opts.generator
	if gen == nil {
		gen = generation.NewService(
			generation.NewAssembler(projects),
			generation.NewStreamer(m, "You generate projects."),
			generation.NewPersister(projects, "Untitled Project", "Generated project"),
			pool,
		)
	}
	exec := opts.executor
	if exec == nil {
		exec = &fakeExecutor{}
	}
	rooms := chat.NewStore(db)
	hub := chat.NewHub(rooms, nil)

	handler := NewHandler(Deps{
		DB:            db,
		Auth:          auth.NewService(db, nil, time.Hour),
		Accounts:      account.NewService(db),
		Projects:      projects,
		Generator:     gen,
		Rooms:         rooms,
		Hub:           hub,
		Sandbox:       exec,
		Workers:       workers,
		GenerateLimit: opts.generateLimit,
	})
	return &testServer{router: handler.Router(), db: db, model: m, hub: hub}
}

type generatorFunc func(ctx context.Context, userID int64, projectID, prompt string) (*generation.Result, error)

func (f generatorFunc) Generate(ctx context.Context, userID int64, projectID, prompt string) (*generation.Result, error) {
	return f(ctx, userID, projectID, prompt)
}

// fakeChatModel streams one scripted reply per call, fragment by fragment,
// then err if set.
type fakeChatModel struct {
	mu      sync.Mutex
	replies [][]string
	inputs  [][]*schema.Message
	err     error
}

func (m *fakeChatModel) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	return nil, errors.New("streaming only")
}

func (m *fakeChatModel) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, input)
	var frags []string
	if len(m.replies) > 0 {
		frags, m.replies = m.replies[0], m.replies[1:]
	}
	if m.err != nil {
		sr, sw := schema.Pipe[*schema.Message](len(frags) + 1)
		for _, f := range frags {
			sw.Send(schema.AssistantMessage(f, nil), nil)
		}
		sw.Send(nil, m.err)
		sw.Close()
		return sr, nil
	}
	chunks := make([]*schema.Message, 0, len(frags))
	for _, f := range frags {
		chunks = append(chunks, schema.AssistantMessage(f, nil))
	}
	return schema.StreamReaderFromArray(chunks), nil
}

func (m *fakeChatModel) calls() [][]*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]*schema.Message(nil), m.inputs...)
}

type fakeExecutor struct {
	result *sandbox.Result
	err    error
	last   sandbox.Request
}

func (f *fakeExecutor) Execute(_ context.Context, req sandbox.Request) (*sandbox.Result, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, want %d, body: %s", rec.Code, want, rec.Body.String())
	}
}

func countTurns(t *testing.T, db *sql.DB, projectID string) int {
	t.Helper()
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM prompts WHERE project_id = ?`, projectID).Scan(&count); err != nil {
		t.Fatalf("count turns: %v", err)
	}
	return count
}

func assertNoProjects(t *testing.T, db *sql.DB) {
	t.Helper()
	var projects, turns int
	if err := db.QueryRow(`SELECT COUNT(*) FROM projects`).Scan(&projects); err != nil {
		t.Fatalf("count projects: %v", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM prompts`).Scan(&turns); err != nil {
		t.Fatalf("count turns: %v", err)
	}
	if projects != 0 || turns != 0 {
		t.Fatalf("expected nothing persisted, got %d projects and %d turns", projects, turns)
	}
}

func registerAndLogin(t *testing.T, router *gin.Engine, username string) (int64, map[string]string) {
	t.Helper()
	regResp := doJSONRequest(t, router, http.MethodPost, "/api/users/register", map[string]string{
		"username": username,
		"password": testPassword,
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)
	var regBody struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, regResp.Body.Bytes(), &regBody)

	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/users/login", map[string]string{
		"username": username,
		"password": testPassword,
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	var loginBody struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, loginResp.Body.Bytes(), &loginBody)
	if loginBody.AuthToken == "" {
		t.Fatalf("expected auth token after login")
	}
	return regBody.ID, map[string]string{"Authorization": "Bearer " + loginBody.AuthToken}
}

func dialRoom(t *testing.T, url string, headers map[string]string) *websocket.Conn {
	t.Helper()
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, h)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}
