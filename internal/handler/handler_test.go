package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/lizcirble/shakabackend/internal/auth"
	"github.com/lizcirble/shakabackend/internal/config"
	"github.com/lizcirble/shakabackend/internal/escrow"
	"github.com/lizcirble/shakabackend/internal/identity"
	"github.com/lizcirble/shakabackend/internal/ledger"
	"github.com/lizcirble/shakabackend/internal/logging"
	"github.com/lizcirble/shakabackend/internal/middleware"
	"github.com/lizcirble/shakabackend/internal/repository"
	"github.com/lizcirble/shakabackend/internal/reputation"
	"github.com/lizcirble/shakabackend/internal/service"
	"github.com/lizcirble/shakabackend/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminToken = "admin-secret"

type verifierFunc func(ctx context.Context, token string) (*identity.Identity, error)

func (f verifierFunc) Verify(ctx context.Context, token string) (*identity.Identity, error) {
	return f(ctx, token)
}

var stubVerifier = verifierFunc(func(_ context.Context, token string) (*identity.Identity, error) {
	if token != "good-token" {
		return nil, errors.New("bad token")
	}
	return &identity.Identity{ExternalID: "did:privy:dave", Addresses: []string{"0xabc0000000000000000000000000000000000003"}}, nil
})

type env struct {
	router *gin.Engine
	users  auth.UserService
	ledger *ledger.Memory
}

func init() {
	gin.SetMode(gin.TestMode)
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := storetest.New(t)
	db := st.DB()
	econ := config.DefaultEconomics()
	mem := ledger.NewMemory()
	users := auth.NewUserService(db, econ.ReputationInitial)
	rep := reputation.NewAdjuster(db, reputation.Bounds{Min: econ.ReputationMin, Max: econ.ReputationMax, DefaultWeight: econ.DefaultVoteWeight})
	repos := repository.New(db)

	d := &service.Deps{
		Repos:      repos,
		Users:      users,
		Reputation: rep,
		Ledger:     mem,
		Escrow:     escrow.NewRecorder(db),
		Events:     st,
		Economics:  econ,
		Logger:     logging.NewNoOpLogger(),
	}
	tasks := service.NewTaskService(d)
	review := service.NewReviewService(d)

	authn := middleware.NewAuthenticator(users, stubVerifier)
	r := gin.New()
	NewHandler(tasks, review, nil, nil, logging.NewNoOpLogger()).RegisterRoutes(r, authn.Required(), authn.Optional())
	NewAuthHandler(users, stubVerifier).RegisterRoutes(r)
	NewUserHandler(users, review, rep).RegisterRoutes(r.Group("/api/v1", authn.Required()))
	NewAdminHandler(users, tasks, service.NewSweeper(d), service.NewReconciler(d), repos.Reconciliations).
		RegisterRoutes(r.Group("/api/v1/admin", middleware.AdminTokenAuth(adminToken)))

	return &env{router: r, users: users, ledger: mem}
}

func (e *env) user(t *testing.T, name string) *auth.User {
	t.Helper()
	u, err := e.users.UpsertFromIdentity(context.Background(), &identity.Identity{
		ExternalID: "did:test:" + name,
		Addresses:  []string{common.BytesToAddress([]byte(name)).Hex()},
	})
	require.NoError(t, err)
	return u
}

// call performs a request and decodes the JSON response body.
func (e *env) call(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w.Code, out
}

func taskBody(workers int) map[string]any {
	return map[string]any{
		"title":             "Label street signs",
		"description":       "Draw a box around every sign",
		"category":          "Image Labeling",
		"payout_per_worker": "0.01",
		"required_workers":  workers,
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	e := newEnv(t)
	creator, worker := e.user(t, "creator"), e.user(t, "worker")

	code, task := e.call(t, http.MethodPost, "/api/v1/tasks", creator.APIKey, taskBody(1))
	require.Equal(t, http.StatusCreated, code, task)
	assert.Equal(t, "DRAFT", task["status"])
	assert.Equal(t, "0.0115", task["total_cost"])
	assert.Equal(t, "0.0015", task["platform_fee"])
	taskID := task["id"].(string)

	code, task = e.call(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/fund", creator.APIKey, nil)
	require.Equal(t, http.StatusOK, code, task)
	assert.Equal(t, "FUNDED", task["status"])

	code, assigned := e.call(t, http.MethodPost, "/api/v1/tasks/assign", worker.APIKey, nil)
	require.Equal(t, http.StatusOK, code, assigned)
	sub := assigned["submission"].(map[string]any)
	subID := sub["id"].(string)
	assert.Equal(t, "pending", sub["status"])
	assert.Equal(t, "ASSIGNED", assigned["task"].(map[string]any)["status"])

	code, sub = e.call(t, http.MethodPost, "/api/v1/submissions/"+subID+"/submit", worker.APIKey,
		map[string]any{"payload": map[string]any{"boxes": []int{1, 2, 3}}})
	require.Equal(t, http.StatusOK, code, sub)
	assert.Equal(t, "pending_approval", sub["status"])

	code, sub = e.call(t, http.MethodPost, "/api/v1/submissions/"+subID+"/approve", creator.APIKey, nil)
	require.Equal(t, http.StatusOK, code, sub)
	assert.Equal(t, "approved", sub["status"])
	assert.NotEmpty(t, sub["payout_tx_hash"])

	code, task = e.call(t, http.MethodGet, "/api/v1/tasks/"+taskID, worker.APIKey, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "COMPLETED", task["status"])
	assert.Equal(t, []any{worker.ID}, task["assigned_workers"])

	st, err := e.ledger.GetTaskStatus(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, st)

	code, hist := e.call(t, http.MethodGet, "/api/v1/tasks/"+taskID+"/escrow", creator.APIKey, nil)
	require.Equal(t, http.StatusOK, code)
	// create, fund, assign, payout, platform fee
	assert.Len(t, hist["transactions"], 5)

	code, mine := e.call(t, http.MethodGet, "/api/v1/me/submissions", worker.APIKey, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, mine["submissions"], 1)

	code, rep := e.call(t, http.MethodGet, "/api/v1/me/reputation", worker.APIKey, nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 110, rep["reputation"])
	assert.Len(t, rep["events"], 1)
}

func TestAnonymousTaskCreation(t *testing.T) {
	e := newEnv(t)

	code, task := e.call(t, http.MethodPost, "/api/v1/tasks", "", taskBody(2))
	require.Equal(t, http.StatusCreated, code, task)
	assert.NotContains(t, task, "creator_id")

	code, body := e.call(t, http.MethodPost, "/api/v1/tasks", "", taskBody(6))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "anonymous")

	code, _ = e.call(t, http.MethodPost, "/api/v1/tasks", "sk-unknown", taskBody(1))
	assert.Equal(t, http.StatusUnauthorized, code, "a bad key is rejected, not downgraded")
}

func TestErrorMapping(t *testing.T) {
	e := newEnv(t)
	creator, other := e.user(t, "creator"), e.user(t, "other")

	_, task := e.call(t, http.MethodPost, "/api/v1/tasks", creator.APIKey, taskBody(1))
	taskID := task["id"].(string)

	code, body := e.call(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/fund", other.APIKey, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.NotEmpty(t, body["error"])

	code, _ = e.call(t, http.MethodGet, "/api/v1/tasks/no-such-task", creator.APIKey, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = e.call(t, http.MethodPost, "/api/v1/tasks/assign", other.APIKey, nil)
	assert.Equal(t, http.StatusNotFound, code, "nothing is funded yet")

	e.call(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/fund", creator.APIKey, nil)
	code, _ = e.call(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/fund", creator.APIKey, nil)
	assert.Equal(t, http.StatusConflict, code, "already funded")

	_, assigned := e.call(t, http.MethodPost, "/api/v1/tasks/assign", other.APIKey, nil)
	subID := assigned["submission"].(map[string]any)["id"].(string)

	code, _ = e.call(t, http.MethodPost, "/api/v1/submissions/"+subID+"/approve", creator.APIKey, nil)
	assert.Equal(t, http.StatusConflict, code, "nothing submitted yet")

	code, _ = e.call(t, http.MethodPost, "/api/v1/submissions/"+subID+"/evaluate", other.APIKey, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code, "is_correct is required")

	code, _ = e.call(t, http.MethodPost, "/api/v1/submissions/"+subID+"/submit", other.APIKey, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code, "payload is required")

	code, _ = e.call(t, http.MethodGet, "/api/v1/tasks/"+taskID+"/candidates", other.APIKey, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = e.call(t, http.MethodGet, "/api/v1/submissions/"+subID, creator.APIKey, nil)
	assert.Equal(t, http.StatusOK, code, "the creator sees submissions on their task")
	stranger := e.user(t, "stranger")
	code, _ = e.call(t, http.MethodGet, "/api/v1/submissions/"+subID, stranger.APIKey, nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestListTasks(t *testing.T) {
	e := newEnv(t)
	creator, other := e.user(t, "creator"), e.user(t, "other")
	e.call(t, http.MethodPost, "/api/v1/tasks", creator.APIKey, taskBody(1))
	e.call(t, http.MethodPost, "/api/v1/tasks", other.APIKey, taskBody(1))

	code, body := e.call(t, http.MethodGet, "/api/v1/tasks", creator.APIKey, nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["total"])

	_, body = e.call(t, http.MethodGet, "/api/v1/tasks?creator=me", creator.APIKey, nil)
	assert.EqualValues(t, 1, body["total"])

	_, body = e.call(t, http.MethodGet, "/api/v1/tasks?status=FUNDED", creator.APIKey, nil)
	assert.EqualValues(t, 0, body["total"])

	code, _ = e.call(t, http.MethodGet, "/api/v1/tasks", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestCandidates(t *testing.T) {
	e := newEnv(t)
	creator := e.user(t, "creator")
	for _, n := range []string{"w1", "w2", "w3"} {
		e.user(t, n)
	}
	_, task := e.call(t, http.MethodPost, "/api/v1/tasks", creator.APIKey, taskBody(2))

	code, body := e.call(t, http.MethodGet, "/api/v1/tasks/"+task["id"].(string)+"/candidates", creator.APIKey, nil)
	require.Equal(t, http.StatusOK, code)
	cands := body["candidates"].([]any)
	assert.Len(t, cands, 2)
	for _, c := range cands {
		m := c.(map[string]any)
		assert.NotEqual(t, creator.ID, m["id"])
		assert.NotContains(t, m, "api_key")
	}
}

func TestMeAndPaymentAddress(t *testing.T) {
	e := newEnv(t)
	u := e.user(t, "alice")

	code, me := e.call(t, http.MethodGet, "/api/v1/me", u.APIKey, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, u.ID, me["id"])

	code, _ = e.call(t, http.MethodPut, "/api/v1/me/payment-address", u.APIKey, map[string]any{"address": "nope"})
	assert.Equal(t, http.StatusBadRequest, code)

	addr := "0x00000000000000000000000000000000000000b2"
	code, me = e.call(t, http.MethodPut, "/api/v1/me/payment-address", u.APIKey, map[string]any{"address": addr})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, common.HexToAddress(addr).Hex(), me["payment_address"])

	code, reset := e.call(t, http.MethodPost, "/api/v1/me/reset-key", u.APIKey, nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = e.call(t, http.MethodGet, "/api/v1/me", u.APIKey, nil)
	assert.Equal(t, http.StatusUnauthorized, code, "the old key is gone")
	code, _ = e.call(t, http.MethodGet, "/api/v1/me", reset["api_key"].(string), nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestSession(t *testing.T) {
	e := newEnv(t)

	code, body := e.call(t, http.MethodPost, "/auth/session", "", map[string]any{"access_token": "good-token"})
	require.Equal(t, http.StatusOK, code, body)
	key := body["api_key"].(string)
	assert.NotEmpty(t, key)

	code, me := e.call(t, http.MethodGet, "/api/v1/me", key, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, common.HexToAddress("0xabc0000000000000000000000000000000000003").Hex(), me["payment_address"])

	code, _ = e.call(t, http.MethodPost, "/auth/session", "", map[string]any{"access_token": "bad-token"})
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestAdminRoutes(t *testing.T) {
	e := newEnv(t)
	u := e.user(t, "mallory")

	code, _ := e.call(t, http.MethodPost, "/api/v1/admin/sweep", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body := e.call(t, http.MethodPost, "/api/v1/admin/sweep", adminToken, nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["expired"])

	code, body = e.call(t, http.MethodPost, "/api/v1/admin/reconcile", adminToken, nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["resolved"])

	code, body = e.call(t, http.MethodGet, "/api/v1/admin/reconciliations", adminToken, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["reconciliations"])

	code, _ = e.call(t, http.MethodPost, "/api/v1/admin/split/sync", adminToken, nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = e.call(t, http.MethodPost, "/api/v1/admin/reconciliations/abc/retry-payout", adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = e.call(t, http.MethodPost, "/api/v1/admin/reconciliations/42/retry-payout", adminToken, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = e.call(t, http.MethodPut, "/api/v1/admin/users/"+u.ID+"/status", adminToken, map[string]any{"status": "deleted"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.call(t, http.MethodPut, "/api/v1/admin/users/"+u.ID+"/status", adminToken, map[string]any{"status": "banned"})
	require.Equal(t, http.StatusOK, code)
	code, _ = e.call(t, http.MethodGet, "/api/v1/me", u.APIKey, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, body = e.call(t, http.MethodGet, "/api/v1/admin/users/"+u.ID, adminToken, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "banned", body["status"])

	code, _ = e.call(t, http.MethodGet, "/api/v1/admin/users/unknown", adminToken, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPublicEndpoints(t *testing.T) {
	e := newEnv(t)

	code, body := e.call(t, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["connected_nodes"])

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	code, _ = e.call(t, http.MethodGet, "/ws", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code, "no node hub configured")
}
