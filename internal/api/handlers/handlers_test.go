package handlers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/northstar-ai/northstar/internal/acktoken"
	"github.com/northstar-ai/northstar/internal/api"
	"github.com/northstar-ai/northstar/internal/api/handlers"
	"github.com/northstar-ai/northstar/internal/breaker"
	"github.com/northstar-ai/northstar/internal/config"
	"github.com/northstar-ai/northstar/internal/conversation"
	"github.com/northstar-ai/northstar/internal/crisis"
	"github.com/northstar-ai/northstar/internal/gates"
	"github.com/northstar-ai/northstar/internal/kvstore"
	"github.com/northstar-ai/northstar/internal/pipeline"
	"github.com/northstar-ai/northstar/internal/provider"
	"github.com/northstar-ai/northstar/pkg/contracts"
	"github.com/northstar-ai/northstar/pkg/models"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	kv := kvstore.NewMemory()
	t.Cleanup(func() { kv.Close() })

	tokens, err := acktoken.New([]byte("test-secret"), kv, time.Minute)
	if err != nil {
		t.Fatalf("acktoken.New() error = %v", err)
	}
	crisisMgr := crisis.NewManager(kv)
	conv := conversation.NewStore(kv)
	runs := pipeline.NewRunStore(kv, time.Hour)
	b := breaker.New(5, time.Minute)

	reg := provider.NewRegistry()
	reg.Register(provider.Candidate{
		Provider: &provider.Static{Text: "Sounds good. Keep at it!"},
		Priority: 1,
	})

	stance, err := gates.NewStanceSelect(gates.DefaultStanceRules)
	if err != nil {
		t.Fatalf("NewStanceSelect() error = %v", err)
	}

	orch, err := pipeline.New(pipeline.Params{
		Gates: []contracts.Gate{
			gates.NewClassify(reg, b, "model"),
			gates.NewSafety(crisisMgr, tokens),
			stance,
			gates.NewEvidence(conv, time.Second),
			gates.NewGenerate(reg, b, "model"),
			gates.NewValidate(),
			gates.NewMemoryExtract(conv),
		},
		Crisis:           crisisMgr,
		Tokens:           tokens,
		Conversations:    conv,
		Runs:             runs,
		MaxRegenerations: 2,
		RequestTimeout:   5 * time.Second,
	})
	if err != nil {
		t.Fatalf("pipeline.New() error = %v", err)
	}

	h := handlers.New(orch, crisisMgr, tokens, b, runs, conv)
	return api.NewRouter(&config.Config{Version: "test"}, h, kv)
}

func postJSON(t *testing.T, srv http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, srv http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

type chatResponse struct {
	RequestID   string               `json:"request_id"`
	Status      models.OutcomeStatus `json:"status"`
	Response    string               `json:"response"`
	Degraded    bool                 `json:"degraded"`
	Blocked     bool                 `json:"blocked"`
	AckToken    string               `json:"ack_token"`
	GateResults []models.GateResult  `json:"gate_results"`
}

func TestChatEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := postJSON(t, srv, "/api/v1/chat", map[string]string{
		"user_id": "u1",
		"message": "hey",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp chatResponse
	decode(t, rec, &resp)
	if resp.Status != models.OutcomeSuccess {
		t.Errorf("pipeline status = %q, want success", resp.Status)
	}
	if resp.RequestID == "" {
		t.Error("no request_id assigned")
	}
	if resp.Response == "" {
		t.Error("empty response text")
	}

	// The run trace is retrievable via the admin endpoint.
	runRec := get(t, srv, "/api/v1/admin/runs/"+resp.RequestID)
	if runRec.Code != http.StatusOK {
		t.Errorf("runs endpoint status = %d", runRec.Code)
	}
}

func TestChatRejectsMissingFields(t *testing.T) {
	srv := newTestServer(t)

	rec := postJSON(t, srv, "/api/v1/chat", map[string]string{"user_id": "u1"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for missing message", rec.Code)
	}

	rec = postJSON(t, srv, "/api/v1/chat", map[string]string{"message": "hey"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for missing user_id", rec.Code)
	}
}

func TestCrisisLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	// A critical message stops the pipeline and returns the resolve token.
	rec := postJSON(t, srv, "/api/v1/chat", map[string]string{
		"user_id": "u1",
		"message": "I want to end my life",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("chat status = %d", rec.Code)
	}
	var stopResp chatResponse
	decode(t, rec, &stopResp)
	if stopResp.Status != models.OutcomeStopped || stopResp.AckToken == "" {
		t.Fatalf("stop response = %+v, want stopped with token", stopResp)
	}

	// The session shows up as active.
	activeRec := get(t, srv, "/api/v1/crisis/active/u1")
	if activeRec.Code != http.StatusOK {
		t.Fatalf("active status = %d", activeRec.Code)
	}
	var session models.CrisisSession
	decode(t, activeRec, &session)
	if session.Status != models.CrisisActive {
		t.Errorf("session status = %q, want active", session.Status)
	}

	// Chatting while locked returns the blocked response, no gates run.
	lockedRec := postJSON(t, srv, "/api/v1/chat", map[string]string{
		"user_id": "u1",
		"message": "hey",
	})
	var locked chatResponse
	decode(t, lockedRec, &locked)
	if !locked.Blocked || len(locked.GateResults) != 0 {
		t.Errorf("locked response = %+v, want blocked with no gate results", locked)
	}

	// Resolving with the token releases the lock.
	resolveRec := postJSON(t, srv, "/api/v1/crisis/resolve", map[string]string{
		"user_id":   "u1",
		"ack_token": stopResp.AckToken,
	})
	if resolveRec.Code != http.StatusOK {
		t.Fatalf("resolve status = %d, body = %s", resolveRec.Code, resolveRec.Body.String())
	}

	// The token is single-use.
	replayRec := postJSON(t, srv, "/api/v1/crisis/resolve", map[string]string{
		"user_id":   "u1",
		"ack_token": stopResp.AckToken,
	})
	if replayRec.Code != http.StatusUnauthorized {
		t.Errorf("replay status = %d, want 401", replayRec.Code)
	}

	// No active session remains and chat works again.
	goneRec := get(t, srv, "/api/v1/crisis/active/u1")
	if goneRec.Code != http.StatusNotFound {
		t.Errorf("active-after-resolve status = %d, want 404", goneRec.Code)
	}
	afterRec := postJSON(t, srv, "/api/v1/chat", map[string]string{
		"user_id": "u1",
		"message": "hey",
	})
	var after chatResponse
	decode(t, afterRec, &after)
	if after.Blocked {
		t.Error("chat still blocked after resolve")
	}
}

func TestResolveRejectsWrongUser(t *testing.T) {
	srv := newTestServer(t)

	rec := postJSON(t, srv, "/api/v1/chat", map[string]string{
		"user_id": "u1",
		"message": "I want to end my life",
	})
	var stopResp chatResponse
	decode(t, rec, &stopResp)

	resolveRec := postJSON(t, srv, "/api/v1/crisis/resolve", map[string]string{
		"user_id":   "u2",
		"ack_token": stopResp.AckToken,
	})
	if resolveRec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for another user's token", resolveRec.Code)
	}

	// u1's lock is untouched.
	activeRec := get(t, srv, "/api/v1/crisis/active/u1")
	if activeRec.Code != http.StatusOK {
		t.Errorf("active status = %d, want the session still active", activeRec.Code)
	}
}

func TestBreakerAdminEndpoints(t *testing.T) {
	srv := newTestServer(t)

	snapRec := get(t, srv, "/api/v1/admin/breaker")
	if snapRec.Code != http.StatusOK {
		t.Fatalf("snapshot status = %d", snapRec.Code)
	}

	resetRec := postJSON(t, srv, "/api/v1/admin/breaker/model/reset", nil)
	if resetRec.Code != http.StatusOK {
		t.Fatalf("reset status = %d", resetRec.Code)
	}
	var resetResp map[string]string
	decode(t, resetRec, &resetResp)
	if resetResp["state"] != "closed" {
		t.Errorf("reset response = %v, want state closed", resetResp)
	}
}

func TestRunNotFound(t *testing.T) {
	srv := newTestServer(t)
	rec := get(t, srv, "/api/v1/admin/runs/nope")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHealthAndVersion(t *testing.T) {
	srv := newTestServer(t)

	rec := get(t, srv, "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}

	rec = get(t, srv, "/version")
	var v map[string]string
	decode(t, rec, &v)
	if v["version"] != "test" {
		t.Errorf("version = %q, want test", v["version"])
	}
}
