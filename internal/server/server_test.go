package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/in-the-loop-labs/pair-review/internal/adapter/github"
	"github.com/in-the-loop-labs/pair-review/internal/adapter/store/sqlite"
	"github.com/in-the-loop-labs/pair-review/internal/config"
	"github.com/in-the-loop-labs/pair-review/internal/domain"
	"github.com/in-the-loop-labs/pair-review/internal/progress"
	"github.com/in-the-loop-labs/pair-review/internal/pubsub"
	"github.com/in-the-loop-labs/pair-review/internal/server"
	"github.com/in-the-loop-labs/pair-review/internal/store"
)

type fakeSetups struct {
	setupID  string
	existing bool
}

func (f *fakeSetups) StartPR(ctx context.Context, key domain.PRKey) (string, bool, string, error) {
	if f.existing {
		return "", true, key.ReviewURL(), nil
	}
	return f.setupID, false, "", nil
}
func (f *fakeSetups) StartLocal(ctx context.Context, path string) (string, error) {
	return f.setupID, nil
}

type fakeRunner struct {
	lastConfig domain.CouncilConfig
	cancelled  []string
}

func (f *fakeRunner) StartCouncil(ctx context.Context, sessionID string, cfg domain.CouncilConfig) (string, error) {
	f.lastConfig = cfg
	return "run-1", nil
}
func (f *fakeRunner) Cancel(runID string) { f.cancelled = append(f.cancelled, runID) }

type fakeVCS struct {
	reviewID  int64
	submitted []github.ReviewRequest
	err       error
}

func (f *fakeVCS) VerifyAccess(ctx context.Context, owner, repo string) error { return nil }
func (f *fakeVCS) FetchPR(ctx context.Context, key domain.PRKey) (domain.PRSnapshot, error) {
	return domain.PRSnapshot{}, nil
}
func (f *fakeVCS) SubmitReview(ctx context.Context, key domain.PRKey, review github.ReviewRequest) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.submitted = append(f.submitted, review)
	return f.reviewID, nil
}

type harness struct {
	srv    *httptest.Server
	st     *sqlite.Store
	runner *fakeRunner
	vcs    *fakeVCS
	broker *progress.Broker
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st, err := sqlite.NewStore(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	broker := progress.NewBroker(nil)
	broker.SetGrace(time.Hour)
	hub := pubsub.NewHub(nil)
	t.Cleanup(hub.Close)

	runner := &fakeRunner{}
	vcs := &fakeVCS{reviewID: 777}
	councils := map[string]config.CouncilPreset{
		"default": {
			Type: "council",
			Config: map[string]any{
				"voices": []map[string]any{{"provider": "anthropic", "model": "claude", "tier": "balanced"}},
				"levels": map[string]bool{"1": true},
				"consolidation": map[string]any{"provider": "anthropic", "model": "claude"},
			},
		},
	}

	s := server.New(st, &fakeSetups{setupID: "setup-1"}, runner, broker, hub, vcs, councils, nil)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	return &harness{srv: srv, st: st, runner: runner, vcs: vcs, broker: broker}
}

func (h *harness) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(h.srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func (h *harness) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(h.srv.URL + path)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (h *harness) newPRSession(t *testing.T, diff string) domain.Session {
	t.Helper()
	session, err := h.st.UpsertSession(context.Background(),
		store.SessionKey{PR: &domain.PRKey{Owner: "acme", Repo: "widget", Number: 42}})
	require.NoError(t, err)
	require.NoError(t, h.st.StorePRBundle(context.Background(), session.ID, store.PRBundle{
		Snapshot: domain.PRSnapshot{
			Title: "Add helper", BaseBranch: "main", HeadBranch: "f",
			BaseRevision: "a", HeadRevision: "b", UnifiedDiff: diff, FetchedAt: time.Now(),
		},
	}))
	return session
}

func TestSetupPR_New(t *testing.T) {
	h := newHarness(t)
	resp := h.post(t, "/setup/pr/acme/widget/42", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "setup-1", body["setup_id"])
}

func TestSetupPR_InvalidNumber(t *testing.T) {
	h := newHarness(t)
	resp := h.post(t, "/setup/pr/acme/widget/zero", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSetupProgress_StreamsEvents(t *testing.T) {
	h := newHarness(t)

	h.broker.Publish("setup-1", "step", map[string]string{"step": "verify", "status": "running"})
	h.broker.Publish("setup-1", "step", map[string]string{"step": "verify", "status": "completed"})
	h.broker.Publish("setup-1", progress.EventComplete, map[string]string{"review_url": "/pr/acme/widget/42"})

	resp := h.get(t, "/setup/pr/acme/widget/42/progress?setup_id=setup-1")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	var events []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			events = append(events, strings.TrimPrefix(line, "event: "))
		}
	}
	assert.Equal(t, []string{"step", "step", "complete"}, events)
}

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t)
	session := h.newPRSession(t, "")

	resp := h.get(t, "/session/"+session.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decode[map[string]any](t, resp)
	assert.Equal(t, "pr", view["kind"])
	assert.NotNil(t, view["snapshot"])

	resp = h.get(t, "/sessions")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]map[string]any](t, resp)
	assert.Len(t, list, 1)

	resp = h.get(t, "/session/does-not-exist")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartCouncil_InlineAdvancedConfig(t *testing.T) {
	h := newHarness(t)
	session := h.newPRSession(t, "")

	resp := h.post(t, "/session/"+session.ID+"/analyses/council", map[string]any{
		"config_type": "advanced",
		"council_config": map[string]any{
			"levels": map[string]any{
				"1": map[string]any{
					"enabled": true,
					"voices":  []map[string]any{{"provider": "anthropic", "model": "claude", "tier": "fast"}},
				},
			},
		},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "run-1", body["run_id"])

	// The advanced shape reached the runner normalized.
	assert.Len(t, h.runner.lastConfig.Voices, 1)
	assert.True(t, h.runner.lastConfig.Levels[1])
}

func TestStartCouncil_ShapeSniffing(t *testing.T) {
	h := newHarness(t)
	session := h.newPRSession(t, "")

	// No config_type: a top-level voices array is the council shape.
	resp := h.post(t, "/session/"+session.ID+"/analyses/council", map[string]any{
		"council_config": map[string]any{
			"voices": []map[string]any{{"provider": "anthropic", "model": "claude"}},
			"levels": map[string]bool{"1": true},
		},
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestStartCouncil_Preset(t *testing.T) {
	h := newHarness(t)
	session := h.newPRSession(t, "")

	resp := h.post(t, "/session/"+session.ID+"/analyses/council", map[string]any{"council_id": "default"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = h.post(t, "/session/"+session.ID+"/analyses/council", map[string]any{"council_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartCouncil_InvalidConfig(t *testing.T) {
	h := newHarness(t)
	session := h.newPRSession(t, "")

	resp := h.post(t, "/session/"+session.ID+"/analyses/council", map[string]any{
		"config_type":    "council",
		"council_config": map[string]any{"voices": []any{}, "levels": map[string]bool{"1": true}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelRun(t *testing.T) {
	h := newHarness(t)
	session := h.newPRSession(t, "")

	resp := h.post(t, "/session/"+session.ID+"/analyses/run-1/cancel", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"run-1"}, h.runner.cancelled)
}

const serverDiff = `diff --git a/main.go b/main.go
index 1111111..2222222 100644
--- a/main.go
+++ b/main.go
@@ -1,2 +1,3 @@
 package main
+// added
 func main() {}
`

func TestCommentsAndAdoption(t *testing.T) {
	h := newHarness(t)
	session := h.newPRSession(t, serverDiff)

	// Create a human comment.
	resp := h.post(t, "/session/"+session.ID+"/comments/", map[string]any{
		"file": "main.go", "line_start": 2, "line_end": 2, "body": "why?", "author": "dev",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Seed a suggestion and adopt it with a replacement body.
	two := 2
	require.NoError(t, h.st.ReplaceFinalForRun(context.Background(), "run-1", []domain.Suggestion{{
		ID: "sg-1", SessionID: session.ID, File: "main.go", LineStart: &two, LineEnd: &two,
		Side: domain.SideNew, Type: domain.SuggestionBug, Title: "t", SuggestionText: "prefilled",
		Confidence: 0.9, Status: domain.SuggestionActive, CreatedAt: time.Now(),
	}}))

	resp = h.post(t, "/suggestions/sg-1/adopt", map[string]any{"body": "replacement wins", "author": "dev"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	adopted := decode[domain.Comment](t, resp)
	assert.Equal(t, "replacement wins", adopted.Body)
	assert.Equal(t, "sg-1", adopted.ParentSuggestionID)

	// Suggestion filtering by status.
	resp = h.get(t, "/session/"+session.ID+"/suggestions?status=adopted")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	suggestions := decode[[]domain.Suggestion](t, resp)
	require.Len(t, suggestions, 1)
	assert.Equal(t, domain.SuggestionAdopted, suggestions[0].Status)
}

func TestSubmitReview_SupersedesRemoteID(t *testing.T) {
	h := newHarness(t)
	session := h.newPRSession(t, serverDiff)

	resp := h.post(t, "/session/"+session.ID+"/comments/", map[string]any{
		"file": "main.go", "line_start": 2, "line_end": 2, "body": "inline remark",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = h.post(t, "/session/"+session.ID+"/review", map[string]any{
		"event": "COMMENT", "body": "overall looks good",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[map[string]any](t, resp)
	assert.EqualValues(t, 777, result["remote_review_id"])
	assert.EqualValues(t, 1, result["posted_comments"])

	got, err := h.st.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionSubmitted, got.Status)
	assert.EqualValues(t, 777, got.RemoteReviewID)

	// Re-submission supersedes the stored id.
	h.vcs.reviewID = 888
	resp = h.post(t, "/session/"+session.ID+"/review", map[string]any{"event": "COMMENT", "body": "again"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err = h.st.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 888, got.RemoteReviewID)
}

func TestSubmitReview_FailureRevertsToDraft(t *testing.T) {
	h := newHarness(t)
	session := h.newPRSession(t, serverDiff)
	h.vcs.err = fmt.Errorf("remote rejected the review")

	resp := h.post(t, "/session/"+session.ID+"/review", map[string]any{"event": "COMMENT"})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	got, err := h.st.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionDraft, got.Status)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	resp := h.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
