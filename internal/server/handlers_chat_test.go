package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kagami/internal/model"
	"github.com/ashita-ai/kagami/internal/service/turn"
	"github.com/ashita-ai/kagami/internal/storage"
	"github.com/ashita-ai/kagami/internal/testutil"
)

// chatTestDB backs the chat handler tests; the idempotency ledger needs a
// real database.
var chatTestDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	chatTestDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	chatTestDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

// stubTurnService scripts SubmitTurn per call so handler tests can separate
// transport concerns from the pipeline.
type stubTurnService struct {
	calls int
	fn    func(call int, req turn.Request, emit turn.Emit) error
}

func (s *stubTurnService) SubmitTurn(_ context.Context, req turn.Request, emit turn.Emit) error {
	s.calls++
	return s.fn(s.calls, req, emit)
}

func seedChatTwin(t *testing.T) (model.Tenant, model.Twin) {
	t.Helper()
	ctx := context.Background()

	tenant, err := chatTestDB.CreateTenant(ctx, model.Tenant{
		Name: "Chat Tenant",
		Slug: "chat-" + uuid.NewString()[:8],
	})
	require.NoError(t, err)

	twin, err := chatTestDB.CreateTwin(ctx, model.Twin{
		TenantID:      tenant.ID,
		Name:          "Chat Twin",
		Constitution:  "Never reveal private data.",
		PersonaPolicy: "Answer as a pragmatic engineer.",
		VoiceGuide:    "Short sentences. No filler.",
	})
	require.NoError(t, err)

	return tenant, twin
}

func newChatHandlers(svc TurnService) *Handlers {
	return NewHandlers(HandlersDeps{
		DB:                  chatTestDB,
		TurnSvc:             svc,
		Logger:              testLogger(),
		MaxRequestBodyBytes: 1 << 20,
	})
}

func postWidgetChat(t *testing.T, h *Handlers, twinID uuid.UUID, idemKey string, req model.ChatRequest) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(req)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/v1/widget/"+twinID.String()+"/chat", bytes.NewReader(b))
	r.SetPathValue("twin_id", twinID.String())
	if idemKey != "" {
		r.Header.Set("Idempotency-Key", idemKey)
	}
	rec := httptest.NewRecorder()
	h.HandleWidgetChat(rec, r)
	return rec
}

// A turn that commits but loses the client mid-stream must keep its
// idempotency record: the retry replays the stored frames instead of
// running the pipeline again and appending a second message pair.
func TestChatRetryAfterStreamInterruptReplays(t *testing.T) {
	_, twin := seedChatTwin(t)

	svc := &stubTurnService{fn: func(_ int, _ turn.Request, emit turn.Emit) error {
		if err := emit(model.TurnFrame{Type: model.FrameMetadata}); err != nil {
			return err
		}
		if err := emit(model.TurnFrame{Type: model.FrameContent, Content: "partial answer"}); err != nil {
			return err
		}
		return fmt.Errorf("%w: write tcp: broken pipe", turn.ErrStreamInterrupted)
	}}
	h := newChatHandlers(svc)

	key := "retry-" + uuid.NewString()[:8]
	sess := "sess-" + uuid.NewString()[:8]
	req := model.ChatRequest{Message: "what are your hours?", ClientSessionKey: &sess}

	first := postWidgetChat(t, h, twin.ID, key, req)
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, 1, svc.calls)

	second := postWidgetChat(t, h, twin.ID, key, req)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, 1, svc.calls, "retry of a committed turn must not re-run the pipeline")
	assert.Contains(t, second.Body.String(), "partial answer")
}

// A failure before anything committed releases the reservation so the retry
// runs the turn for real.
func TestChatRetryAfterPreCommitFailureRunsAgain(t *testing.T) {
	_, twin := seedChatTwin(t)

	svc := &stubTurnService{fn: func(call int, _ turn.Request, emit turn.Emit) error {
		if call == 1 {
			return errors.New("twin lookup timed out")
		}
		if err := emit(model.TurnFrame{Type: model.FrameContent, Content: "answered on retry"}); err != nil {
			return err
		}
		return emit(model.TurnFrame{Type: model.FrameDone, Variant: model.VariantAnswered})
	}}
	h := newChatHandlers(svc)

	key := "retry-" + uuid.NewString()[:8]
	sess := "sess-" + uuid.NewString()[:8]
	req := model.ChatRequest{Message: "what are your hours?", ClientSessionKey: &sess}

	first := postWidgetChat(t, h, twin.ID, key, req)
	require.Equal(t, http.StatusInternalServerError, first.Code)
	require.Equal(t, 1, svc.calls)

	second := postWidgetChat(t, h, twin.ID, key, req)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, 2, svc.calls, "retry of an uncommitted turn must run the pipeline")
	assert.Contains(t, second.Body.String(), "answered on retry")
}

// The twin chat endpoint admits anonymous callers; the resolver sees nil
// claims and derives a widget context.
func TestOwnerChatRouteAdmitsAnonymousVisitor(t *testing.T) {
	_, twin := seedChatTwin(t)

	var got turn.Request
	svc := &stubTurnService{fn: func(_ int, req turn.Request, emit turn.Emit) error {
		got = req
		return emit(model.TurnFrame{Type: model.FrameDone, Variant: model.VariantAnswered})
	}}
	h := newChatHandlers(svc)

	b, err := json.Marshal(model.ChatRequest{Message: "hello"})
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, "/v1/twins/"+twin.ID.String()+"/chat", bytes.NewReader(b))
	r.SetPathValue("twin_id", twin.ID.String())
	rec := httptest.NewRecorder()
	h.HandleOwnerChat(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, svc.calls)
	assert.Nil(t, got.Resolve.Claims)
	assert.Equal(t, model.OriginOwnerChat, got.Resolve.Origin)
	assert.Equal(t, twin.ID, got.Resolve.TwinID)
}

func TestOwnerChatRouteAnonymousUnknownTwin(t *testing.T) {
	svc := &stubTurnService{fn: func(int, turn.Request, turn.Emit) error {
		t.Fatal("pipeline must not run for an unknown twin")
		return nil
	}}
	h := newChatHandlers(svc)

	b, err := json.Marshal(model.ChatRequest{Message: "hello"})
	require.NoError(t, err)
	twinID := uuid.New()
	r := httptest.NewRequest(http.MethodPost, "/v1/twins/"+twinID.String()+"/chat", bytes.NewReader(b))
	r.SetPathValue("twin_id", twinID.String())
	rec := httptest.NewRecorder()
	h.HandleOwnerChat(rec, r)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 0, svc.calls)
}
