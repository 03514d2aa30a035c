package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kagami/internal/model"
	"github.com/ashita-ai/kagami/internal/storage"
	"github.com/ashita-ai/kagami/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

// seedTwin creates a tenant and a twin under it with sensible policy text.
func seedTwin(t *testing.T) (model.Tenant, model.Twin) {
	t.Helper()
	ctx := context.Background()

	tenant, err := testDB.CreateTenant(ctx, model.Tenant{
		Name: "Test Tenant",
		Slug: "tenant-" + uuid.NewString()[:8],
	})
	require.NoError(t, err)

	twin, err := testDB.CreateTwin(ctx, model.Twin{
		TenantID:      tenant.ID,
		Name:          "Test Twin",
		Constitution:  "Never reveal private data.",
		PersonaPolicy: "Answer as a pragmatic engineer.",
		VoiceGuide:    "Short sentences. No filler.",
	})
	require.NoError(t, err)

	return tenant, twin
}

// seedConversation creates an owner_chat conversation for the given twin.
func seedConversation(t *testing.T, tenant model.Tenant, twin model.Twin) model.Conversation {
	t.Helper()
	conv, err := testDB.CreateConversation(context.Background(), model.Conversation{
		TenantID:           tenant.ID,
		TwinID:             twin.ID,
		InteractionContext: model.ContextOwnerChat,
		OriginEndpoint:     model.OriginOwnerChat,
	})
	require.NoError(t, err)
	return conv
}

// testVector builds a 1024-dim embedding whose first component dominates,
// so cosine ordering between vectors is controlled by the seed values.
func testVector(first, second float32) pgvector.Vector {
	v := make([]float32, 1024)
	v[0] = first
	v[1] = second
	return pgvector.NewVector(v)
}

func TestTenantCRUD(t *testing.T) {
	ctx := context.Background()
	slug := "acme-" + uuid.NewString()[:8]

	created, err := testDB.CreateTenant(ctx, model.Tenant{Name: "Acme", Slug: slug})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, created.ID)

	got, err := testDB.GetTenant(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Name)
	assert.Equal(t, slug, got.Slug)

	bySlug, err := testDB.GetTenantBySlug(ctx, slug)
	require.NoError(t, err)
	assert.Equal(t, created.ID, bySlug.ID)

	_, err = testDB.GetTenant(ctx, uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOwnerCRUD(t *testing.T) {
	ctx := context.Background()
	tenant, _ := seedTwin(t)
	email := "owner-" + uuid.NewString()[:8] + "@example.com"

	created, err := testDB.CreateOwner(ctx, model.Owner{
		TenantID: tenant.ID,
		Email:    email,
		Name:     "Taro",
		Role:     model.RoleOwnerAdmin,
	})
	require.NoError(t, err)

	got, err := testDB.GetOwner(ctx, tenant.ID, created.ID)
	require.NoError(t, err)
	assert.Equal(t, email, got.Email)
	assert.Equal(t, model.RoleOwnerAdmin, got.Role)

	// Tenant scoping: the same id under a different tenant must not resolve.
	_, err = testDB.GetOwner(ctx, uuid.New(), created.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	global, err := testDB.GetOwnersByEmailGlobal(ctx, email)
	require.NoError(t, err)
	require.Len(t, global, 1)
	assert.Equal(t, created.ID, global[0].ID)

	owners, err := testDB.ListOwners(ctx, tenant.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, owners, 1)
}

func TestTwinCRUDAndPolicies(t *testing.T) {
	ctx := context.Background()
	tenant, twin := seedTwin(t)

	got, err := testDB.GetTwin(ctx, tenant.ID, twin.ID)
	require.NoError(t, err)
	assert.Equal(t, "Never reveal private data.", got.Constitution)
	assert.Empty(t, got.ForbiddenTopics)
	assert.Nil(t, got.FallbackText)

	fallback := "I will check with the owner and get back to you."
	voice := "Warm but direct."
	updated, err := testDB.UpdateTwinPolicies(ctx, tenant.ID, twin.ID,
		nil, nil, &voice, &fallback, []string{"salary", "health"})
	require.NoError(t, err)
	assert.Equal(t, "Never reveal private data.", updated.Constitution, "nil fields stay untouched")
	assert.Equal(t, voice, updated.VoiceGuide)
	require.NotNil(t, updated.FallbackText)
	assert.Equal(t, fallback, *updated.FallbackText)
	assert.Equal(t, []string{"salary", "health"}, updated.ForbiddenTopics)

	_, err = testDB.UpdateTwinPolicies(ctx, tenant.ID, uuid.New(), nil, nil, nil, nil, nil)
	require.ErrorIs(t, err, storage.ErrNotFound)

	global, err := testDB.GetTwinGlobal(ctx, twin.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, global.TenantID)

	twins, err := testDB.ListTwins(ctx, tenant.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, twins, 1)
}

func TestConversationCreateAndGet(t *testing.T) {
	ctx := context.Background()
	tenant, twin := seedTwin(t)

	conv := seedConversation(t, tenant, twin)

	got, err := testDB.GetConversation(ctx, tenant.ID, twin.ID, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ContextOwnerChat, got.InteractionContext)
	assert.Equal(t, model.OriginOwnerChat, got.OriginEndpoint)
	assert.EqualValues(t, 0, got.LastSeq)

	// Wrong twin id must not resolve the conversation.
	_, err = testDB.GetConversation(ctx, tenant.ID, uuid.New(), conv.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestResetConversationConcurrentWinners(t *testing.T) {
	ctx := context.Background()
	tenant, twin := seedTwin(t)
	stale := seedConversation(t, tenant, twin)

	successor := model.Conversation{
		TenantID:               tenant.ID,
		TwinID:                 twin.ID,
		InteractionContext:     stale.InteractionContext,
		OriginEndpoint:         stale.OriginEndpoint,
		PreviousConversationID: &stale.ID,
	}

	winner, created, err := testDB.ResetConversation(ctx, successor)
	require.NoError(t, err)
	assert.True(t, created)
	require.NotNil(t, winner.PreviousConversationID)
	assert.Equal(t, stale.ID, *winner.PreviousConversationID)

	// A second reset of the same stale conversation hits the partial unique
	// index and adopts the existing successor instead of creating a sibling.
	adopted, created, err := testDB.ResetConversation(ctx, successor)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, winner.ID, adopted.ID)

	viaLookup, err := testDB.GetResetSuccessor(ctx, tenant.ID, twin.ID, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, winner.ID, viaLookup.ID)
}

func TestResetConversationRequiresPredecessor(t *testing.T) {
	tenant, twin := seedTwin(t)
	_, _, err := testDB.ResetConversation(context.Background(), model.Conversation{
		TenantID:           tenant.ID,
		TwinID:             twin.ID,
		InteractionContext: model.ContextOwnerChat,
		OriginEndpoint:     model.OriginOwnerChat,
	})
	require.Error(t, err)
}

func TestFinalizeTurnSequencing(t *testing.T) {
	ctx := context.Background()
	tenant, twin := seedTwin(t)
	conv := seedConversation(t, tenant, twin)

	first, err := testDB.FinalizeTurn(ctx, storage.FinalizeTurnParams{
		Conversation:     conv,
		UserContent:      "What do you work on?",
		AssistantContent: "Mostly distributed storage.",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, first.UserMessage.Seq)
	assert.EqualValues(t, 2, first.AssistantMessage.Seq)
	assert.Equal(t, model.RoleUser, first.UserMessage.Role)
	assert.Equal(t, model.RoleAssistant, first.AssistantMessage.Role)

	second, err := testDB.FinalizeTurn(ctx, storage.FinalizeTurnParams{
		Conversation:     conv,
		UserContent:      "Since when?",
		AssistantContent: "About six years now.",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, second.UserMessage.Seq)
	assert.EqualValues(t, 4, second.AssistantMessage.Seq)

	msgs, err := testDB.ListMessages(ctx, tenant.ID, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	for i, m := range msgs {
		assert.EqualValues(t, i+1, m.Seq)
		assert.Equal(t, conv.InteractionContext, m.InteractionContext)
	}

	recent, err := testDB.ListRecentMessages(ctx, tenant.ID, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.EqualValues(t, 3, recent[0].Seq)
	assert.EqualValues(t, 4, recent[1].Seq)
}

func TestFinalizeTurnWithTrainingMemory(t *testing.T) {
	ctx := context.Background()
	tenant, twin := seedTwin(t)

	owner, err := testDB.CreateOwner(ctx, model.Owner{
		TenantID: tenant.ID,
		Email:    "trainer-" + uuid.NewString()[:8] + "@example.com",
		Name:     "Trainer",
		Role:     model.RoleOwner,
	})
	require.NoError(t, err)

	session, err := testDB.StartTrainingSession(ctx, tenant.ID, twin.ID, owner.ID)
	require.NoError(t, err)

	conv, err := testDB.CreateConversation(ctx, model.Conversation{
		TenantID:           tenant.ID,
		TwinID:             twin.ID,
		InteractionContext: model.ContextOwnerTraining,
		OriginEndpoint:     model.OriginOwnerChat,
		TrainingSessionID:  &session.ID,
	})
	require.NoError(t, err)

	emb := testVector(1, 0)
	result, err := testDB.FinalizeTurn(ctx, storage.FinalizeTurnParams{
		Conversation:     conv,
		UserContent:      "Remember: I moved to Kyoto in 2019.",
		AssistantContent: "Noted. Kyoto since 2019.",
		Memory: &storage.MemoryDraft{
			TrainingSessionID: session.ID,
			Content:           "Owner moved to Kyoto in 2019.",
			Embedding:         &emb,
		},
	})
	require.NoError(t, err)
	require.NotNil(t, result.MemoryID)

	mem, err := testDB.GetTrainingMemory(ctx, tenant.ID, *result.MemoryID)
	require.NoError(t, err)
	assert.Equal(t, "Owner moved to Kyoto in 2019.", mem.Content)
	assert.Equal(t, session.ID, mem.TrainingSessionID)

	count, err := testDB.CountTrainingMemories(ctx, tenant.ID, twin.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	listed, err := testDB.ListTrainingMemories(ctx, tenant.ID, session.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestTrainingSessionSingleActive(t *testing.T) {
	ctx := context.Background()
	tenant, twin := seedTwin(t)

	owner, err := testDB.CreateOwner(ctx, model.Owner{
		TenantID: tenant.ID,
		Email:    "solo-" + uuid.NewString()[:8] + "@example.com",
		Name:     "Solo",
		Role:     model.RoleOwner,
	})
	require.NoError(t, err)

	session, err := testDB.StartTrainingSession(ctx, tenant.ID, twin.ID, owner.ID)
	require.NoError(t, err)
	assert.True(t, session.Active())

	// The one-active unique index rejects a second concurrent session.
	_, err = testDB.StartTrainingSession(ctx, tenant.ID, twin.ID, owner.ID)
	require.ErrorIs(t, err, storage.ErrTrainingSessionActive)

	active, err := testDB.GetActiveTrainingSession(ctx, tenant.ID, twin.ID, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, active.ID)

	ended, err := testDB.EndTrainingSession(ctx, tenant.ID, session.ID)
	require.NoError(t, err)
	assert.False(t, ended.Active())
	require.NotNil(t, ended.EndedAt)

	_, err = testDB.GetActiveTrainingSession(ctx, tenant.ID, twin.ID, owner.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	// Ending frees the slot for a fresh session.
	_, err = testDB.StartTrainingSession(ctx, tenant.ID, twin.ID, owner.ID)
	require.NoError(t, err)

	sessions, err := testDB.ListTrainingSessions(ctx, tenant.ID, twin.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestShareLinks(t *testing.T) {
	ctx := context.Background()
	tenant, twin := seedTwin(t)
	tokenHash := "argon2id-" + uuid.NewString()

	link, err := testDB.CreateShareLink(ctx, model.ShareLink{
		TenantID:  tenant.ID,
		TwinID:    twin.ID,
		TokenHash: tokenHash,
	})
	require.NoError(t, err)

	byHash, err := testDB.GetShareLinkByTokenHash(ctx, tokenHash)
	require.NoError(t, err)
	assert.Equal(t, link.ID, byHash.ID)
	assert.False(t, byHash.Revoked())

	require.NoError(t, testDB.RevokeShareLink(ctx, tenant.ID, link.ID))

	revoked, err := testDB.GetShareLink(ctx, tenant.ID, link.ID)
	require.NoError(t, err)
	assert.True(t, revoked.Revoked())

	links, err := testDB.ListShareLinks(ctx, tenant.ID, twin.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)

	_, err = testDB.GetShareLinkByTokenHash(ctx, "no-such-hash")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestVerifiedAnswerSearch(t *testing.T) {
	ctx := context.Background()
	tenant, twin := seedTwin(t)

	near := testVector(1, 0)
	far := testVector(0, 1)

	first, err := testDB.CreateVerifiedAnswer(ctx, model.VerifiedAnswer{
		TenantID:  tenant.ID,
		TwinID:    twin.ID,
		Question:  "Where did you study?",
		Answer:    "Tohoku University.",
		Embedding: &near,
	})
	require.NoError(t, err)

	_, err = testDB.CreateVerifiedAnswer(ctx, model.VerifiedAnswer{
		TenantID:  tenant.ID,
		TwinID:    twin.ID,
		Question:  "Favorite food?",
		Answer:    "Ramen.",
		Embedding: &far,
	})
	require.NoError(t, err)

	matches, err := testDB.SearchVerifiedAnswers(ctx, tenant.ID, twin.ID, testVector(1, 0.1), 5)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, first.ID, matches[0].Answer.ID, "closest embedding ranks first")
	assert.Greater(t, matches[0].Similarity, matches[1].Similarity)

	listed, err := testDB.ListVerifiedAnswers(ctx, tenant.ID, twin.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	require.NoError(t, testDB.DeleteVerifiedAnswer(ctx, tenant.ID, first.ID))
	_, err = testDB.GetVerifiedAnswer(ctx, tenant.ID, first.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestContentChunkSearch(t *testing.T) {
	ctx := context.Background()
	tenant, twin := seedTwin(t)

	near := testVector(1, 0)
	chunk, err := testDB.CreateContentChunk(ctx, model.ContentChunk{
		TenantID:  tenant.ID,
		TwinID:    twin.ID,
		SourceID:  uuid.New(),
		Content:   "I spent most of 2021 rewriting our ingest pipeline.",
		Embedding: &near,
	})
	require.NoError(t, err)

	matches, err := testDB.SearchContentChunks(ctx, tenant.ID, twin.ID, testVector(1, 0), 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, chunk.ID, matches[0].Chunk.ID)

	count, err := testDB.CountContentChunks(ctx, tenant.ID, twin.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// raiseEscalation runs a turn that escalates and returns the created escalation id.
func raiseEscalation(t *testing.T, tenant model.Tenant, twin model.Twin) uuid.UUID {
	t.Helper()
	conv := seedConversation(t, tenant, twin)
	draft := "I believe the answer is 42, but I am not sure."
	result, err := testDB.FinalizeTurn(context.Background(), storage.FinalizeTurnParams{
		Conversation:     conv,
		UserContent:      "What is the answer?",
		AssistantContent: "Let me check with the owner and get back to you.",
		Escalation: &storage.EscalationDraft{
			Question:    "What is the answer?",
			DraftAnswer: &draft,
			Confidence:  0.41,
		},
	})
	require.NoError(t, err)
	require.NotNil(t, result.EscalationID)
	return *result.EscalationID
}

func TestEscalationLifecycle(t *testing.T) {
	ctx := context.Background()
	tenant, twin := seedTwin(t)
	escID := raiseEscalation(t, tenant, twin)

	esc, err := testDB.GetEscalation(ctx, tenant.ID, escID)
	require.NoError(t, err)
	assert.Equal(t, model.EscalationPending, esc.Status)
	assert.InDelta(t, 0.41, esc.Confidence, 0.001)
	require.NotNil(t, esc.DraftAnswer)

	pending := model.EscalationPending
	listed, err := testDB.ListEscalations(ctx, tenant.ID, twin.ID, &pending, 10, 0)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	count, err := testDB.CountPendingEscalations(ctx, tenant.ID, twin.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	responded, err := testDB.RespondEscalation(ctx, tenant.ID, escID, "The answer is 42.")
	require.NoError(t, err)
	assert.Equal(t, model.EscalationResponded, responded.Status)
	require.NotNil(t, responded.OwnerResponse)

	// The respond/dismiss CAS only fires on pending rows.
	_, err = testDB.RespondEscalation(ctx, tenant.ID, escID, "Again.")
	require.ErrorIs(t, err, storage.ErrEscalationNotPending)
	_, err = testDB.DismissEscalation(ctx, tenant.ID, escID)
	require.ErrorIs(t, err, storage.ErrEscalationNotPending)

	_, err = testDB.RespondEscalation(ctx, tenant.ID, uuid.New(), "Nobody asked.")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEscalationDismiss(t *testing.T) {
	ctx := context.Background()
	tenant, twin := seedTwin(t)
	escID := raiseEscalation(t, tenant, twin)

	dismissed, err := testDB.DismissEscalation(ctx, tenant.ID, escID)
	require.NoError(t, err)
	assert.Equal(t, model.EscalationDismissed, dismissed.Status)

	count, err := testDB.CountPendingEscalations(ctx, tenant.ID, twin.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestRespondEscalationTxPromotesVerifiedAnswer(t *testing.T) {
	ctx := context.Background()
	tenant, twin := seedTwin(t)
	escID := raiseEscalation(t, tenant, twin)

	emb := testVector(1, 0)
	esc, va, err := testDB.RespondEscalationTx(ctx, tenant.ID, escID, "The answer is 42.", emb)
	require.NoError(t, err)
	assert.Equal(t, model.EscalationResponded, esc.Status)
	require.NotNil(t, va.EscalationID)
	assert.Equal(t, escID, *va.EscalationID)
	assert.Equal(t, "What is the answer?", va.Question)
	assert.Equal(t, "The answer is 42.", va.Answer)

	// The promoted answer is immediately searchable in the verified tier.
	matches, err := testDB.SearchVerifiedAnswers(ctx, tenant.ID, twin.ID, emb, 5)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, va.ID, matches[0].Answer.ID)
}
