package training_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kagami/internal/model"
	"github.com/ashita-ai/kagami/internal/service/resolve"
	"github.com/ashita-ai/kagami/internal/service/training"
	"github.com/ashita-ai/kagami/internal/storage"
	"github.com/ashita-ai/kagami/internal/testutil"
)

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

func seedTwinOwner(t *testing.T) (model.Tenant, model.Twin, model.Owner) {
	t.Helper()
	ctx := context.Background()

	tenant, err := testDB.CreateTenant(ctx, model.Tenant{
		Name: "Training Tenant",
		Slug: "training-" + uuid.NewString()[:8],
	})
	require.NoError(t, err)

	twin, err := testDB.CreateTwin(ctx, model.Twin{
		TenantID:     tenant.ID,
		Name:         "Training Twin",
		Constitution: "Be honest.",
	})
	require.NoError(t, err)

	owner, err := testDB.CreateOwner(ctx, model.Owner{
		TenantID: tenant.ID,
		Email:    "trainer-" + uuid.NewString()[:8] + "@example.com",
		Name:     "Trainer",
		Role:     model.RoleOwner,
	})
	require.NoError(t, err)

	return tenant, twin, owner
}

func TestStartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tenant, twin, owner := seedTwinOwner(t)
	m := training.New(testDB, testutil.TestLogger())

	first, err := m.Start(ctx, tenant.ID, twin.ID, owner.ID)
	require.NoError(t, err)
	assert.True(t, first.Active())

	// A second start adopts the open window instead of failing.
	second, err := m.Start(ctx, tenant.ID, twin.ID, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestStopClosesWindow(t *testing.T) {
	ctx := context.Background()
	tenant, twin, owner := seedTwinOwner(t)
	m := training.New(testDB, testutil.TestLogger())

	session, err := m.Start(ctx, tenant.ID, twin.ID, owner.ID)
	require.NoError(t, err)

	ended, stopped, err := m.Stop(ctx, tenant.ID, twin.ID, owner.ID)
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.Equal(t, session.ID, ended.ID)
	assert.False(t, ended.Active())

	// Stop with no open window is a quiet no-op.
	_, stopped, err = m.Stop(ctx, tenant.ID, twin.ID, owner.ID)
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestInvalidateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tenant, twin, owner := seedTwinOwner(t)
	m := training.New(testDB, testutil.TestLogger())

	session, err := m.Start(ctx, tenant.ID, twin.ID, owner.ID)
	require.NoError(t, err)

	require.NoError(t, m.Invalidate(ctx, tenant.ID, session.ID, "auth expired"))
	require.NoError(t, m.Invalidate(ctx, tenant.ID, session.ID, "auth expired"))

	got, err := testDB.GetTrainingSession(ctx, tenant.ID, session.ID)
	require.NoError(t, err)
	assert.False(t, got.Active())
}

func TestReconcileDowngradesEndedSession(t *testing.T) {
	ctx := context.Background()
	tenant, twin, owner := seedTwinOwner(t)
	m := training.New(testDB, testutil.TestLogger())

	session, err := m.Start(ctx, tenant.ID, twin.ID, owner.ID)
	require.NoError(t, err)

	ownerID := owner.ID
	res := resolve.Resolution{
		Context:         model.ContextOwnerTraining,
		Origin:          model.OriginOwnerChat,
		TenantID:        tenant.ID,
		TwinID:          twin.ID,
		OwnerID:         &ownerID,
		TrainingSession: &session,
	}

	// Session still open: resolution passes through unchanged.
	same, err := m.Reconcile(ctx, res)
	require.NoError(t, err)
	assert.Equal(t, model.ContextOwnerTraining, same.Context)

	// Session ended between resolution and commit: the turn downgrades to
	// owner_chat instead of failing.
	_, _, err = m.Stop(ctx, tenant.ID, twin.ID, owner.ID)
	require.NoError(t, err)

	downgraded, err := m.Reconcile(ctx, res)
	require.NoError(t, err)
	assert.Equal(t, model.ContextOwnerChat, downgraded.Context)
	assert.Nil(t, downgraded.TrainingSession)
}

func TestReconcileIgnoresNonTraining(t *testing.T) {
	m := training.New(testDB, testutil.TestLogger())

	res := resolve.Resolution{Context: model.ContextPublicWidget}
	got, err := m.Reconcile(context.Background(), res)
	require.NoError(t, err)
	assert.Equal(t, model.ContextPublicWidget, got.Context)
}
