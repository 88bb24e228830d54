//go:build integration

package repository

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/recasthq/recast/auth"
	"github.com/recasthq/recast/db"
	"github.com/recasthq/recast/errdefs"
	"github.com/recasthq/recast/transform"
)

// openTestDB connects to the database named by RECAST_TEST_DATABASE_URL
// and migrates the schema. Tests are skipped when the variable is
// unset so the suite stays runnable without infrastructure.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("RECAST_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("RECAST_TEST_DATABASE_URL not set")
	}
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	return gdb
}

func seedWorkspaceUser(t *testing.T, gdb *gorm.DB) (auth.Subject, *db.User) {
	t.Helper()
	identities := NewIdentityRepository(gdb)
	workspace := &db.Workspace{ID: uuid.NewString(), Name: "test workspace"}
	user := &db.User{
		ID:           uuid.NewString(),
		WorkspaceID:  workspace.ID,
		Email:        fmt.Sprintf("it-%s@example.com", uuid.NewString()[:8]),
		PasswordHash: "$2a$10$notachance",
		Role:         auth.RoleAdmin,
		IsActive:     true,
	}
	require.NoError(t, identities.CreateUserWithWorkspace(context.Background(), user, workspace))
	return auth.Subject{UserID: user.ID, WorkspaceID: workspace.ID, Role: user.Role}, user
}

func TestIdentityRepository_Integration(t *testing.T) {
	gdb := openTestDB(t)
	identities := NewIdentityRepository(gdb)
	ctx := context.Background()

	sub, user := seedWorkspaceUser(t, gdb)

	t.Run("duplicate email conflicts", func(t *testing.T) {
		dup := &db.User{
			ID:           uuid.NewString(),
			WorkspaceID:  sub.WorkspaceID,
			Email:        user.Email,
			PasswordHash: "x",
			Role:         auth.RoleMember,
		}
		err := identities.CreateUserWithWorkspace(ctx, dup, nil)
		assert.True(t, errdefs.IsConflict(err))
	})

	t.Run("lookup round trip", func(t *testing.T) {
		got, err := identities.GetUserByEmail(ctx, user.Email)
		require.NoError(t, err)
		assert.Equal(t, user.ID, got.ID)

		_, err = identities.GetUserByEmail(ctx, "nobody@example.com")
		assert.True(t, errdefs.IsNotFound(err))
	})

	t.Run("touch last login", func(t *testing.T) {
		at := time.Now().Truncate(time.Millisecond)
		require.NoError(t, identities.TouchLastLogin(ctx, user.ID, at))
		got, err := identities.GetUserByID(ctx, user.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LastLoginAt)
	})
}

func TestSessionRepository_Integration_Rotate(t *testing.T) {
	gdb := openTestDB(t)
	sessions := NewSessionRepository(gdb)
	ctx := context.Background()
	_, user := seedWorkspaceUser(t, gdb)

	newSession := func(parent *string, chain string) *db.Session {
		id := uuid.NewString()
		if chain == "" {
			chain = id
		}
		return &db.Session{
			ID:              id,
			UserID:          user.ID,
			WorkspaceID:     user.WorkspaceID,
			ChainID:         chain,
			ParentSessionID: parent,
			LookupKey:       uuid.NewString()[:32] + uuid.NewString()[:32],
			RefreshHash:     "hash",
			IssuedAt:        time.Now(),
			ExpiresAt:       time.Now().Add(time.Hour),
		}
	}

	root := newSession(nil, "")
	require.NoError(t, sessions.Create(ctx, root))

	next := newSession(&root.ID, root.ChainID)
	require.NoError(t, sessions.Rotate(ctx, root.ID, next))

	t.Run("rotated session is revoked with a successor", func(t *testing.T) {
		got, err := sessions.GetByID(ctx, root.ID)
		require.NoError(t, err)
		assert.True(t, got.Revoked)

		has, err := sessions.HasSuccessor(ctx, root.ID)
		require.NoError(t, err)
		assert.True(t, has)
	})

	t.Run("second rotation of the same session conflicts", func(t *testing.T) {
		again := newSession(&root.ID, root.ChainID)
		err := sessions.Rotate(ctx, root.ID, again)
		assert.True(t, errdefs.IsConflict(err))
	})

	t.Run("chain revocation covers every link", func(t *testing.T) {
		require.NoError(t, sessions.RevokeChain(ctx, root.ChainID))
		got, err := sessions.GetByID(ctx, next.ID)
		require.NoError(t, err)
		assert.True(t, got.Revoked)
	})

	t.Run("delete expired removes old rows", func(t *testing.T) {
		stale := newSession(nil, "")
		stale.ExpiresAt = time.Now().Add(-time.Hour)
		require.NoError(t, sessions.Create(ctx, stale))

		n, err := sessions.DeleteExpired(ctx, time.Now())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))
	})
}

func TestRepository_Integration_WorkspaceScoping(t *testing.T) {
	gdb := openTestDB(t)
	repo := NewRepository(gdb)
	ctx := context.Background()

	subA, _ := seedWorkspaceUser(t, gdb)
	subB, _ := seedWorkspaceUser(t, gdb)

	doc := &db.Document{
		ID:          uuid.NewString(),
		UserID:      subA.UserID,
		Title:       "quarterly report",
		ContentType: "text/plain",
		Status:      db.DocumentReady,
		BlobRef:     subA.WorkspaceID + "/abc123",
	}
	require.NoError(t, repo.CreateDocument(ctx, subA, doc))

	t.Run("owner sees the document", func(t *testing.T) {
		got, err := repo.GetDocument(ctx, subA, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, subA.WorkspaceID, got.WorkspaceID)
	})

	t.Run("other workspace gets not_found", func(t *testing.T) {
		_, err := repo.GetDocument(ctx, subB, doc.ID)
		assert.True(t, errdefs.IsNotFound(err))
	})

	t.Run("listing stays inside the workspace", func(t *testing.T) {
		docs, total, err := repo.ListDocuments(ctx, subB, db.DocumentFilter{})
		require.NoError(t, err)
		assert.Zero(t, total)
		assert.Empty(t, docs)
	})

	t.Run("soft delete hides the document", func(t *testing.T) {
		require.NoError(t, repo.DeleteDocument(ctx, subA, doc.ID))
		_, err := repo.GetDocument(ctx, subA, doc.ID)
		assert.True(t, errdefs.IsNotFound(err))
	})
}

func TestRepository_Integration_TransformationLifecycle(t *testing.T) {
	gdb := openTestDB(t)
	repo := NewRepository(gdb)
	ctx := context.Background()
	sub, _ := seedWorkspaceUser(t, gdb)

	job := &db.Transformation{
		ID:         uuid.NewString(),
		UserID:     sub.UserID,
		Kind:       transform.KindSummary,
		Parameters: db.JSONMap{"length": "short"},
		Status:     db.TransformationPending,
	}
	require.NoError(t, repo.CreateTransformation(ctx, sub, job))

	started, err := repo.BeginTransformation(ctx, sub, job.ID, 1)
	require.NoError(t, err)
	assert.True(t, started)

	t.Run("begin is not repeatable", func(t *testing.T) {
		again, err := repo.BeginTransformation(ctx, sub, job.ID, 2)
		require.NoError(t, err)
		assert.False(t, again)
	})

	t.Run("complete records result and provider", func(t *testing.T) {
		done, err := repo.CompleteTransformation(ctx, sub, job.ID, "a short summary", "anthropic", 321)
		require.NoError(t, err)
		assert.True(t, done)

		got, err := repo.GetTransformation(ctx, sub, job.ID)
		require.NoError(t, err)
		assert.Equal(t, db.TransformationCompleted, got.Status)
		require.NotNil(t, got.Result)
		assert.Equal(t, "a short summary", *got.Result)
		require.NotNil(t, got.TokensUsed)
		assert.Equal(t, 321, *got.TokensUsed)
	})

	t.Run("terminal jobs refuse further transitions", func(t *testing.T) {
		moved, err := repo.FailTransformation(ctx, sub, job.ID, "late failure")
		require.NoError(t, err)
		assert.False(t, moved)

		moved, err = repo.CancelTransformation(ctx, sub, job.ID)
		require.NoError(t, err)
		assert.False(t, moved)
	})
}

func TestTaskRepository_Integration_ClaimOrdering(t *testing.T) {
	gdb := openTestDB(t)
	tasks := NewTaskRepository(gdb)
	ctx := context.Background()
	sub, _ := seedWorkspaceUser(t, gdb)

	now := time.Now()
	early := &db.QueuedTask{
		ID:          uuid.NewString(),
		WorkspaceID: sub.WorkspaceID,
		NotBefore:   now.Add(-2 * time.Minute),
		Payload:     db.JSONMap{"n": float64(1)},
	}
	late := &db.QueuedTask{
		ID:          uuid.NewString(),
		WorkspaceID: sub.WorkspaceID,
		NotBefore:   now.Add(-time.Minute),
		Payload:     db.JSONMap{"n": float64(2)},
	}
	future := &db.QueuedTask{
		ID:          uuid.NewString(),
		WorkspaceID: sub.WorkspaceID,
		NotBefore:   now.Add(time.Hour),
		Payload:     db.JSONMap{"n": float64(3)},
	}
	for _, task := range []*db.QueuedTask{late, early, future} {
		require.NoError(t, tasks.Enqueue(ctx, task))
	}

	t.Run("duplicate enqueue conflicts", func(t *testing.T) {
		err := tasks.Enqueue(ctx, &db.QueuedTask{
			ID:          early.ID,
			WorkspaceID: sub.WorkspaceID,
			NotBefore:   now,
		})
		assert.True(t, errdefs.IsConflict(err))
	})

	t.Run("claims follow not_before order and skip future work", func(t *testing.T) {
		first, err := tasks.Claim(ctx, "worker-1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, early.ID, first.ID)
		assert.Equal(t, 1, first.Attempts)

		second, err := tasks.Claim(ctx, "worker-2", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, second)
		assert.Equal(t, late.ID, second.ID)

		third, err := tasks.Claim(ctx, "worker-3", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, third, "future task must not be claimable yet")
	})

	t.Run("nack makes a task claimable again after its delay", func(t *testing.T) {
		require.NoError(t, tasks.Nack(ctx, early.ID, time.Now().Add(-time.Second)))
		again, err := tasks.Claim(ctx, "worker-1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, early.ID, again.ID)
		assert.Equal(t, 2, again.Attempts)
	})

	t.Run("ack requires the claim owner", func(t *testing.T) {
		err := tasks.Ack(ctx, early.ID, "impostor")
		assert.True(t, errdefs.IsConflict(err))

		require.NoError(t, tasks.Ack(ctx, early.ID, "worker-1"))
		require.NoError(t, tasks.Ack(ctx, late.ID, "worker-2"))
		depth, err := tasks.Depth(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, depth, int64(1)) // the future task remains
	})

	t.Run("cancel flag round trip", func(t *testing.T) {
		flagged, err := tasks.RequestCancel(ctx, sub, future.ID)
		require.NoError(t, err)
		assert.True(t, flagged)

		cancelled, err := tasks.CancelRequested(ctx, future.ID)
		require.NoError(t, err)
		assert.True(t, cancelled)

		cancelled, err = tasks.CancelRequested(ctx, uuid.NewString())
		require.NoError(t, err)
		assert.False(t, cancelled)
	})

	t.Run("remove unclaimed skips claimed rows", func(t *testing.T) {
		removed, err := tasks.RemoveUnclaimed(ctx, future.ID)
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = tasks.RemoveUnclaimed(ctx, future.ID)
		require.NoError(t, err)
		assert.False(t, removed, "second removal finds nothing")
	})
}
