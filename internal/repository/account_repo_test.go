package repository

import (
	"context"
	"testing"

	"credvault/internal/model"
	"credvault/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAccount(t *testing.T, repo *AccountRepository, productID int64, maxUsers, count int) *model.Account {
	t.Helper()
	a := &model.Account{
		ProductID:     productID,
		StoreID:       "s1",
		Status:        model.RecomputeStatus(model.AccountStatusActive, maxUsers, count),
		MaxUsers:      maxUsers,
		ClaimantCount: count,
	}
	require.NoError(t, repo.Create(context.Background(), nil, a))
	return a
}

func TestAccountRepository_ListCandidatesOrder(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	busy := newAccount(t, repo, 1, 3, 2)
	empty := newAccount(t, repo, 1, 3, 0)
	newAccount(t, repo, 1, 1, 1)
	newAccount(t, repo, 2, 3, 0)
	unlimited := newAccount(t, repo, 1, 0, 1)

	got, err := repo.ListCandidates(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{empty.ID, unlimited.ID, busy.ID}, []int64{got[0].ID, got[1].ID, got[2].ID})

	n, err := repo.CountAvailable(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestAccountRepository_ClaimSlotStaleRead(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	a := newAccount(t, repo, 1, 1, 0)
	stale := *a

	require.NoError(t, repo.ClaimSlot(ctx, nil, a, false))
	assert.Equal(t, 1, a.ClaimantCount)
	assert.Equal(t, model.AccountStatusFull, a.Status)

	// 基于旧快照的第二次占用必须失败
	assert.ErrorIs(t, repo.ClaimSlot(ctx, nil, &stale, false), ErrStorageConflict)

	stored, err := repo.GetByID(ctx, nil, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ClaimantCount)
}

func TestAccountRepository_ClaimSlotForceFull(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewAccountRepository(db)

	a := newAccount(t, repo, 1, 0, 0)
	require.NoError(t, repo.ClaimSlot(context.Background(), nil, a, true))
	assert.Equal(t, model.AccountStatusFull, a.Status)
}

func TestAccountRepository_SetClaimantCountReopens(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	a := newAccount(t, repo, 1, 2, 2)
	require.Equal(t, model.AccountStatusFull, a.Status)

	require.NoError(t, repo.SetClaimantCount(ctx, nil, a, 1))
	assert.Equal(t, model.AccountStatusActive, a.Status)

	require.NoError(t, repo.SetClaimantCount(ctx, nil, a, -5))
	assert.Equal(t, 0, a.ClaimantCount)
}

func TestAccountRepository_UpdateCapacity(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	a := newAccount(t, repo, 1, 3, 2)
	require.NoError(t, repo.UpdateCapacity(ctx, nil, a, 2))
	assert.Equal(t, model.AccountStatusFull, a.Status)

	require.NoError(t, repo.UpdateCapacity(ctx, nil, a, 0))
	assert.Equal(t, model.AccountStatusActive, a.Status)

	assert.ErrorIs(t, repo.UpdateCapacity(ctx, nil, a, -1), ErrInvalidAccountOp)
}

func TestAccountRepository_UpdateStatus(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	a := newAccount(t, repo, 1, 2, 0)
	require.NoError(t, repo.UpdateStatus(ctx, nil, a.ID, model.AccountStatusActive, model.AccountStatusPaused))
	assert.ErrorIs(t, repo.UpdateStatus(ctx, nil, a.ID, model.AccountStatusActive, model.AccountStatusFull), ErrStorageConflict)
	assert.ErrorIs(t, repo.UpdateStatus(ctx, nil, a.ID, model.AccountStatusPaused, "bogus"), ErrInvalidAccountOp)

	require.NoError(t, repo.Delete(ctx, nil, a.ID))
	assert.ErrorIs(t, repo.Delete(ctx, nil, a.ID), ErrAccountNotFound)
	_, err := repo.GetByID(ctx, nil, a.ID)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}
