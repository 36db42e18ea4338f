package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharovest/pharovest-chain/internal/model"
)

func newTestProject(id string) *model.Project {
	return &model.Project{
		ID:              id,
		Title:           "Clean Water " + id,
		Creator:         "0x00000000000000000000000000000000000000aa",
		AmountRaised:    "$0.00",
		MinimumDonation: "20",
		FundingStatus:   model.FundingStatusActive,
		Milestones: []model.Milestone{
			{Title: "Survey", AmountRequired: "0.5"},
			{Title: "Drilling", AmountRequired: "0.5"},
		},
	}
}

func TestProjectRepository_CreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewProjectRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTestProject("7")))

	p, err := repo.GetByID(ctx, "7", nil)
	require.NoError(t, err)
	assert.Equal(t, "Clean Water 7", p.Title)
	require.Len(t, p.Milestones, 2)
	assert.Equal(t, 0, p.Milestones[0].Position)
	assert.Equal(t, "Survey", p.Milestones[0].Title)
	assert.Equal(t, 1, p.Milestones[1].Position)
	assert.NotZero(t, p.CreatedAt)

	_, err = repo.GetByID(ctx, "8", nil)
	assert.ErrorIs(t, err, ErrProjectNotFound)

	err = repo.Create(ctx, newTestProject("7"))
	assert.ErrorIs(t, err, ErrProjectExists)
}

func TestProjectRepository_NumericOrderAndNextID(t *testing.T) {
	db := setupTestDB(t)
	repo := NewProjectRepository(db)
	ctx := context.Background()

	next, err := repo.NextID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", next)

	for _, id := range []string{"10", "2", "1"} {
		require.NoError(t, repo.Create(ctx, newTestProject(id)))
	}

	projects, err := repo.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 3)
	assert.Equal(t, "1", projects[0].ID)
	assert.Equal(t, "2", projects[1].ID)
	assert.Equal(t, "10", projects[2].ID)

	next, err = repo.NextID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "11", next)

	page := &Pagination{Page: 1, PageSize: 2}
	paged, err := repo.List(ctx, page)
	require.NoError(t, err)
	assert.Len(t, paged, 2)
	assert.Equal(t, int64(3), page.Total)
}

func TestProjectRepository_ApplyUpdate(t *testing.T) {
	db := setupTestDB(t)
	repo := NewProjectRepository(db)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newTestProject("7")))

	amount := "$120.50"
	status := model.FundingStatusCompleted
	err := repo.ApplyUpdate(ctx, "7", &model.ProjectUpdate{
		AmountRaised:        &amount,
		FundingStatus:       &status,
		CompletedMilestones: map[int]bool{1: true},
	})
	require.NoError(t, err)

	p, err := repo.GetByID(ctx, "7", nil)
	require.NoError(t, err)
	assert.Equal(t, "$120.50", p.AmountRaised)
	assert.Equal(t, model.FundingStatusCompleted, p.FundingStatus)
	assert.False(t, p.Milestones[0].Completed)
	assert.True(t, p.Milestones[1].Completed)

	// 空差异不写库
	assert.NoError(t, repo.ApplyUpdate(ctx, "missing", &model.ProjectUpdate{}))
	assert.ErrorIs(t, repo.ApplyUpdate(ctx, "missing", &model.ProjectUpdate{AmountRaised: &amount}), ErrProjectNotFound)
}

func TestProjectRepository_SetBlockchainHashAndFunding(t *testing.T) {
	db := setupTestDB(t)
	repo := NewProjectRepository(db)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newTestProject("3")))

	require.NoError(t, repo.SetBlockchainHash(ctx, "3", "0xabc"))
	require.NoError(t, repo.UpdateFunding(ctx, "3", "$50.00", 2))

	p, err := repo.GetByID(ctx, "3", &QueryOptions{ForUpdate: true})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", p.BlockchainHash)
	assert.Equal(t, "$50.00", p.AmountRaised)
	assert.Equal(t, int64(2), p.Contributors)

	assert.ErrorIs(t, repo.SetBlockchainHash(ctx, "4", "0xabc"), ErrProjectNotFound)
	assert.ErrorIs(t, repo.UpdateFunding(ctx, "4", "$1.00", 1), ErrProjectNotFound)
}

func TestProjectRepository_GetByID_MockNotFound(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewProjectRepository(db)

	mock.ExpectQuery(`SELECT \* FROM "pharovest_projects" WHERE id = \$1`).
		WithArgs("99", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title"}))

	_, err := repo.GetByID(context.Background(), "99", nil)
	assert.ErrorIs(t, err, ErrProjectNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
