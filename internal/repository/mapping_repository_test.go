package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharovest/pharovest-chain/internal/idmap"
	"github.com/pharovest/pharovest-chain/internal/model"
)

const testContract = "0x3E754f56fd92db9049febb6521a8C8DB8718Aa3C"

func TestMappingRepository_Bind(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMappingRepository(db)
	ctx := context.Background()

	m, err := repo.Bind(ctx, &model.IDMapping{OffChainID: "7", OnChainID: 7, Contract: testContract})
	require.NoError(t, err)
	assert.Equal(t, model.MappingStatusPending, m.Status)

	// 相同绑定幂等
	again, err := repo.Bind(ctx, &model.IDMapping{OffChainID: "7", OnChainID: 7, Contract: testContract})
	require.NoError(t, err)
	assert.Equal(t, m.ID, again.ID)

	// 链下 id 已绑定到其他链上 id
	_, err = repo.Bind(ctx, &model.IDMapping{OffChainID: "7", OnChainID: 8, Contract: testContract})
	assert.ErrorIs(t, err, ErrMappingConflict)

	// 链上 id 已被占用
	_, err = repo.Bind(ctx, &model.IDMapping{OffChainID: "8", OnChainID: 7, Contract: testContract})
	assert.ErrorIs(t, err, ErrMappingConflict)
}

func TestMappingRepository_ConfirmAndList(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMappingRepository(db)
	ctx := context.Background()

	for _, id := range []uint64{3, 1, 2} {
		_, err := repo.Bind(ctx, &model.IDMapping{OffChainID: idmap.Format(id), OnChainID: id, Contract: testContract})
		require.NoError(t, err)
	}

	require.NoError(t, repo.Confirm(ctx, "2", "0xfeed"))
	assert.ErrorIs(t, repo.Confirm(ctx, "9", "0xfeed"), ErrMappingNotFound)

	m, err := repo.GetByOnChainID(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, model.MappingStatusConfirmed, m.Status)
	assert.Equal(t, "0xfeed", m.TxHash)

	_, err = repo.GetByOffChainID(ctx, "42")
	assert.ErrorIs(t, err, ErrMappingNotFound)

	page := &Pagination{Page: 1, PageSize: 10}
	list, err := repo.List(ctx, page)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, uint64(1), list[0].OnChainID)
	assert.Equal(t, int64(3), page.Total)
}

func TestMappingRepository_SetTxHashKeepsPending(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMappingRepository(db)
	ctx := context.Background()

	_, err := repo.Bind(ctx, &model.IDMapping{OffChainID: "5", OnChainID: 5, Contract: testContract})
	require.NoError(t, err)

	require.NoError(t, repo.SetTxHash(ctx, "5", "0x55"))
	assert.ErrorIs(t, repo.SetTxHash(ctx, "9", "0x99"), ErrMappingNotFound)

	m, err := repo.GetByOffChainID(ctx, "5")
	require.NoError(t, err)
	assert.Equal(t, model.MappingStatusPending, m.Status)
	assert.Equal(t, "0x55", m.TxHash)

	// 确认时不传哈希保留已记录的哈希
	require.NoError(t, repo.Confirm(ctx, "5", ""))
	m, err = repo.GetByOffChainID(ctx, "5")
	require.NoError(t, err)
	assert.Equal(t, model.MappingStatusConfirmed, m.Status)
	assert.Equal(t, "0x55", m.TxHash)
}

func TestMappingRepository_BindUniqueViolationPostgres(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewMappingRepository(db)

	mock.ExpectQuery(`SELECT \* FROM "pharovest_id_mappings" WHERE off_chain_id = \$1`).
		WithArgs("8", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "off_chain_id", "on_chain_id"}))
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "pharovest_id_mappings"`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "idx_pharovest_id_mappings_on_chain_id"})
	mock.ExpectRollback()

	_, err := repo.Bind(context.Background(), &model.IDMapping{OffChainID: "8", OnChainID: 7, Contract: testContract})
	assert.ErrorIs(t, err, ErrMappingConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}
