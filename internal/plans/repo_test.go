package plans

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/esimhub-backend/pkg/db/dbtest"
	"github.com/angelmondragon/esimhub-backend/pkg/db/models"
	"github.com/angelmondragon/esimhub-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
)

func TestFindActive(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	ctx := context.Background()

	plan := models.Plan{Supplier: enums.SupplierB, SupplierPlanCode: "pt_1", CountryCode: "FR", ValidityDays: 7, WholesalePrice: decimal.RequireFromString("2.00")}
	require.NoError(t, conn.Create(&plan).Error)

	_, err := repo.FindActive(ctx, plan.ID)
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.CodeOf(err))

	require.NoError(t, conn.Model(&plan).Update("active", true).Error)
	got, err := repo.FindActive(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, "pt_1", got.SupplierPlanCode)

	_, err = repo.FindByID(ctx, uuid.New())
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.CodeOf(err))
}
