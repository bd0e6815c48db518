//go:build integration

package definition_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pgdef "github.com/alanyang/promptlab/internal/adapter/postgres/definition"
	"github.com/alanyang/promptlab/internal/domain/fault"
	"github.com/alanyang/promptlab/internal/testutil"
)

func TestDefinitionRepository_GetCard(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	repo := pgdef.New(pool)
	ctx := context.Background()

	id := "card-" + uuid.NewString()[:8]
	testutil.InsertCard(t, pool, id, "Hello {{name}}", []byte(`{"type":"object"}`), map[string]string{"tc-1": "Ada"})

	c, err := repo.GetCard(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Hello {{name}}", c.Template)
	assert.JSONEq(t, `{"type":"object"}`, string(c.InputSchema))
	require.Len(t, c.TestCases, 1)
	assert.Equal(t, "Ada", c.TestCases[0].Inputs["name"])

	_, err = repo.GetCard(ctx, "missing-"+id)
	assert.True(t, errors.Is(err, fault.ErrNotFound))
}
