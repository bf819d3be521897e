package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedDefaultsIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.styles.SeedDefaults(ctx))

	styles, err := h.styles.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, styles, len(defaultStyles))

	got, err := h.styles.Resolve(ctx, "3D Cartoon")
	require.NoError(t, err)
	assert.Equal(t, "3d-cartoon", got.Slug)
}

func TestStyleLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.styles.Create(ctx, StyleInput{Title: "Pixel Art", PromptText: "Redraw as 16-bit pixel art."})
	require.NoError(t, err)
	assert.Equal(t, "pixel-art", created.Slug)
	assert.True(t, created.IsActive)

	_, err = h.styles.Create(ctx, StyleInput{Title: "Pixel art", PromptText: "again"})
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = h.styles.Create(ctx, StyleInput{Title: "No prompt"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	updated, err := h.styles.Update(ctx, created.ID, StyleInput{IsActive: boolPtr(false)})
	require.NoError(t, err)
	assert.False(t, updated.IsActive)

	_, err = h.styles.Resolve(ctx, "pixel-art")
	assert.ErrorIs(t, err, ErrInvalidStyle)

	active, err := h.styles.List(ctx, true)
	require.NoError(t, err)
	assert.Len(t, active, len(defaultStyles))

	require.NoError(t, h.styles.Delete(ctx, created.ID))
	_, err = h.styles.Update(ctx, created.ID, StyleInput{Title: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}
