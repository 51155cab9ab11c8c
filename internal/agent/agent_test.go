package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "kortix-mvp/internal/errors"
)

func TestCreateDefaultsName(t *testing.T) {
	svc := NewService(NewMemoryStore())

	ag, err := svc.Create(context.Background(), CreateRequest{Name: "   ", SystemPrompt: " be brief "})
	require.NoError(t, err)
	assert.Equal(t, DefaultName, ag.Name)
	assert.Equal(t, "be brief", ag.SystemPrompt)
	assert.Len(t, ag.ID, 36)
	assert.False(t, ag.CreatedAt.IsZero())

	got, err := svc.Get(context.Background(), ag.ID)
	require.NoError(t, err)
	assert.Equal(t, ag.ID, got.ID)
}

func TestCreateRejectsLongName(t *testing.T) {
	svc := NewService(NewMemoryStore())

	_, err := svc.Create(context.Background(), CreateRequest{Name: strings.Repeat("名", MaxNameLength+1)})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = svc.Create(context.Background(), CreateRequest{Name: strings.Repeat("名", MaxNameLength)})
	assert.NoError(t, err)
}

func TestGetMissing(t *testing.T) {
	svc := NewService(NewMemoryStore())
	_, err := svc.Get(context.Background(), "nope")
	assert.Equal(t, CodeAgentNotFound, xerrors.CodeOf(err))
	assert.Equal(t, 404, xerrors.StatusOf(err))
}

func TestListNewestFirstWithPaging(t *testing.T) {
	svc := NewService(NewMemoryStore())
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	step := 0
	svc.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}

	for _, name := range []string{"a", "b", "c"} {
		_, err := svc.Create(context.Background(), CreateRequest{Name: name})
		require.NoError(t, err)
	}

	page, total, err := svc.List(context.Background(), ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, "c", page[0].Name)
	assert.Equal(t, "b", page[1].Name)

	rest, _, err := svc.List(context.Background(), ListOptions{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "a", rest[0].Name)

	empty, _, err := svc.List(context.Background(), ListOptions{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestListOptionsNormalize(t *testing.T) {
	assert.Equal(t, ListOptions{Limit: 20}, ListOptions{}.Normalize())
	assert.Equal(t, ListOptions{Limit: 100}, ListOptions{Limit: 1000, Offset: -1}.Normalize())
}
