package sqlite

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/conduit/internal/sessions/domain"
)

func TestSessionRepository_CreateAndGet(t *testing.T) {
	db := newTestDB(t)
	ctx := t.Context()

	created, err := db.Create(ctx, "first", "s1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusRunning, created.Status())

	got, err := db.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "s1", got.ID())
	require.Equal(t, "first", got.Title())
	require.Equal(t, domain.StatusRunning, got.Status())
	require.WithinDuration(t, created.CreatedAt(), got.CreatedAt(), time.Millisecond)
}

func TestSessionRepository_CreateGeneratesID(t *testing.T) {
	db := newTestDB(t)
	sess, err := db.Create(t.Context(), "", "")
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID())
}

func TestSessionRepository_CreateDuplicate(t *testing.T) {
	db := newTestDB(t)
	ctx := t.Context()
	_, err := db.Create(ctx, "", "s1")
	require.NoError(t, err)

	_, err = db.Create(ctx, "", "s1")
	var exists *domain.SessionExistsError
	require.ErrorAs(t, err, &exists)
}

func TestSessionRepository_GetMissing(t *testing.T) {
	db := newTestDB(t)
	_, err := db.Get(t.Context(), "nope")
	var notFound *domain.SessionNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestSessionRepository_Update(t *testing.T) {
	db := newTestDB(t)
	ctx := t.Context()
	_, err := db.Create(ctx, "", "s1")
	require.NoError(t, err)

	title := "renamed"
	starred := true
	tags := []string{"infra", "go"}
	status := domain.StatusWaitingInput
	_, err = db.Update(ctx, "s1", domain.SessionPatch{
		Title:        &title,
		Starred:      &starred,
		Tags:         &tags,
		Status:       &status,
		AddTokensIn:  100,
		AddTokensOut: 20,
		AddCostUSD:   0.5,
	})
	require.NoError(t, err)
	_, err = db.Update(ctx, "s1", domain.SessionPatch{AddTokensIn: 5, AddCostUSD: 0.25})
	require.NoError(t, err)

	got, err := db.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "renamed", got.Title())
	require.True(t, got.Starred())
	require.Equal(t, []string{"infra", "go"}, got.Tags())
	require.Equal(t, domain.StatusWaitingInput, got.Status())
	require.Equal(t, int64(105), got.TokensIn())
	require.Equal(t, int64(20), got.TokensOut())
	require.InDelta(t, 0.75, got.CostUSD(), 1e-9)
}

func TestSessionRepository_UpdateRejectsInvalidStatus(t *testing.T) {
	db := newTestDB(t)
	ctx := t.Context()
	_, err := db.Create(ctx, "", "s1")
	require.NoError(t, err)

	_, err = db.Update(ctx, "s1", domain.WithStatus("bogus"))
	var invalid *domain.InvalidStatusError
	require.ErrorAs(t, err, &invalid)

	got, err := db.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusRunning, got.Status())
}

func TestSessionRepository_DeleteIsSoft(t *testing.T) {
	db := newTestDB(t)
	ctx := t.Context()
	_, err := db.Create(ctx, "", "s1")
	require.NoError(t, err)

	require.NoError(t, db.Delete(ctx, "s1"))

	_, err = db.Get(ctx, "s1")
	var notFound *domain.SessionNotFoundError
	require.ErrorAs(t, err, &notFound)

	all, err := db.List(ctx, domain.ListFilter{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.True(t, all[0].IsDeleted())

	require.ErrorAs(t, db.Delete(ctx, "s1"), &notFound)
}

func TestSessionRepository_ListFilters(t *testing.T) {
	db := newTestDB(t)
	ctx := t.Context()

	for _, id := range []string{"a", "b", "c", "d"} {
		_, err := db.Create(ctx, id, id)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}
	starred := true
	archived := true
	_, err := db.Update(ctx, "b", domain.SessionPatch{Starred: &starred})
	require.NoError(t, err)
	_, err = db.Update(ctx, "c", domain.SessionPatch{Archived: &archived})
	require.NoError(t, err)
	_, err = db.Update(ctx, "d", domain.WithStatus(domain.StatusFailed))
	require.NoError(t, err)

	ids := func(list []*domain.Session) []string {
		out := make([]string, 0, len(list))
		for _, s := range list {
			out = append(out, s.ID())
		}
		return out
	}

	all, err := db.List(ctx, domain.ListFilter{})
	require.NoError(t, err)
	require.Equal(t, []string{"d", "b", "a"}, ids(all))

	withArchived, err := db.List(ctx, domain.ListFilter{IncludeArchived: true})
	require.NoError(t, err)
	require.Len(t, withArchived, 4)

	onlyStarred, err := db.List(ctx, domain.ListFilter{Starred: true})
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, ids(onlyStarred))

	failed, err := db.List(ctx, domain.ListFilter{Status: domain.StatusFailed})
	require.NoError(t, err)
	require.Equal(t, []string{"d"}, ids(failed))

	limited, err := db.List(ctx, domain.ListFilter{Limit: 1})
	require.NoError(t, err)
	require.Equal(t, []string{"d"}, ids(limited))
}
