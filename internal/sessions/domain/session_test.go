package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSessionStatus_IsValid(t *testing.T) {
	tests := []struct {
		status  SessionStatus
		isValid bool
	}{
		{StatusRunning, true},
		{StatusWaitingInput, true},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusTerminated, true},
		{SessionStatus("paused"), false},
		{SessionStatus(""), false},
		{SessionStatus("RUNNING"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			require.Equal(t, tt.isValid, tt.status.IsValid())
		})
	}
}

func TestSessionStatus_IsTerminal(t *testing.T) {
	require.False(t, StatusRunning.IsTerminal())
	require.False(t, StatusWaitingInput.IsTerminal())
	require.True(t, StatusCompleted.IsTerminal())
	require.True(t, StatusFailed.IsTerminal())
	require.True(t, StatusTerminated.IsTerminal())
}

func TestNewSession(t *testing.T) {
	before := time.Now()
	s := NewSession("abc", "debugging")

	require.Equal(t, "abc", s.ID())
	require.Equal(t, "debugging", s.Title())
	require.Equal(t, StatusRunning, s.Status())
	require.False(t, s.CreatedAt().Before(before))
	require.Equal(t, s.CreatedAt(), s.UpdatedAt())
	require.False(t, s.IsDeleted())
}

func TestSession_Apply(t *testing.T) {
	s := NewSession("abc", "")
	title := "renamed"
	starred := true
	tags := []string{"go", "ws"}

	err := s.Apply(SessionPatch{
		Title:        &title,
		Starred:      &starred,
		Tags:         &tags,
		AddTokensIn:  10,
		AddTokensOut: 5,
		AddCostUSD:   0.25,
	})
	require.NoError(t, err)
	require.NoError(t, s.Apply(SessionPatch{AddTokensIn: 1, AddCostUSD: 0.25}))

	require.Equal(t, "renamed", s.Title())
	require.True(t, s.Starred())
	require.Equal(t, []string{"go", "ws"}, s.Tags())
	require.Equal(t, int64(11), s.TokensIn())
	require.Equal(t, int64(5), s.TokensOut())
	require.InDelta(t, 0.5, s.CostUSD(), 1e-9)

	tags[0] = "mutated"
	require.Equal(t, "go", s.Tags()[0], "session must not alias caller's slice")
}

func TestSession_ApplyRejectsInvalidStatus(t *testing.T) {
	s := NewSession("abc", "")
	err := s.Apply(WithStatus("paused"))

	var statusErr *InvalidStatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, StatusRunning, s.Status())
}

func TestSession_SnapshotRoundTrip(t *testing.T) {
	s := NewSession("abc", "t")
	require.NoError(t, s.Apply(WithStatus(StatusWaitingInput)))
	s.SoftDelete()

	got := ReconstituteSession(s.Snapshot())
	require.Equal(t, s.Snapshot(), got.Snapshot())
	require.True(t, got.IsDeleted())
}

func TestSessionPatch_IsEmpty(t *testing.T) {
	require.True(t, SessionPatch{}.IsEmpty())
	require.False(t, WithStatus(StatusFailed).IsEmpty())
	require.False(t, SessionPatch{AddTokensOut: 1}.IsEmpty())
}

func TestSessionNotFoundError(t *testing.T) {
	err := error(&SessionNotFoundError{ID: "x"})
	require.EqualError(t, err, "session not found: x")
}
