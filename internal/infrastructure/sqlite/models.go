package sqlite

import (
	"encoding/json"
	"time"

	"github.com/zjrosen/conduit/internal/sessions/domain"
)

// sessionModel is one row of the sessions table. Times are Unix milliseconds.
type sessionModel struct {
	ID                   string
	Title                string
	Status               string
	LastUserMessage      string
	LastAssistantMessage string
	Starred              bool
	Archived             bool
	Tags                 *string // JSON array, nullable
	TokensIn             int64
	TokensOut            int64
	CostUSD              float64
	CreatedAt            int64
	UpdatedAt            int64
	DeletedAt            *int64
}

func toSessionModel(s *domain.Session) *sessionModel {
	snap := s.Snapshot()
	m := &sessionModel{
		ID:                   snap.ID,
		Title:                snap.Title,
		Status:               string(snap.Status),
		LastUserMessage:      snap.LastUserMessage,
		LastAssistantMessage: snap.LastAssistantMessage,
		Starred:              snap.Starred,
		Archived:             snap.Archived,
		TokensIn:             snap.TokensIn,
		TokensOut:            snap.TokensOut,
		CostUSD:              snap.CostUSD,
		CreatedAt:            snap.CreatedAt.UnixMilli(),
		UpdatedAt:            snap.UpdatedAt.UnixMilli(),
	}
	if len(snap.Tags) > 0 {
		if b, err := json.Marshal(snap.Tags); err == nil {
			tags := string(b)
			m.Tags = &tags
		}
	}
	if snap.DeletedAt != nil {
		ms := snap.DeletedAt.UnixMilli()
		m.DeletedAt = &ms
	}
	return m
}

func (m *sessionModel) toDomain() *domain.Session {
	snap := domain.SessionSnapshot{
		ID:                   m.ID,
		Title:                m.Title,
		Status:               domain.SessionStatus(m.Status),
		LastUserMessage:      m.LastUserMessage,
		LastAssistantMessage: m.LastAssistantMessage,
		Starred:              m.Starred,
		Archived:             m.Archived,
		TokensIn:             m.TokensIn,
		TokensOut:            m.TokensOut,
		CostUSD:              m.CostUSD,
		CreatedAt:            time.UnixMilli(m.CreatedAt),
		UpdatedAt:            time.UnixMilli(m.UpdatedAt),
	}
	if m.Tags != nil {
		_ = json.Unmarshal([]byte(*m.Tags), &snap.Tags)
	}
	if m.DeletedAt != nil {
		t := time.UnixMilli(*m.DeletedAt)
		snap.DeletedAt = &t
	}
	return domain.ReconstituteSession(snap)
}
