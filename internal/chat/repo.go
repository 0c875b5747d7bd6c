package chat

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateSession(ctx context.Context, s *Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) GetSessionBySessionID(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// AppendMessage inserts m and bumps the session's activity time in one
// transaction. When derivedTitle is set it replaces the default title, only if
// the session still carries it.
func (r *Repo) AppendMessage(ctx context.Context, m *Message, derivedTitle string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		if err := tx.Model(&Session{}).
			Where("session_id = ?", m.SessionID).
			Update("updated_at", time.Now()).Error; err != nil {
			return err
		}
		if derivedTitle == "" {
			return nil
		}
		return tx.Model(&Session{}).
			Where("session_id = ? AND title = ?", m.SessionID, DefaultTitle).
			Update("title", derivedTitle).Error
	})
}

// ListSessions returns the user's sessions, most recently active first, with
// message counts and the latest message.
func (r *Repo) ListSessions(ctx context.Context, userID uint64) ([]SessionSummary, error) {
	var sessions []Session
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC, id DESC").
		Find(&sessions).Error; err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return []SessionSummary{}, nil
	}

	var counts []struct {
		SessionID string
		N         int64
	}
	if err := r.db.WithContext(ctx).Model(&Message{}).
		Select("session_id, COUNT(*) AS n").
		Where("user_id = ?", userID).
		Group("session_id").
		Scan(&counts).Error; err != nil {
		return nil, err
	}

	var last []Message
	if err := r.db.WithContext(ctx).
		Where("id IN (?)", r.db.Model(&Message{}).Select("MAX(id)").Where("user_id = ?", userID).Group("session_id")).
		Find(&last).Error; err != nil {
		return nil, err
	}

	countBy := make(map[string]int64, len(counts))
	for _, c := range counts {
		countBy[c.SessionID] = c.N
	}
	lastBy := make(map[string]Message, len(last))
	for _, m := range last {
		lastBy[m.SessionID] = m
	}

	out := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		sum := SessionSummary{Session: s, MessageCount: countBy[s.SessionID]}
		if m, ok := lastBy[s.SessionID]; ok {
			content, at := m.Content, m.CreatedAt
			sum.LastMessage = &content
			sum.LastMessageAt = &at
		}
		out = append(out, sum)
	}
	return out, nil
}

// ListMessagesAsc returns the whole conversation oldest first.
func (r *Repo) ListMessagesAsc(ctx context.Context, userID uint64, sessionID string) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Order("id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListMessages returns messages in DESC id order (newest -> oldest).
func (r *Repo) ListMessages(ctx context.Context, userID uint64, sessionID string, limit int, beforeID uint64) ([]Message, error) {
	q := r.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Order("id DESC").
		Limit(limit)

	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	var msgs []Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *Repo) UpdateTitle(ctx context.Context, sessionID, title string) error {
	return r.db.WithContext(ctx).Model(&Session{}).
		Where("session_id = ?", sessionID).
		Update("title", title).Error
}

// DeleteSession removes the session and its messages.
func (r *Repo) DeleteSession(ctx context.Context, sessionID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&Message{}).Error; err != nil {
			return err
		}
		return tx.Where("session_id = ?", sessionID).Delete(&Session{}).Error
	})
}
