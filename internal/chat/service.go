package chat

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/suPer8Hu/docqa/internal/answer"
	"github.com/suPer8Hu/docqa/internal/common"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	titleChars    = 50
	maxTitleChars = 100
)

var (
	ErrInvalidRole  = errors.New("role must be USER or ASSISTANT")
	ErrEmptyContent = errors.New("content is required")
	ErrInvalidTitle = errors.New("title must be 1-100 characters")
)

// Answerer produces grounded answers for Ask.
type Answerer interface {
	Answer(ctx context.Context, ownerID uint64, question string, documentIDs ...string) (*answer.Answer, error)
}

type Service struct {
	repo     *Repo
	answerer Answerer
}

func NewService(repo *Repo, answerer Answerer) *Service {
	return &Service{repo: repo, answerer: answerer}
}

func (s *Service) CreateSession(ctx context.Context, userID uint64, title string) (*Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}
	if utf8.RuneCountInString(title) > maxTitleChars {
		return nil, ErrInvalidTitle
	}

	sid, err := common.NewULID()
	if err != nil {
		return nil, err
	}

	session := &Session{
		SessionID: sid,
		UserID:    userID,
		Title:     title,
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// ownedSession hides sessions of other users behind gorm.ErrRecordNotFound.
func (s *Service) ownedSession(ctx context.Context, userID uint64, sessionID string) (*Session, error) {
	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, gorm.ErrRecordNotFound
	}
	return sess, nil
}

// AppendMessage records one turn. The first USER message of a session that
// still has the default title renames it after that message.
func (s *Service) AppendMessage(ctx context.Context, userID uint64, sessionID string, role Role, content string, sources []answer.Source) (*Message, error) {
	if !role.Valid() {
		return nil, ErrInvalidRole
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	sess, err := s.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		SessionID: sessionID,
		UserID:    userID,
		Role:      role,
		Content:   content,
		Sources:   datatypes.NewJSONType(sources),
	}

	var derived string
	if role == RoleUser && sess.Title == DefaultTitle {
		derived = DeriveTitle(content)
	}
	if err := s.repo.AppendMessage(ctx, msg, derived); err != nil {
		return nil, err
	}
	return msg, nil
}

// DeriveTitle keeps the first 50 characters of content, marking a cut with "...".
func DeriveTitle(content string) string {
	r := []rune(content)
	if len(r) <= titleChars {
		return content
	}
	return string(r[:titleChars]) + "..."
}

func (s *Service) ListSessions(ctx context.Context, userID uint64) ([]SessionSummary, error) {
	return s.repo.ListSessions(ctx, userID)
}

func (s *Service) GetSession(ctx context.Context, userID uint64, sessionID string) (*SessionDetail, error) {
	sess, err := s.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.repo.ListMessagesAsc(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	return &SessionDetail{Session: *sess, Messages: msgs}, nil
}

func (s *Service) RenameSession(ctx context.Context, userID uint64, sessionID, title string) (*Session, error) {
	title = strings.TrimSpace(title)
	if title == "" || utf8.RuneCountInString(title) > maxTitleChars {
		return nil, ErrInvalidTitle
	}
	sess, err := s.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdateTitle(ctx, sessionID, title); err != nil {
		return nil, err
	}
	sess.Title = title
	return sess, nil
}

func (s *Service) DeleteSession(ctx context.Context, userID uint64, sessionID string) error {
	if _, err := s.ownedSession(ctx, userID, sessionID); err != nil {
		return err
	}
	return s.repo.DeleteSession(ctx, sessionID)
}

func (s *Service) ListMessages(ctx context.Context, userID uint64, sessionID string, limit int, beforeID uint64) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if _, err := s.ownedSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, userID, sessionID, limit, beforeID)
}

type AskResult struct {
	Question *Message
	Reply    *Message
	Answer   *answer.Answer
}

// Ask records the question, answers it from the user's documents and records
// the reply with its sources. A failed answer leaves the question recorded.
func (s *Service) Ask(ctx context.Context, userID uint64, sessionID, question string, documentIDs ...string) (*AskResult, error) {
	q, err := s.AppendMessage(ctx, userID, sessionID, RoleUser, question, nil)
	if err != nil {
		return nil, err
	}

	ans, err := s.answerer.Answer(ctx, userID, question, documentIDs...)
	if err != nil {
		return nil, err
	}

	reply, err := s.AppendMessage(ctx, userID, sessionID, RoleAssistant, ans.Text, ans.Sources)
	if err != nil {
		return nil, err
	}
	return &AskResult{Question: q, Reply: reply, Answer: ans}, nil
}
