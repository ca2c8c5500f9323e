package store

import (
	"context"
	"errors"
	"time"

	"campusportal/pkg/domain"
	"gorm.io/gorm"
)

// GormSessionStore keeps sessions in Postgres. Expired rows are removed by
// DeleteExpiredSessions.
type GormSessionStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormSessionStore wraps an open GORM handle.
func NewGormSessionStore(db *gorm.DB) *GormSessionStore {
	return &GormSessionStore{db: db, now: time.Now}
}

func (s *GormSessionStore) SaveSession(ctx context.Context, sess domain.Session) error {
	model := SessionModel{
		Token:       sess.Token,
		UserID:      sess.UserID,
		Username:    sess.Username,
		DisplayName: sess.DisplayName,
		CreatedAt:   sess.CreatedAt,
		ExpiresAt:   sess.ExpiresAt,
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

func (s *GormSessionStore) GetSession(ctx context.Context, token string) (domain.Session, bool, error) {
	if token == "" {
		return domain.Session{}, false, nil
	}
	var model SessionModel
	err := s.db.WithContext(ctx).
		Where("token = ? AND expires_at > ?", token, s.now().UTC()).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Session{}, false, nil
	}
	if err != nil {
		return domain.Session{}, false, err
	}
	return domain.Session{
		Token:       model.Token,
		UserID:      model.UserID,
		Username:    model.Username,
		DisplayName: model.DisplayName,
		CreatedAt:   model.CreatedAt,
		ExpiresAt:   model.ExpiresAt,
	}, true, nil
}

func (s *GormSessionStore) DeleteSession(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return s.db.WithContext(ctx).Where("token = ?", token).Delete(&SessionModel{}).Error
}

func (s *GormSessionStore) SetDisplayName(ctx context.Context, token, name string) error {
	return s.db.WithContext(ctx).Model(&SessionModel{}).
		Where("token = ?", token).
		Update("display_name", name).Error
}

// DeleteExpiredSessions removes sessions whose expiry is at or before now.
func (s *GormSessionStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", now.UTC()).Delete(&SessionModel{})
	return res.RowsAffected, res.Error
}
