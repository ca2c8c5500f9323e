package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"campusportal/pkg/domain"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const migrateLockID int64 = 51170417

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := openGorm(postgres.Open(dsn))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &ProfileModel{}, &GalleryImageModel{}, &SessionModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'profile_models'
					AND constraint_name = 'profile_models_user_id_fkey'
				) THEN
					ALTER TABLE profile_models
					ADD CONSTRAINT profile_models_user_id_fkey
					FOREIGN KEY (user_id) REFERENCES user_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure profile foreign key: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func openGorm(dialector gorm.Dialector) (*gorm.DB, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return gorm.Open(dialector, &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Sessions returns a session store sharing this database.
func (s *GormStore) Sessions() *GormSessionStore {
	return NewGormSessionStore(s.db)
}

// Close releases the connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateUser inserts a credential record; unique violations yield ErrDuplicate.
func (s *GormStore) CreateUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetUserByUsername looks up a user by exact username.
func (s *GormStore) GetUserByUsername(ctx context.Context, username string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// HasUsernameOrEmail checks whether either key is already taken.
func (s *GormStore) HasUsernameOrEmail(ctx context.Context, username, email string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&UserModel{}).
		Where("username = ? OR email = ?", username, email).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetProfileByUserID returns the profile owned by userID.
func (s *GormStore) GetProfileByUserID(ctx context.Context, userID string) (domain.Profile, bool, error) {
	var model ProfileModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Profile{}, false, nil
		}
		return domain.Profile{}, false, err
	}
	return profileFromModel(model), true, nil
}

// UpsertProfile creates or replaces the profile keyed by user_id. The stored
// row is read back, so a concurrent first save returns the winning ID.
func (s *GormStore) UpsertProfile(ctx context.Context, p domain.Profile) (domain.Profile, error) {
	model := profileToModel(p)
	var saved ProfileModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ProfileModel
		err := tx.Where("user_id = ?", p.UserID).First(&existing).Error
		switch {
		case err == nil:
			model.ID = existing.ID
			model.CreatedAt = existing.CreatedAt
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"full_name", "date_of_birth", "phone", "emergency_contact", "blood_group",
				"address", "course", "year", "profile_photo", "updated_at",
			}),
		}).Create(&model).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ?", p.UserID).First(&saved).Error
	})
	if err != nil {
		return domain.Profile{}, err
	}
	return profileFromModel(saved), nil
}

// AddGalleryImage appends an image reference.
func (s *GormStore) AddGalleryImage(ctx context.Context, img domain.GalleryImage) error {
	model := GalleryImageModel{ID: img.ID, URL: img.URL, CreatedAt: img.CreatedAt}
	return s.db.WithContext(ctx).Create(&model).Error
}

// ListGalleryImages returns all images ordered newest first.
func (s *GormStore) ListGalleryImages(ctx context.Context) ([]domain.GalleryImage, error) {
	var models []GalleryImageModel
	if err := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.GalleryImage, 0, len(models))
	for _, m := range models {
		res = append(res, domain.GalleryImage{ID: m.ID, URL: m.URL, CreatedAt: m.CreatedAt})
	}
	return res, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Username:     u.Username,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Username:     m.Username,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt,
	}
}

func profileToModel(p domain.Profile) ProfileModel {
	var dob *datatypes.Date
	if p.DateOfBirth != nil {
		d := datatypes.Date(*p.DateOfBirth)
		dob = &d
	}
	return ProfileModel{
		ID:               p.ID,
		UserID:           p.UserID,
		FullName:         p.FullName,
		DateOfBirth:      dob,
		Phone:            p.Phone,
		EmergencyContact: p.EmergencyContact,
		BloodGroup:       p.BloodGroup,
		Address:          p.Address,
		Course:           p.Course,
		Year:             p.Year,
		ProfilePhoto:     p.ProfilePhoto,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

func profileFromModel(m ProfileModel) domain.Profile {
	var dob *time.Time
	if m.DateOfBirth != nil {
		t := time.Time(*m.DateOfBirth)
		dob = &t
	}
	return domain.Profile{
		ID:               m.ID,
		UserID:           m.UserID,
		FullName:         m.FullName,
		DateOfBirth:      dob,
		Phone:            m.Phone,
		EmergencyContact: m.EmergencyContact,
		BloodGroup:       m.BloodGroup,
		Address:          m.Address,
		Course:           m.Course,
		Year:             m.Year,
		ProfilePhoto:     m.ProfilePhoto,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}
