package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string    `gorm:"primaryKey"`
	Username     string    `gorm:"uniqueIndex;not null"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

type ProfileModel struct {
	ID               string `gorm:"primaryKey"`
	UserID           string `gorm:"uniqueIndex;not null"`
	FullName         string
	DateOfBirth      *datatypes.Date
	Phone            string
	EmergencyContact string
	BloodGroup       string
	Address          string
	Course           string
	Year             string
	ProfilePhoto     string
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

type GalleryImageModel struct {
	ID        string    `gorm:"primaryKey"`
	URL       string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;index"`
}

type SessionModel struct {
	Token       string `gorm:"primaryKey"`
	UserID      string `gorm:"not null;index"`
	Username    string `gorm:"not null"`
	DisplayName string
	CreatedAt   time.Time `gorm:"not null"`
	ExpiresAt   time.Time `gorm:"not null;index"`
}
