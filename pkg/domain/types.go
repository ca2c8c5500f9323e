package domain

import "time"

// User is the credential record created at signup.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Profile holds the student details owned by exactly one user.
type Profile struct {
	ID               string     `json:"id"`
	UserID           string     `json:"userId"`
	FullName         string     `json:"fullName"`
	DateOfBirth      *time.Time `json:"dateOfBirth,omitempty"`
	Phone            string     `json:"phone"`
	EmergencyContact string     `json:"emergencyContact"`
	BloodGroup       string     `json:"bloodGroup"`
	Address          string     `json:"address"`
	Course           string     `json:"course"`
	Year             string     `json:"year"`
	ProfilePhoto     string     `json:"profilePhoto"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Session is the server-side record behind a session cookie.
type Session struct {
	Token       string    `json:"-"`
	UserID      string    `json:"userId"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Expired reports whether the session is past its expiry at now.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Identity returns the identity snapshot carried by the session.
func (s Session) Identity() Identity {
	return Identity{
		UserID:      s.UserID,
		Username:    s.Username,
		DisplayName: s.DisplayName,
	}
}

// Identity is the authenticated caller resolved from a session.
type Identity struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
}

// Anonymous reports whether the identity carries no user.
func (i Identity) Anonymous() bool {
	return i.UserID == ""
}

// GalleryImage references an uploaded event image.
type GalleryImage struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
}
