package app

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"campusportal/internal/util"
	"campusportal/pkg/domain"
	"campusportal/pkg/storage"
)

const dateLayout = "2006-01-02"

// ProfileInput carries the mutable profile fields submitted by the owner.
// Any userId sent by a client is ignored.
type ProfileInput struct {
	FullName         string `json:"fullName" validate:"max=120"`
	DateOfBirth      string `json:"dateOfBirth" validate:"omitempty,datetime=2006-01-02"`
	Phone            string `json:"phone" validate:"omitempty,phone"`
	EmergencyContact string `json:"emergencyContact" validate:"omitempty,phone"`
	BloodGroup       string `json:"bloodGroup" validate:"omitempty,oneof=A+ A- B+ B- AB+ AB- O+ O-"`
	Address          string `json:"address" validate:"max=500"`
	Course           string `json:"course" validate:"max=120"`
	Year             string `json:"year" validate:"max=16"`
	ProfilePhoto     string `json:"profilePhoto" validate:"omitempty,max=2048"`
}

func (in *ProfileInput) normalize() {
	in.FullName = strings.TrimSpace(in.FullName)
	in.DateOfBirth = strings.TrimSpace(in.DateOfBirth)
	in.Phone = strings.TrimSpace(in.Phone)
	in.EmergencyContact = strings.TrimSpace(in.EmergencyContact)
	in.BloodGroup = strings.ToUpper(strings.TrimSpace(in.BloodGroup))
	in.Address = strings.TrimSpace(in.Address)
	in.Course = strings.TrimSpace(in.Course)
	in.Year = strings.TrimSpace(in.Year)
	in.ProfilePhoto = strings.TrimSpace(in.ProfilePhoto)
}

// ProfileInputFrom converts a stored profile back to an editable input.
func ProfileInputFrom(p domain.Profile) ProfileInput {
	in := ProfileInput{
		FullName:         p.FullName,
		Phone:            p.Phone,
		EmergencyContact: p.EmergencyContact,
		BloodGroup:       p.BloodGroup,
		Address:          p.Address,
		Course:           p.Course,
		Year:             p.Year,
		ProfilePhoto:     p.ProfilePhoto,
	}
	if p.DateOfBirth != nil {
		in.DateOfBirth = p.DateOfBirth.Format(dateLayout)
	}
	return in
}

// ViewProfile returns the caller's profile; found is false until the first save.
func (a *App) ViewProfile(ctx context.Context, id domain.Identity) (domain.Profile, bool, error) {
	if id.Anonymous() {
		return domain.Profile{}, false, ErrAuthRequired
	}
	p, ok, err := a.profiles.GetProfileByUserID(ctx, id.UserID)
	if err != nil {
		return domain.Profile{}, false, storageErr("get profile", err)
	}
	return p, ok, nil
}

// UpdateProfile creates or replaces the caller's profile and refreshes the
// display name cached in the session behind token.
func (a *App) UpdateProfile(ctx context.Context, token string, id domain.Identity, in ProfileInput) (domain.Profile, error) {
	if id.Anonymous() {
		return domain.Profile{}, ErrAuthRequired
	}
	in.normalize()
	if err := validateStruct(in); err != nil {
		return domain.Profile{}, err
	}
	var dob *time.Time
	if in.DateOfBirth != "" {
		t, err := time.Parse(dateLayout, in.DateOfBirth)
		if err != nil {
			return domain.Profile{}, invalid("dateOfBirth", "must be a date formatted YYYY-MM-DD")
		}
		dob = &t
	}
	now := a.now().UTC()
	saved, err := a.profiles.UpsertProfile(ctx, domain.Profile{
		ID:               util.NewID(),
		UserID:           id.UserID,
		FullName:         in.FullName,
		DateOfBirth:      dob,
		Phone:            in.Phone,
		EmergencyContact: in.EmergencyContact,
		BloodGroup:       in.BloodGroup,
		Address:          in.Address,
		Course:           in.Course,
		Year:             in.Year,
		ProfilePhoto:     in.ProfilePhoto,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	if err != nil {
		return domain.Profile{}, storageErr("upsert profile", err)
	}
	if err := a.sessions.SetDisplayName(ctx, token, saved.FullName); err != nil {
		util.LoggerFromContext(ctx).Warn("session_display_name_refresh_failed", "user_id", id.UserID, "err", err)
	}
	return saved, nil
}

// SaveProfile replaces the caller's profile with in. When photo is set the
// image is stored first and its URL replaces in.ProfilePhoto; the image is
// removed again if the profile cannot be saved.
func (a *App) SaveProfile(ctx context.Context, token string, id domain.Identity, in ProfileInput, photo *Upload) (domain.Profile, error) {
	if id.Anonymous() {
		return domain.Profile{}, ErrAuthRequired
	}
	if photo == nil {
		return a.UpdateProfile(ctx, token, id, in)
	}
	in.normalize()
	if err := validateStruct(in); err != nil {
		return domain.Profile{}, err
	}
	key := path.Join("profiles", id.UserID, util.NewID()+"-"+storage.SafeFilename(photo.Filename))
	url, err := a.putImage(ctx, key, *photo)
	if err != nil {
		return domain.Profile{}, err
	}
	in.ProfilePhoto = url
	saved, err := a.UpdateProfile(ctx, token, id, in)
	if err != nil {
		a.discardMedia(ctx, key)
		return domain.Profile{}, fmt.Errorf("save profile photo: %w", err)
	}
	return saved, nil
}

// UploadProfilePhoto stores an image for the caller and records its URL on
// the profile, keeping the other fields.
func (a *App) UploadProfilePhoto(ctx context.Context, token string, id domain.Identity, up Upload) (domain.Profile, error) {
	if id.Anonymous() {
		return domain.Profile{}, ErrAuthRequired
	}
	current, _, err := a.ViewProfile(ctx, id)
	if err != nil {
		return domain.Profile{}, err
	}
	return a.SaveProfile(ctx, token, id, ProfileInputFrom(current), &up)
}
