package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"campusportal/internal/util"
	"campusportal/pkg/auth"
	"campusportal/pkg/domain"
	"campusportal/pkg/store"
)

// SignupInput is the registration form.
type SignupInput struct {
	Username string `json:"username" validate:"required,max=64"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// Signup registers a credential record. When signup auto-login is enabled the
// returned token carries a fresh session; otherwise it is empty.
func (a *App) Signup(ctx context.Context, in SignupInput) (domain.User, string, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	if err := validateStruct(in); err != nil {
		return domain.User{}, "", err
	}
	taken, err := a.credentials.HasUsernameOrEmail(ctx, in.Username, in.Email)
	if err != nil {
		return domain.User{}, "", storageErr("check existing user", err)
	}
	if taken {
		return domain.User{}, "", ErrConflict
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		if errors.Is(err, auth.ErrPasswordTooLong) {
			return domain.User{}, "", invalid("password", "must be at most 72 bytes")
		}
		return domain.User{}, "", fmt.Errorf("hash password: %w", err)
	}
	user := domain.User{
		ID:           util.NewID(),
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		CreatedAt:    a.now().UTC(),
	}
	if err := a.credentials.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return domain.User{}, "", ErrConflict
		}
		return domain.User{}, "", storageErr("create user", err)
	}
	if !a.autoLogin {
		return user, "", nil
	}
	token, err := a.sessions.Create(ctx, user.ID, user.Username, "")
	if err != nil {
		return user, "", err
	}
	return user, token, nil
}

// Login verifies credentials and opens a session.
func (a *App) Login(ctx context.Context, username, password string) (domain.User, string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return domain.User{}, "", invalid("username", "is required")
	}
	if password == "" {
		return domain.User{}, "", invalid("password", "is required")
	}
	user, ok, err := a.credentials.GetUserByUsername(ctx, username)
	if err != nil {
		return domain.User{}, "", storageErr("find user", err)
	}
	if !ok {
		return domain.User{}, "", ErrNotFound
	}
	if !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", ErrInvalidCredentials
	}
	displayName := ""
	if profile, found, err := a.profiles.GetProfileByUserID(ctx, user.ID); err != nil {
		util.LoggerFromContext(ctx).Warn("login_profile_lookup_failed", "user_id", user.ID, "err", err)
	} else if found {
		displayName = profile.FullName
	}
	token, err := a.sessions.Create(ctx, user.ID, user.Username, displayName)
	if err != nil {
		return domain.User{}, "", err
	}
	return user, token, nil
}

// Logout destroys the session behind token. Repeated calls succeed.
func (a *App) Logout(ctx context.Context, token string) error {
	return a.sessions.Destroy(ctx, token)
}

// Identify resolves a session token to the caller identity.
func (a *App) Identify(ctx context.Context, token string) (domain.Identity, bool, error) {
	return a.sessions.Resolve(ctx, token)
}
