package app

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"rentalhub/internal/util"
	"rentalhub/pkg/auth"
	"rentalhub/pkg/domain"
	"rentalhub/pkg/store"
)

const (
	minUsernameLength = 3
	maxUsernameLength = 50
	maxEmailLength    = 254
)

// Session is the result of a successful login.
type Session struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expiresAt"`
	User      domain.User `json:"user"`
}

// UserPatch carries admin edits to an account. Nil fields are left untouched.
type UserPatch struct {
	Username *string          `json:"username"`
	Email    *string          `json:"email"`
	Role     *domain.UserRole `json:"role"`
}

// Register creates a regular user account.
func (a *App) Register(ctx context.Context, username, email, password string) (domain.User, error) {
	return a.register(ctx, username, email, password, domain.RoleUser, a.store.CreateUser)
}

// RegisterAdmin creates an admin account. Only an admin caller may do so once
// an admin exists; before that the first admin can bootstrap itself, and of
// concurrent bootstrap attempts only one succeeds.
func (a *App) RegisterAdmin(ctx context.Context, p domain.Principal, username, email, password string) (domain.User, error) {
	if !p.IsAdmin() {
		admins, err := a.store.CountUsersByRole(ctx, domain.RoleAdmin)
		if err != nil {
			return domain.User{}, a.storeErr(ctx, "count admins", err)
		}
		if admins > 0 {
			return domain.User{}, ErrForbidden
		}
		return a.register(ctx, username, email, password, domain.RoleAdmin, a.store.CreateFirstAdmin)
	}
	return a.register(ctx, username, email, password, domain.RoleAdmin, a.store.CreateUser)
}

// CreateAdmin creates an admin account unconditionally. Used by operator tooling.
func (a *App) CreateAdmin(ctx context.Context, username, email, password string) (domain.User, error) {
	return a.register(ctx, username, email, password, domain.RoleAdmin, a.store.CreateUser)
}

type userInsert func(ctx context.Context, u domain.User) (domain.User, error)

func (a *App) register(ctx context.Context, username, email, password string, role domain.UserRole, insert userInsert) (domain.User, error) {
	username = strings.TrimSpace(username)
	email = normalizeEmail(email)
	errs := fieldErrors{}
	if msg := checkUsername(username); msg != "" {
		errs.add("username", msg)
	}
	if msg := checkEmail(email); msg != "" {
		errs.add("email", msg)
	}
	if err := auth.ValidatePassword(password); err != nil {
		errs.add("password", strings.TrimPrefix(err.Error(), auth.ErrWeakPassword.Error()+": "))
	}
	if err := errs.err(); err != nil {
		return domain.User{}, err
	}

	_, exists, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		return domain.User{}, a.storeErr(ctx, "check email", err)
	}
	if exists {
		return domain.User{}, ErrEmailAlreadyExists
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, fmt.Errorf("register: %w", err)
	}
	now := a.now()
	user, err := insert(ctx, domain.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if errors.Is(err, store.ErrAdminExists) {
		return domain.User{}, ErrForbidden
	}
	if errors.Is(err, store.ErrDuplicate) {
		return domain.User{}, a.duplicateUser(ctx, email)
	}
	if err != nil {
		return domain.User{}, a.storeErr(ctx, "create user", err)
	}
	util.LoggerFromContext(ctx).Info("user registered", "user_id", user.ID, "role", user.Role)
	return user, nil
}

// Login checks credentials and issues an access token.
func (a *App) Login(ctx context.Context, email, password string) (Session, error) {
	if a.tokens == nil {
		return Session{}, errors.New("token issuer not configured")
	}
	user, ok, err := a.store.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return Session{}, a.storeErr(ctx, "fetch user", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return Session{}, ErrInvalidCredentials
	}
	token, expires, err := a.tokens.Issue(user.Principal())
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}
	return Session{Token: token, ExpiresAt: expires, User: user}, nil
}

// Me returns the account of the caller.
func (a *App) Me(ctx context.Context, p domain.Principal) (domain.User, error) {
	if err := requireAuthenticated(p); err != nil {
		return domain.User{}, err
	}
	return a.getUser(ctx, p.ID)
}

// ListUsers returns every account. Admin only.
func (a *App) ListUsers(ctx context.Context, p domain.Principal) ([]domain.User, error) {
	if err := requireAdmin(p); err != nil {
		return nil, err
	}
	users, err := a.store.ListUsers(ctx)
	if err != nil {
		return nil, a.storeErr(ctx, "list users", err)
	}
	return users, nil
}

// GetUser returns one account. Admin only.
func (a *App) GetUser(ctx context.Context, p domain.Principal, id int64) (domain.User, error) {
	if err := requireAdmin(p); err != nil {
		return domain.User{}, err
	}
	return a.getUser(ctx, id)
}

// UpdateUser edits username, email or role of an account. Admin only. An
// admin cannot change their own role.
func (a *App) UpdateUser(ctx context.Context, p domain.Principal, id int64, patch UserPatch) (domain.User, error) {
	if err := requireAdmin(p); err != nil {
		return domain.User{}, err
	}
	user, err := a.getUser(ctx, id)
	if err != nil {
		return domain.User{}, err
	}
	errs := fieldErrors{}
	if patch.Username != nil {
		username := strings.TrimSpace(*patch.Username)
		if msg := checkUsername(username); msg != "" {
			errs.add("username", msg)
		}
		user.Username = username
	}
	if patch.Email != nil {
		email := normalizeEmail(*patch.Email)
		if msg := checkEmail(email); msg != "" {
			errs.add("email", msg)
		}
		user.Email = email
	}
	if patch.Role != nil && *patch.Role != user.Role {
		switch {
		case *patch.Role != domain.RoleUser && *patch.Role != domain.RoleAdmin:
			errs.add("role", "role must be user or admin")
		case id == p.ID:
			errs.add("role", "cannot change your own role")
		default:
			user.Role = *patch.Role
		}
	}
	if err := errs.err(); err != nil {
		return domain.User{}, err
	}
	if patch.Email != nil {
		other, exists, err := a.store.GetUserByEmail(ctx, user.Email)
		if err != nil {
			return domain.User{}, a.storeErr(ctx, "check email", err)
		}
		if exists && other.ID != id {
			return domain.User{}, ErrEmailAlreadyExists
		}
	}
	user.UpdatedAt = a.now()
	updated, err := a.store.UpdateUser(ctx, user)
	switch {
	case errors.Is(err, store.ErrDuplicate):
		return domain.User{}, a.duplicateUser(ctx, user.Email)
	case errors.Is(err, store.ErrNotFound):
		return domain.User{}, ErrUserNotFound
	case err != nil:
		return domain.User{}, a.storeErr(ctx, "update user", err)
	}
	util.LoggerFromContext(ctx).Info("user updated", "user_id", id, "admin_id", p.ID)
	return updated, nil
}

// DeleteUser removes an account. Admin only. Accounts that still own
// listings, and the caller's own account, cannot be deleted.
func (a *App) DeleteUser(ctx context.Context, p domain.Principal, id int64) error {
	if err := requireAdmin(p); err != nil {
		return err
	}
	if id == p.ID {
		return invalid("id", "cannot delete your own account")
	}
	if _, err := a.getUser(ctx, id); err != nil {
		return err
	}
	owned, err := a.store.CountListings(ctx, domain.ListingFilter{OwnerID: id})
	if err != nil {
		return a.storeErr(ctx, "count owned listings", err)
	}
	if owned > 0 {
		return invalid("id", fmt.Sprintf("user still owns %d listing(s)", owned))
	}
	if err := a.store.DeleteUser(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUserNotFound
		}
		return a.storeErr(ctx, "delete user", err)
	}
	util.LoggerFromContext(ctx).Info("user deleted", "user_id", id, "admin_id", p.ID)
	return nil
}

func (a *App) getUser(ctx context.Context, id int64) (domain.User, error) {
	user, ok, err := a.store.GetUserByID(ctx, id)
	if err != nil {
		return domain.User{}, a.storeErr(ctx, "fetch user", err)
	}
	if !ok {
		return domain.User{}, ErrUserNotFound
	}
	return user, nil
}

// duplicateUser decides which unique column a duplicate insert collided on.
func (a *App) duplicateUser(ctx context.Context, email string) error {
	if _, exists, err := a.store.GetUserByEmail(ctx, email); err == nil && exists {
		return ErrEmailAlreadyExists
	}
	return ErrUsernameTaken
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func checkEmail(email string) string {
	if email == "" {
		return "email is required"
	}
	if len(email) > maxEmailLength {
		return "email is too long"
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "email is invalid"
	}
	return ""
}

func checkUsername(username string) string {
	n := utf8.RuneCountInString(username)
	switch {
	case n == 0:
		return "username is required"
	case n < minUsernameLength:
		return fmt.Sprintf("username must be at least %d characters", minUsernameLength)
	case n > maxUsernameLength:
		return fmt.Sprintf("username must be at most %d characters", maxUsernameLength)
	}
	for _, r := range username {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-' && r != '.' {
			return "username may only contain letters, digits, '.', '_' and '-'"
		}
	}
	return ""
}
