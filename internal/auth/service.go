// Package auth implements accounts, sessions, and the credential flows
// around them: password login, email verification, password reset, OAuth
// identity linking, and the admin session paths.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/insforge/insforge/internal/config"
	"github.com/insforge/insforge/internal/mailer"
	"github.com/insforge/insforge/internal/oauth"
	"github.com/insforge/insforge/internal/tokens"
)

// Sentinel errors returned by the auth service.
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrEmailNotVerified   = errors.New("email not verified")
	ErrValidation         = errors.New("validation error")
	ErrInvalidOTP         = errors.New("invalid or expired code")
	ErrUserNotFound       = errors.New("user not found")
	ErrCloudDisabled      = errors.New("cloud login is not configured")
	// ErrDatabaseUnavailable means the server runs without a DATABASE_URL;
	// only the poolless surface (admin login, anon tokens) is available.
	ErrDatabaseUnavailable = errors.New("auth requires a database connection")
)

const bcryptCost = 10

const appName = "Insforge"

// User is a registered account, without the password hash.
type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Name          string    `json:"name,omitempty"`
	AvatarURL     string    `json:"avatarUrl,omitempty"`
	EmailVerified bool      `json:"emailVerified"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// SessionResult is what a successful authentication produces. AccessToken is
// empty when registration is parked behind email verification.
type SessionResult struct {
	User                     *User  `json:"user"`
	AccessToken              string `json:"accessToken,omitempty"`
	RequireEmailVerification bool   `json:"requireEmailVerification"`
	RedirectTo               string `json:"redirectTo,omitempty"`
}

// Settings are the runtime-tunable knobs the dashboard exposes. They start
// from file/env configuration and can be replaced over HTTP.
type Settings struct {
	RequireEmailVerification bool                        `json:"requireEmailVerification"`
	VerificationMethod       string                      `json:"verificationMethod"` // "code" or "link"
	PasswordPolicy           config.PasswordPolicyConfig `json:"passwordPolicy"`
	RedirectURL              string                      `json:"redirectUrl,omitempty"`
}

// Service is the auth component. All mutating flows run inside a single
// transaction so OTP consumption and the state it authorises are atomic.
type Service struct {
	pool   *pgxpool.Pool
	tokens *tokens.Service
	cloud  *tokens.CloudVerifier // nil when cloud login is disabled
	otp    *OTPStore
	codes  *CodeStore
	csrf   *CSRF
	mailer mailer.Mailer
	logger *slog.Logger

	adminEmail    string
	adminPassword string
	baseURL       string

	settingsMu sync.RWMutex
	settings   Settings
}

func NewService(pool *pgxpool.Pool, tokenSvc *tokens.Service, cloud *tokens.CloudVerifier, mail mailer.Mailer, cfg *config.Config, logger *slog.Logger) *Service {
	return &Service{
		pool:          pool,
		tokens:        tokenSvc,
		cloud:         cloud,
		otp:           NewOTPStore(),
		codes:         NewCodeStore(),
		csrf:          NewCSRF(cfg.Auth.JWTSecret),
		mailer:        mail,
		logger:        logger,
		adminEmail:    cfg.Admin.Email,
		adminPassword: cfg.Admin.Password,
		baseURL:       cfg.PublicBaseURL(),
		settings: Settings{
			RequireEmailVerification: cfg.Auth.RequireEmailVerification,
			VerificationMethod:       cfg.Auth.VerificationMethod,
			PasswordPolicy:           cfg.Auth.Password,
			RedirectURL:              cfg.Auth.RedirectURL,
		},
	}
}

// Close stops the background sweeper owned by the code store.
func (s *Service) Close() {
	s.codes.Stop()
}

// Tokens exposes the token service for collaborators (handlers, hub).
func (s *Service) Tokens() *tokens.Service { return s.tokens }

// CSRF exposes the CSRF manager.
func (s *Service) CSRF() *CSRF { return s.csrf }

// Codes exposes the one-shot authorization code store.
func (s *Service) Codes() *CodeStore { return s.codes }

// Settings returns a copy of the active settings.
func (s *Service) Settings() Settings {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.settings
}

// UpdateSettings replaces the runtime settings.
func (s *Service) UpdateSettings(next Settings) error {
	if next.VerificationMethod != "code" && next.VerificationMethod != "link" {
		return fmt.Errorf("%w: verification method must be \"code\" or \"link\"", ErrValidation)
	}
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	s.settings = next
	return nil
}

// Register creates an account and its profile row. When email verification
// is required the session is withheld until the address is confirmed.
func (s *Service) Register(ctx context.Context, email, password, name string) (*SessionResult, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	settings := s.Settings()
	if err := ValidatePassword(password, settings.PasswordPolicy); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	var user User
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO auth.accounts (email, password_hash, name)
			VALUES ($1, $2, NULLIF($3, ''))
			RETURNING id, email, COALESCE(name, ''), COALESCE(avatar_url, ''), email_verified, created_at, updated_at`,
			email, string(hash), name)
		if err := scanUser(row, &user); err != nil {
			if isUniqueViolation(err) {
				return ErrEmailTaken
			}
			return fmt.Errorf("creating account: %w", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO public.users (id) VALUES ($1)`, user.ID); err != nil {
			return fmt.Errorf("creating profile: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if settings.RequireEmailVerification {
		if err := s.SendVerificationEmail(ctx, email); err != nil {
			s.logger.Error("send verification email", "email", email, "error", err)
		}
		return &SessionResult{User: &user, RequireEmailVerification: true}, nil
	}

	access, err := s.tokens.IssueAccess(user.ID, user.Email, tokens.RoleAuthenticated)
	if err != nil {
		return nil, err
	}
	return &SessionResult{User: &user, AccessToken: access, RedirectTo: settings.RedirectURL}, nil
}

// Login authenticates with email and password. Accounts created via OAuth
// have no password hash and fail the same way as a wrong password.
func (s *Service) Login(ctx context.Context, email, password string) (*SessionResult, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if err := s.requireDB(); err != nil {
		return nil, err
	}

	var user User
	var passwordHash *string
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, COALESCE(name, ''), COALESCE(avatar_url, ''), email_verified, created_at, updated_at, password_hash
		FROM auth.accounts WHERE email = $1`, email)
	if err := row.Scan(&user.ID, &user.Email, &user.Name, &user.AvatarURL, &user.EmailVerified, &user.CreatedAt, &user.UpdatedAt, &passwordHash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("looking up account: %w", err)
	}
	if passwordHash == nil {
		return nil, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(*passwordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	settings := s.Settings()
	if settings.RequireEmailVerification && !user.EmailVerified {
		return nil, ErrEmailNotVerified
	}

	access, err := s.tokens.IssueAccess(user.ID, user.Email, tokens.RoleAuthenticated)
	if err != nil {
		return nil, err
	}
	return &SessionResult{User: &user, AccessToken: access, RedirectTo: settings.RedirectURL}, nil
}

// SendVerificationEmail issues a verification OTP and emails it. A missing
// or already-verified account silently succeeds so the endpoint cannot be
// used to enumerate registered addresses.
func (s *Service) SendVerificationEmail(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	if err := s.requireDB(); err != nil {
		return err
	}
	var verified bool
	row := s.pool.QueryRow(ctx, `SELECT email_verified FROM auth.accounts WHERE email = $1`, email)
	if err := row.Scan(&verified); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.logger.Info("verification email requested for unknown address", "email", email)
			return nil
		}
		return fmt.Errorf("looking up account: %w", err)
	}
	if verified {
		return nil
	}
	return s.sendOTPEmail(ctx, email, PurposeVerifyEmail)
}

// SendResetPasswordEmail issues a reset OTP and emails it, silently
// succeeding for unknown addresses.
func (s *Service) SendResetPasswordEmail(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	if err := s.requireDB(); err != nil {
		return err
	}
	var exists bool
	row := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM auth.accounts WHERE email = $1)`, email)
	if err := row.Scan(&exists); err != nil {
		return fmt.Errorf("looking up account: %w", err)
	}
	if !exists {
		s.logger.Info("password reset requested for unknown address", "email", email)
		return nil
	}
	return s.sendOTPEmail(ctx, email, PurposeResetPassword)
}

// sendOTPEmail mints the OTP under its own transaction, then renders and
// sends the email matching the configured verification method.
func (s *Service) sendOTPEmail(ctx context.Context, email, purpose string) error {
	settings := s.Settings()

	var msg mailer.Message
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		data := mailer.TemplateData{AppName: appName}
		var renderErr error
		if settings.VerificationMethod == "link" {
			token, _, err := s.otp.CreateToken(ctx, tx, email, purpose)
			if err != nil {
				return err
			}
			data.ActionURL = s.actionURL(purpose, token)
			if purpose == PurposeResetPassword {
				msg, renderErr = mailer.RenderResetLink(data)
			} else {
				msg, renderErr = mailer.RenderVerificationLink(data)
			}
		} else {
			code, _, err := s.otp.CreateCode(ctx, tx, email, purpose)
			if err != nil {
				return err
			}
			data.Code = code
			if purpose == PurposeResetPassword {
				msg, renderErr = mailer.RenderResetCode(data)
			} else {
				msg, renderErr = mailer.RenderVerificationCode(data)
			}
		}
		return renderErr
	})
	if err != nil {
		return err
	}

	msg.To = email
	if err := s.mailer.Send(ctx, msg); err != nil {
		return fmt.Errorf("sending %s email: %w", strings.ToLower(purpose), err)
	}
	return nil
}

func (s *Service) actionURL(purpose, token string) string {
	if purpose == PurposeResetPassword {
		return s.baseURL + "/auth/reset-password?token=" + token
	}
	return s.baseURL + "/auth/verify-email?token=" + token
}

// VerifyEmailWithCode consumes the verification code and marks the address
// verified, then starts a session.
func (s *Service) VerifyEmailWithCode(ctx context.Context, email, code string) (*SessionResult, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	return s.markVerified(ctx, func(tx pgx.Tx) (string, error) {
		return email, s.otp.VerifyWithCode(ctx, tx, email, PurposeVerifyEmail, code)
	})
}

// VerifyEmailWithToken consumes a link token and marks the owning address
// verified, then starts a session.
func (s *Service) VerifyEmailWithToken(ctx context.Context, token string) (*SessionResult, error) {
	return s.markVerified(ctx, func(tx pgx.Tx) (string, error) {
		return s.otp.VerifyWithToken(ctx, tx, PurposeVerifyEmail, token)
	})
}

func (s *Service) markVerified(ctx context.Context, consume func(pgx.Tx) (string, error)) (*SessionResult, error) {
	var user User
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		email, err := consume(tx)
		if err != nil {
			return err
		}
		row := tx.QueryRow(ctx, `
			UPDATE auth.accounts SET email_verified = true, updated_at = now()
			WHERE email = $1
			RETURNING id, email, COALESCE(name, ''), COALESCE(avatar_url, ''), email_verified, created_at, updated_at`,
			email)
		if err := scanUser(row, &user); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("marking verified: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	access, err := s.tokens.IssueAccess(user.ID, user.Email, tokens.RoleAuthenticated)
	if err != nil {
		return nil, err
	}
	return &SessionResult{User: &user, AccessToken: access, RedirectTo: s.Settings().RedirectURL}, nil
}

// ExchangeResetCode verifies a reset code and returns a fresh reset token,
// so the password form posts a token instead of re-sending the code.
func (s *Service) ExchangeResetCode(ctx context.Context, email, code string) (token string, expiresAt time.Time, err error) {
	email, err = normalizeEmail(email)
	if err != nil {
		return "", time.Time{}, err
	}
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		token, expiresAt, err = s.otp.ExchangeCodeForToken(ctx, tx, email, PurposeResetPassword, code)
		return err
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// ResetPasswordWithToken sets a new password. The policy runs before the
// token is consumed so a weak password does not burn the token.
func (s *Service) ResetPasswordWithToken(ctx context.Context, newPassword, token string) error {
	if err := ValidatePassword(newPassword, s.Settings().PasswordPolicy); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcryptCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	return s.withTx(ctx, func(tx pgx.Tx) error {
		email, err := s.otp.VerifyWithToken(ctx, tx, PurposeResetPassword, token)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE auth.accounts SET password_hash = $1, updated_at = now() WHERE email = $2`,
			string(hash), email)
		if err != nil {
			return fmt.Errorf("updating password: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrUserNotFound
		}
		return nil
	})
}

// AdminLogin compares against the configured dashboard credentials. It never
// touches the database.
func (s *Service) AdminLogin(email, password string) (string, error) {
	if s.adminEmail == "" || s.adminPassword == "" {
		return "", ErrInvalidCredentials
	}
	emailOK := subtle.ConstantTimeCompare([]byte(email), []byte(s.adminEmail)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.adminPassword)) == 1
	if !emailOK || !passOK {
		return "", ErrInvalidCredentials
	}
	return s.tokens.IssueAdmin()
}

// AdminLoginWithAuthorizationCode verifies a cloud-issued token and mints a
// local admin JWT.
func (s *Service) AdminLoginWithAuthorizationCode(ctx context.Context, code string) (string, error) {
	if s.cloud == nil {
		return "", ErrCloudDisabled
	}
	if _, err := s.cloud.VerifyCloudToken(ctx, code); err != nil {
		return "", err
	}
	return s.tokens.IssueAdmin()
}

// FindOrCreateThirdPartyUser resolves an OAuth identity to a session. Three
// steps, first hit wins: existing provider link, account with the same
// email, fresh account. OAuth providers have verified the address themselves
// so every path forces email_verified.
func (s *Service) FindOrCreateThirdPartyUser(ctx context.Context, identity *oauth.Identity) (*SessionResult, error) {
	identityJSON, err := json.Marshal(identity.IdentityData)
	if err != nil {
		return nil, fmt.Errorf("encoding identity data: %w", err)
	}

	var user User
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		// Existing link for (provider, providerId).
		row := tx.QueryRow(ctx, `
			SELECT a.id FROM auth.account_providers p
			JOIN auth.accounts a ON a.id = p.account_id
			WHERE p.provider = $1 AND p.provider_id = $2`,
			identity.Provider, identity.ProviderID)
		var accountID string
		err := row.Scan(&accountID)
		switch {
		case err == nil:
			if _, err := tx.Exec(ctx, `
				UPDATE auth.account_providers SET identity_data = $1, updated_at = now()
				WHERE provider = $2 AND provider_id = $3`,
				identityJSON, identity.Provider, identity.ProviderID); err != nil {
				return fmt.Errorf("touching provider link: %w", err)
			}
			return s.touchVerified(ctx, tx, accountID, &user)

		case errors.Is(err, pgx.ErrNoRows):
			// Fall through to email lookup.
		default:
			return fmt.Errorf("looking up provider link: %w", err)
		}

		// Account with the same email: attach a link.
		row = tx.QueryRow(ctx, `SELECT id FROM auth.accounts WHERE email = $1`, identity.Email)
		err = row.Scan(&accountID)
		switch {
		case err == nil:
			if err := s.insertProviderLink(ctx, tx, accountID, identity, identityJSON); err != nil {
				return err
			}
			return s.touchVerified(ctx, tx, accountID, &user)

		case errors.Is(err, pgx.ErrNoRows):
			// Fall through to account creation.
		default:
			return fmt.Errorf("looking up account by email: %w", err)
		}

		// Fresh account: no password, verified from the start.
		row = tx.QueryRow(ctx, `
			INSERT INTO auth.accounts (email, name, avatar_url, email_verified)
			VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), true)
			RETURNING id, email, COALESCE(name, ''), COALESCE(avatar_url, ''), email_verified, created_at, updated_at`,
			identity.Email, identity.UserName, identity.AvatarURL)
		if err := scanUser(row, &user); err != nil {
			return fmt.Errorf("creating account: %w", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO public.users (id) VALUES ($1)`, user.ID); err != nil {
			return fmt.Errorf("creating profile: %w", err)
		}
		return s.insertProviderLink(ctx, tx, user.ID, identity, identityJSON)
	})
	if err != nil {
		return nil, err
	}

	access, err := s.tokens.IssueAccess(user.ID, user.Email, tokens.RoleAuthenticated)
	if err != nil {
		return nil, err
	}
	return &SessionResult{User: &user, AccessToken: access, RedirectTo: s.Settings().RedirectURL}, nil
}

func (s *Service) insertProviderLink(ctx context.Context, tx pgx.Tx, accountID string, identity *oauth.Identity, identityJSON []byte) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO auth.account_providers (account_id, provider, provider_id, identity_data)
		VALUES ($1, $2, $3, $4)`,
		accountID, identity.Provider, identity.ProviderID, identityJSON)
	if err != nil {
		return fmt.Errorf("linking provider: %w", err)
	}
	return nil
}

func (s *Service) touchVerified(ctx context.Context, tx pgx.Tx, accountID string, user *User) error {
	row := tx.QueryRow(ctx, `
		UPDATE auth.accounts SET email_verified = true, updated_at = now()
		WHERE id = $1
		RETURNING id, email, COALESCE(name, ''), COALESCE(avatar_url, ''), email_verified, created_at, updated_at`,
		accountID)
	if err := scanUser(row, user); err != nil {
		return fmt.Errorf("refreshing account: %w", err)
	}
	return nil
}

// GetUser loads one account by id.
func (s *Service) GetUser(ctx context.Context, id string) (*User, error) {
	if err := s.requireDB(); err != nil {
		return nil, err
	}
	var user User
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, COALESCE(name, ''), COALESCE(avatar_url, ''), email_verified, created_at, updated_at
		FROM auth.accounts WHERE id = $1`, id)
	if err := scanUser(row, &user); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("looking up account: %w", err)
	}
	return &user, nil
}

// ListUsers pages through accounts, optionally filtering by a substring
// match on email or name.
func (s *Service) ListUsers(ctx context.Context, limit, offset int, search string) ([]User, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	if err := s.requireDB(); err != nil {
		return nil, 0, err
	}
	pattern := "%" + search + "%"

	var total int
	row := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM auth.accounts
		WHERE $1 = '' OR email ILIKE $2 OR name ILIKE $2`, search, pattern)
	if err := row.Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting accounts: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, email, COALESCE(name, ''), COALESCE(avatar_url, ''), email_verified, created_at, updated_at
		FROM auth.accounts
		WHERE $1 = '' OR email ILIKE $2 OR name ILIKE $2
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`, search, pattern, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing accounts: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0, limit)
	for rows.Next() {
		var user User
		if err := scanUser(rows, &user); err != nil {
			return nil, 0, fmt.Errorf("scanning account: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("listing accounts: %w", err)
	}
	return users, total, nil
}

// DeleteUsers removes accounts by id; provider links and profile rows go
// with them via cascade. Returns how many were deleted.
func (s *Service) DeleteUsers(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.requireDB(); err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM auth.accounts WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("deleting accounts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Refresh validates a refresh token and rotates the session.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (access, refresh string, user *User, err error) {
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return "", "", nil, err
	}

	if claims.IsAdmin() {
		access, err = s.tokens.IssueAdmin()
		if err != nil {
			return "", "", nil, err
		}
		refresh, err = s.tokens.IssueRefresh(claims.Subject, claims.Email, claims.Role)
		return access, refresh, nil, err
	}

	user, err = s.GetUser(ctx, claims.Subject)
	if err != nil {
		return "", "", nil, err
	}
	access, err = s.tokens.IssueAccess(user.ID, user.Email, claims.Role)
	if err != nil {
		return "", "", nil, err
	}
	refresh, err = s.tokens.IssueRefresh(user.ID, user.Email, claims.Role)
	if err != nil {
		return "", "", nil, err
	}
	return access, refresh, user, nil
}

// requireDB fronts every account-storage flow so a poolless deployment fails
// with a mappable error instead of a nil dereference.
func (s *Service) requireDB() error {
	if s.pool == nil {
		return ErrDatabaseUnavailable
	}
	return nil
}

func (s *Service) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	if err := s.requireDB(); err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner, user *User) error {
	return row.Scan(&user.ID, &user.Email, &user.Name, &user.AvatarURL, &user.EmailVerified, &user.CreatedAt, &user.UpdatedAt)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return "", fmt.Errorf("%w: invalid email address", ErrValidation)
	}
	return email, nil
}
