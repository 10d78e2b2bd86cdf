//go:build integration

package auth_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/insforge/insforge/internal/auth"
	"github.com/insforge/insforge/internal/config"
	"github.com/insforge/insforge/internal/mailer"
	"github.com/insforge/insforge/internal/oauth"
	"github.com/insforge/insforge/internal/testutil"
	"github.com/insforge/insforge/internal/tokens"
)

var sharedPG *testutil.PGContainer

func TestMain(m *testing.M) {
	ctx := context.Background()
	pg, cleanup := testutil.StartPostgresForTestMain(ctx)
	sharedPG = pg
	code := m.Run()
	cleanup()
	os.Exit(code)
}

// resetAuthSchema rebuilds the platform-provisioned auth tables from scratch
// so every test starts clean.
func resetAuthSchema(t *testing.T, ctx context.Context) {
	t.Helper()
	_, err := sharedPG.Pool.Exec(ctx, `
		DROP SCHEMA IF EXISTS auth CASCADE;
		DROP TABLE IF EXISTS public.users;
		CREATE SCHEMA auth;

		CREATE TABLE auth.accounts (
			id             UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			email          TEXT NOT NULL UNIQUE,
			password_hash  TEXT,
			name           TEXT,
			avatar_url     TEXT,
			email_verified BOOLEAN NOT NULL DEFAULT false,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE auth.account_providers (
			account_id    UUID NOT NULL REFERENCES auth.accounts(id) ON DELETE CASCADE,
			provider      TEXT NOT NULL,
			provider_id   TEXT NOT NULL,
			identity_data JSONB,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (provider, provider_id),
			UNIQUE (account_id, provider)
		);

		CREATE TABLE auth.otps (
			email      TEXT NOT NULL,
			purpose    TEXT NOT NULL,
			otp_hash   TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			attempts   INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (email, purpose)
		);

		CREATE TABLE public.users (
			id UUID PRIMARY KEY REFERENCES auth.accounts(id) ON DELETE CASCADE
		);
	`)
	testutil.NoError(t, err)
}

func newIntegrationService(t *testing.T) *auth.Service {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.JWTSecret = "integration-test-secret"

	tokenSvc, err := tokens.NewService(cfg.Auth.JWTSecret, time.Hour, 7*24*time.Hour, testutil.DiscardLogger())
	testutil.NoError(t, err)

	svc := auth.NewService(sharedPG.Pool, tokenSvc, nil, mailer.NewLogMailer(testutil.DiscardLogger()), cfg, testutil.DiscardLogger())
	t.Cleanup(svc.Close)
	return svc
}

// inTx runs fn inside a committed transaction, the way the service drives the
// OTP store.
func inTx(t *testing.T, ctx context.Context, fn func(tx pgx.Tx) error) error {
	t.Helper()
	tx, err := sharedPG.Pool.Begin(ctx)
	testutil.NoError(t, err)
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func TestOTPCodeIsSingleUse(t *testing.T) {
	ctx := context.Background()
	resetAuthSchema(t, ctx)
	store := auth.NewOTPStore()

	var code string
	err := inTx(t, ctx, func(tx pgx.Tx) error {
		var err error
		code, _, err = store.CreateCode(ctx, tx, "a@b.c", auth.PurposeVerifyEmail)
		return err
	})
	testutil.NoError(t, err)

	err = inTx(t, ctx, func(tx pgx.Tx) error {
		return store.VerifyWithCode(ctx, tx, "a@b.c", auth.PurposeVerifyEmail, code)
	})
	testutil.NoError(t, err)

	// A consumed code never verifies again.
	err = inTx(t, ctx, func(tx pgx.Tx) error {
		return store.VerifyWithCode(ctx, tx, "a@b.c", auth.PurposeVerifyEmail, code)
	})
	testutil.True(t, errors.Is(err, auth.ErrInvalidOTP), "reused code should fail, got %v", err)
}

func TestOTPCodePurposeIsolationAndExpiry(t *testing.T) {
	ctx := context.Background()
	resetAuthSchema(t, ctx)
	store := auth.NewOTPStore()

	var code string
	err := inTx(t, ctx, func(tx pgx.Tx) error {
		var err error
		code, _, err = store.CreateCode(ctx, tx, "a@b.c", auth.PurposeResetPassword)
		return err
	})
	testutil.NoError(t, err)

	// Wrong purpose never matches.
	err = inTx(t, ctx, func(tx pgx.Tx) error {
		return store.VerifyWithCode(ctx, tx, "a@b.c", auth.PurposeVerifyEmail, code)
	})
	testutil.True(t, errors.Is(err, auth.ErrInvalidOTP), "cross-purpose code should fail")

	// Force expiry; the code must stop verifying.
	_, err = sharedPG.Pool.Exec(ctx, `UPDATE auth.otps SET expires_at = now() - interval '1 minute'`)
	testutil.NoError(t, err)
	err = inTx(t, ctx, func(tx pgx.Tx) error {
		return store.VerifyWithCode(ctx, tx, "a@b.c", auth.PurposeResetPassword, code)
	})
	testutil.True(t, errors.Is(err, auth.ErrInvalidOTP), "expired code should fail")
}

func TestOTPCodeAttemptCeiling(t *testing.T) {
	ctx := context.Background()
	resetAuthSchema(t, ctx)
	store := auth.NewOTPStore()

	var code string
	err := inTx(t, ctx, func(tx pgx.Tx) error {
		var err error
		code, _, err = store.CreateCode(ctx, tx, "a@b.c", auth.PurposeVerifyEmail)
		return err
	})
	testutil.NoError(t, err)

	for i := 0; i < 5; i++ {
		err = inTx(t, ctx, func(tx pgx.Tx) error {
			return store.VerifyWithCode(ctx, tx, "a@b.c", auth.PurposeVerifyEmail, "000000")
		})
		testutil.True(t, errors.Is(err, auth.ErrInvalidOTP), "wrong code should fail")
	}

	// Five misses burn the credential; even the right code is refused now.
	err = inTx(t, ctx, func(tx pgx.Tx) error {
		return store.VerifyWithCode(ctx, tx, "a@b.c", auth.PurposeVerifyEmail, code)
	})
	testutil.True(t, errors.Is(err, auth.ErrInvalidOTP), "code past the attempt ceiling should fail")
}

func TestOTPTokenIsOneShot(t *testing.T) {
	ctx := context.Background()
	resetAuthSchema(t, ctx)
	store := auth.NewOTPStore()

	var token string
	err := inTx(t, ctx, func(tx pgx.Tx) error {
		var err error
		token, _, err = store.CreateToken(ctx, tx, "a@b.c", auth.PurposeResetPassword)
		return err
	})
	testutil.NoError(t, err)

	var email string
	err = inTx(t, ctx, func(tx pgx.Tx) error {
		var err error
		email, err = store.VerifyWithToken(ctx, tx, auth.PurposeResetPassword, token)
		return err
	})
	testutil.NoError(t, err)
	testutil.Equal(t, "a@b.c", email)

	err = inTx(t, ctx, func(tx pgx.Tx) error {
		_, err := store.VerifyWithToken(ctx, tx, auth.PurposeResetPassword, token)
		return err
	})
	testutil.True(t, errors.Is(err, auth.ErrInvalidOTP), "reused token should fail")
}

func TestRegisterLoginRoundTrip(t *testing.T) {
	ctx := context.Background()
	resetAuthSchema(t, ctx)
	svc := newIntegrationService(t)

	result, err := svc.Register(ctx, "user@example.com", "str0ng-Enough-pass", "User")
	testutil.NoError(t, err)
	testutil.NotNil(t, result.User)
	testutil.True(t, result.AccessToken != "", "registration should start a session")

	// The profile row rides in the same transaction.
	var profiles int
	err = sharedPG.Pool.QueryRow(ctx, `SELECT count(*) FROM public.users WHERE id = $1`, result.User.ID).Scan(&profiles)
	testutil.NoError(t, err)
	testutil.Equal(t, 1, profiles)

	_, err = svc.Register(ctx, "user@example.com", "str0ng-Enough-pass", "")
	testutil.True(t, errors.Is(err, auth.ErrEmailTaken), "duplicate email should fail, got %v", err)

	_, err = svc.Login(ctx, "user@example.com", "wrong-password")
	testutil.True(t, errors.Is(err, auth.ErrInvalidCredentials), "wrong password should fail")

	session, err := svc.Login(ctx, "user@example.com", "str0ng-Enough-pass")
	testutil.NoError(t, err)
	testutil.Equal(t, result.User.ID, session.User.ID)
}

func TestFindOrCreateThirdPartyUserPaths(t *testing.T) {
	ctx := context.Background()
	resetAuthSchema(t, ctx)
	svc := newIntegrationService(t)

	identity := &oauth.Identity{
		Provider:     "google",
		ProviderID:   "g-1",
		Email:        "oauth@example.com",
		UserName:     "OAuth User",
		IdentityData: map[string]any{"id": "g-1"},
	}

	// Fresh account, verified from the start, with profile and link.
	first, err := svc.FindOrCreateThirdPartyUser(ctx, identity)
	testutil.NoError(t, err)
	testutil.True(t, first.User.EmailVerified, "oauth accounts start verified")

	var links int
	err = sharedPG.Pool.QueryRow(ctx, `SELECT count(*) FROM auth.account_providers`).Scan(&links)
	testutil.NoError(t, err)
	testutil.Equal(t, 1, links)

	// Same identity resolves to the same account.
	again, err := svc.FindOrCreateThirdPartyUser(ctx, identity)
	testutil.NoError(t, err)
	testutil.Equal(t, first.User.ID, again.User.ID)

	// A different provider with the same email attaches to the account
	// instead of creating a second one.
	github := &oauth.Identity{Provider: "github", ProviderID: "gh-1", Email: "oauth@example.com"}
	linked, err := svc.FindOrCreateThirdPartyUser(ctx, github)
	testutil.NoError(t, err)
	testutil.Equal(t, first.User.ID, linked.User.ID)

	var accounts int
	err = sharedPG.Pool.QueryRow(ctx, `SELECT count(*) FROM auth.accounts`).Scan(&accounts)
	testutil.NoError(t, err)
	testutil.Equal(t, 1, accounts)
}

func TestFindOrCreateThirdPartyUserIsAtomic(t *testing.T) {
	ctx := context.Background()
	resetAuthSchema(t, ctx)
	svc := newIntegrationService(t)

	seed := &oauth.Identity{Provider: "google", ProviderID: "g-1", Email: "dup@example.com"}
	_, err := svc.FindOrCreateThirdPartyUser(ctx, seed)
	testutil.NoError(t, err)

	// A second google identity with the same email hits the email-match path
	// and violates the one-link-per-provider constraint. The whole
	// transaction must roll back, leaving the seeded state untouched.
	clash := &oauth.Identity{Provider: "google", ProviderID: "g-2", Email: "dup@example.com"}
	_, err = svc.FindOrCreateThirdPartyUser(ctx, clash)
	testutil.True(t, err != nil, "conflicting link should fail")

	var accounts, links int
	testutil.NoError(t, sharedPG.Pool.QueryRow(ctx, `SELECT count(*) FROM auth.accounts`).Scan(&accounts))
	testutil.NoError(t, sharedPG.Pool.QueryRow(ctx, `SELECT count(*) FROM auth.account_providers`).Scan(&links))
	testutil.Equal(t, 1, accounts)
	testutil.Equal(t, 1, links)
}

func TestResetPasswordFlow(t *testing.T) {
	ctx := context.Background()
	resetAuthSchema(t, ctx)
	svc := newIntegrationService(t)
	store := auth.NewOTPStore()

	_, err := svc.Register(ctx, "reset@example.com", "0ld-Password-here", "")
	testutil.NoError(t, err)

	var code string
	err = inTx(t, ctx, func(tx pgx.Tx) error {
		var err error
		code, _, err = store.CreateCode(ctx, tx, "reset@example.com", auth.PurposeResetPassword)
		return err
	})
	testutil.NoError(t, err)

	token, _, err := svc.ExchangeResetCode(ctx, "reset@example.com", code)
	testutil.NoError(t, err)

	testutil.NoError(t, svc.ResetPasswordWithToken(ctx, "n3w-Password-here", token))

	_, err = svc.Login(ctx, "reset@example.com", "0ld-Password-here")
	testutil.True(t, errors.Is(err, auth.ErrInvalidCredentials), "old password should stop working")
	_, err = svc.Login(ctx, "reset@example.com", "n3w-Password-here")
	testutil.NoError(t, err)
}
