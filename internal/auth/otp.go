package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
)

// OTP purposes. A code issued for one purpose never satisfies a check for
// another.
const (
	PurposeVerifyEmail   = "VERIFY_EMAIL"
	PurposeResetPassword = "RESET_PASSWORD"
)

const (
	otpCodeTTL     = 15 * time.Minute
	otpTokenTTL    = time.Hour
	otpMaxAttempts = 5
	otpTokenBytes  = 32
)

// OTPStore issues and checks one-time credentials backed by the auth.otps
// table. Every method takes the caller's transaction so OTP consumption
// commits or rolls back together with the state change it authorises.
type OTPStore struct{}

func NewOTPStore() *OTPStore {
	return &OTPStore{}
}

// CreateCode issues a 6-digit numeric code for (email, purpose), replacing
// any earlier credential under the same key.
func (o *OTPStore) CreateCode(ctx context.Context, tx pgx.Tx, email, purpose string) (code string, expiresAt time.Time, err error) {
	code, err = randomDigits(6)
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt = time.Now().Add(otpCodeTTL)
	if err := o.upsert(ctx, tx, email, purpose, code, expiresAt); err != nil {
		return "", time.Time{}, err
	}
	return code, expiresAt, nil
}

// CreateToken issues a 64-hex-character token for (email, purpose).
func (o *OTPStore) CreateToken(ctx context.Context, tx pgx.Tx, email, purpose string) (token string, expiresAt time.Time, err error) {
	raw := make([]byte, otpTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, fmt.Errorf("generate otp token: %w", err)
	}
	token = hex.EncodeToString(raw)
	expiresAt = time.Now().Add(otpTokenTTL)
	if err := o.upsert(ctx, tx, email, purpose, token, expiresAt); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

func (o *OTPStore) upsert(ctx context.Context, tx pgx.Tx, email, purpose, otp string, expiresAt time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO auth.otps (email, purpose, otp_hash, expires_at, attempts)
		VALUES ($1, $2, $3, $4, 0)
		ON CONFLICT (email, purpose)
		DO UPDATE SET otp_hash = $3, expires_at = $4, attempts = 0, created_at = now()`,
		email, purpose, hashOTP(otp), expiresAt)
	if err != nil {
		return fmt.Errorf("storing otp: %w", err)
	}
	return nil
}

// VerifyWithCode checks the code for (email, purpose) and deletes it on
// success. Every call counts against the attempt ceiling, matched or not.
func (o *OTPStore) VerifyWithCode(ctx context.Context, tx pgx.Tx, email, purpose, code string) error {
	var storedHash string
	var expiresAt time.Time
	var attempts int
	err := tx.QueryRow(ctx, `
		UPDATE auth.otps SET attempts = attempts + 1
		WHERE email = $1 AND purpose = $2
		RETURNING otp_hash, expires_at, attempts`,
		email, purpose).Scan(&storedHash, &expiresAt, &attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrInvalidOTP
	}
	if err != nil {
		return fmt.Errorf("looking up otp: %w", err)
	}

	if attempts > otpMaxAttempts || time.Now().After(expiresAt) || storedHash != hashOTP(code) {
		return ErrInvalidOTP
	}

	if _, err := tx.Exec(ctx, `DELETE FROM auth.otps WHERE email = $1 AND purpose = $2`, email, purpose); err != nil {
		return fmt.Errorf("consuming otp: %w", err)
	}
	return nil
}

// VerifyWithToken consumes an unexpired token for the purpose, whatever
// email it was issued to, and returns that email. The DELETE..RETURNING
// makes lookup and consumption a single atomic step.
func (o *OTPStore) VerifyWithToken(ctx context.Context, tx pgx.Tx, purpose, token string) (string, error) {
	var email string
	err := tx.QueryRow(ctx, `
		DELETE FROM auth.otps
		WHERE purpose = $1 AND otp_hash = $2 AND expires_at > now()
		RETURNING email`,
		purpose, hashOTP(token)).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrInvalidOTP
	}
	if err != nil {
		return "", fmt.Errorf("consuming otp token: %w", err)
	}
	return email, nil
}

// ExchangeCodeForToken verifies a numeric code and immediately issues a
// fresh token under the same purpose. This splits interactive code entry
// from the POST that actually resets the password.
func (o *OTPStore) ExchangeCodeForToken(ctx context.Context, tx pgx.Tx, email, purpose, code string) (token string, expiresAt time.Time, err error) {
	if err := o.VerifyWithCode(ctx, tx, email, purpose, code); err != nil {
		return "", time.Time{}, err
	}
	return o.CreateToken(ctx, tx, email, purpose)
}

func hashOTP(otp string) string {
	sum := sha256.Sum256([]byte(otp))
	return hex.EncodeToString(sum[:])
}

// randomDigits returns n uniformly random decimal digits, left-padded.
func randomDigits(n int) (string, error) {
	max := big.NewInt(1)
	for i := 0; i < n; i++ {
		max.Mul(max, big.NewInt(10))
	}
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate otp code: %w", err)
	}
	return fmt.Sprintf("%0*d", n, v), nil
}
