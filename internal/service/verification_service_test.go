package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whispr-auth/internal/models"
)

const testPhone = "+14155552671"

func TestRequestVerification_NormalizesPhoneNumber(t *testing.T) {
	f := newFixture(t)

	result, err := f.verificationSvc.RequestVerification(context.Background(), "+1 (415) 555-2671", models.PurposeLogin)
	require.NoError(t, err)
	assert.NotEmpty(t, result.VerificationID)
	assert.Equal(t, testPhone, result.PhoneNumber)
	assert.Equal(t, models.PurposeLogin, result.Purpose)
	assert.Len(t, result.Code, 6)
}

func TestRequestVerification_RejectsInvalidPhone(t *testing.T) {
	f := newFixture(t)

	_, err := f.verificationSvc.RequestVerification(context.Background(), "not-a-phone", models.PurposeLogin)
	assert.ErrorIs(t, err, ErrInvalidPhoneNumber)

	// Numbers without a country prefix are rejected too.
	_, err = f.verificationSvc.RequestVerification(context.Background(), "4155552671", models.PurposeLogin)
	assert.ErrorIs(t, err, ErrInvalidPhoneNumber)
}

func TestRequestVerification_RejectsUnknownPurpose(t *testing.T) {
	f := newFixture(t)

	_, err := f.verificationSvc.RequestVerification(context.Background(), testPhone, "password-reset")
	assert.ErrorIs(t, err, ErrInvalidPurpose)
}

func TestRequestVerification_RateLimitsPerPhone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < f.cfg.MaxRequestsPerWindow; i++ {
		_, err := f.verificationSvc.RequestVerification(ctx, testPhone, models.PurposeLogin)
		require.NoError(t, err, "request %d", i+1)
	}

	_, err := f.verificationSvc.RequestVerification(ctx, testPhone, models.PurposeLogin)
	assert.ErrorIs(t, err, ErrRateLimited)

	// A different phone is unaffected.
	_, err = f.verificationSvc.RequestVerification(ctx, "+14155552672", models.PurposeLogin)
	assert.NoError(t, err)

	// The window eventually resets.
	f.clock.Advance(f.cfg.RateLimitWindow + time.Minute)
	_, err = f.verificationSvc.RequestVerification(ctx, testPhone, models.PurposeLogin)
	assert.NoError(t, err)
}

func TestRequestVerification_IssuesIndependentRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.verificationSvc.RequestVerification(ctx, testPhone, models.PurposeLogin)
	require.NoError(t, err)
	second, err := f.verificationSvc.RequestVerification(ctx, testPhone, models.PurposeLogin)
	require.NoError(t, err)
	require.NotEqual(t, first.VerificationID, second.VerificationID)

	// Each code only matches its own record.
	_, err = f.verificationSvc.VerifyCode(ctx, second.VerificationID, first.Code)
	assert.ErrorIs(t, err, ErrInvalidCode)
	_, err = f.verificationSvc.VerifyCode(ctx, second.VerificationID, second.Code)
	assert.NoError(t, err)
}

func TestVerifyCode_MatchAllowsEmptyCodeRecheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.verificationSvc.RequestVerification(ctx, testPhone, models.PurposeRegistration)
	require.NoError(t, err)

	record, err := f.verificationSvc.VerifyCode(ctx, result.VerificationID, result.Code)
	require.NoError(t, err)
	assert.Equal(t, testPhone, record.PhoneNumber)
	assert.Equal(t, models.PurposeRegistration, record.Purpose)
	assert.True(t, record.Verified)

	// A verified record passes with an empty code until consumed.
	_, err = f.verificationSvc.VerifyCode(ctx, result.VerificationID, "")
	assert.NoError(t, err)

	require.NoError(t, f.verificationSvc.ConsumeVerification(ctx, result.VerificationID))
	_, err = f.verificationSvc.VerifyCode(ctx, result.VerificationID, "")
	assert.ErrorIs(t, err, ErrVerificationNotFound)
}

func TestVerifyCode_UnverifiedRecordRejectsEmptyCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.verificationSvc.RequestVerification(ctx, testPhone, models.PurposeLogin)
	require.NoError(t, err)

	_, err = f.verificationSvc.VerifyCode(ctx, result.VerificationID, "")
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestVerifyCode_WrongCodeBurnsAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.verificationSvc.RequestVerification(ctx, testPhone, models.PurposeLogin)
	require.NoError(t, err)

	for i := 0; i < f.cfg.MaxVerifyAttempts; i++ {
		_, err := f.verificationSvc.VerifyCode(ctx, result.VerificationID, "000000")
		assert.ErrorIs(t, err, ErrInvalidCode, "attempt %d", i+1)
	}

	// Attempts exhausted: even the correct code is refused and the record
	// is deleted.
	_, err = f.verificationSvc.VerifyCode(ctx, result.VerificationID, result.Code)
	assert.ErrorIs(t, err, ErrTooManyAttempts)

	_, err = f.verificationSvc.VerifyCode(ctx, result.VerificationID, result.Code)
	assert.ErrorIs(t, err, ErrVerificationNotFound)
}

func TestVerifyCode_ExpiredRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.verificationSvc.RequestVerification(ctx, testPhone, models.PurposeLogin)
	require.NoError(t, err)

	f.clock.Advance(f.cfg.VerificationTTL + time.Minute)

	_, err = f.verificationSvc.VerifyCode(ctx, result.VerificationID, result.Code)
	assert.ErrorIs(t, err, ErrVerificationNotFound)
}

func TestVerifyCode_UnknownID(t *testing.T) {
	f := newFixture(t)

	_, err := f.verificationSvc.VerifyCode(context.Background(), "no-such-verification", "123456")
	assert.ErrorIs(t, err, ErrVerificationNotFound)
}

func TestGenerateCode_SixDigits(t *testing.T) {
	for i := 0; i < 100; i++ {
		code, err := generateCode()
		require.NoError(t, err)
		require.Len(t, code, 6)
		var n int
		_, err = fmt.Sscanf(code, "%d", &n)
		require.NoError(t, err)
		require.GreaterOrEqual(t, n, 100000)
		require.LessOrEqual(t, n, 999999)
	}
}
