package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/bookguard/internal/captcha"
	"github.com/Wikid82/bookguard/internal/clock"
	"github.com/Wikid82/bookguard/internal/config"
	"github.com/Wikid82/bookguard/internal/models"
)

type stubVerifier struct {
	resp  *captcha.Response
	err   error
	calls int
}

func (v *stubVerifier) Verify(context.Context, string, string) (*captcha.Response, error) {
	v.calls++
	return v.resp, v.err
}

func score(f float64) *float64 { return &f }

func newTestCaptcha(t *testing.T, v CaptchaVerifier) (*CaptchaService, *testEnv, *captureRecorder) {
	t.Helper()
	env := newTestEnv(t)
	rec := &captureRecorder{}
	return NewCaptchaService(env.store, env.clock, rec, v, env.cfg.Captcha), env, rec
}

func TestCaptcha_TriggerTwicePreservesTriggeredAt(t *testing.T) {
	svc, env, rec := newTestCaptcha(t, nil)
	ctx := context.Background()

	first, err := svc.TriggerCaptchaRequirement(ctx, "203.0.113.9", "failed logins", "login", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, first.TriggerCount)

	env.clock.Advance(10 * time.Minute)
	second, err := svc.TriggerCaptchaRequirement(ctx, "203.0.113.9", "more failed logins", "login", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, second.TriggerCount)
	assert.True(t, first.TriggeredAt.Equal(second.TriggeredAt))
	assert.True(t, second.ExpiresAt.After(first.ExpiresAt))
	assert.Equal(t, "more failed logins", second.Reason)
	assert.Contains(t, rec.types(), models.EventCaptchaRequired)

	status, err := svc.IsCaptchaRequired(ctx, "203.0.113.9", "login")
	require.NoError(t, err)
	assert.True(t, status.Required)
	assert.Equal(t, 2, status.TriggerCount)
}

func TestCaptcha_RequirementExpires(t *testing.T) {
	svc, env, _ := newTestCaptcha(t, nil)
	ctx := context.Background()
	_, err := svc.TriggerCaptchaRequirement(ctx, "u1", "manual", "", 30*time.Minute)
	require.NoError(t, err)

	status, err := svc.IsCaptchaRequired(ctx, "u1", "general")
	require.NoError(t, err)
	assert.True(t, status.Required)

	env.clock.Advance(31 * time.Minute)
	status, err = svc.IsCaptchaRequired(ctx, "u1", "")
	require.NoError(t, err)
	assert.False(t, status.Required)

	again, err := svc.TriggerCaptchaRequirement(ctx, "u1", "manual", "", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, again.TriggerCount, "an expired requirement starts over")
}

func TestCaptcha_ShouldTriggerBoundary(t *testing.T) {
	for _, activity := range []string{ActivityFailedLogins, ActivityRateLimitViolations, ActivityFailedMFA} {
		svc, _, _ := newTestCaptcha(t, nil)
		ctx := context.Background()
		threshold := svc.Threshold(activity)
		require.Positive(t, threshold)

		for i := 1; i < threshold; i++ {
			triggered, err := svc.ShouldTriggerCaptcha(ctx, "10.1.1.1", activity, "login")
			require.NoError(t, err)
			assert.False(t, triggered, "%s count %d below threshold %d", activity, i, threshold)
		}
		triggered, err := svc.ShouldTriggerCaptcha(ctx, "10.1.1.1", activity, "login")
		require.NoError(t, err)
		assert.True(t, triggered, "%s must trigger at %d", activity, threshold)

		status, err := svc.IsCaptchaRequired(ctx, "10.1.1.1", "login")
		require.NoError(t, err)
		assert.True(t, status.Required)
	}
}

func TestCaptcha_ActivityWindowResets(t *testing.T) {
	svc, env, _ := newTestCaptcha(t, nil)
	ctx := context.Background()
	threshold := svc.Threshold(ActivityFailedLogins)
	for i := 1; i < threshold; i++ {
		_, err := svc.ShouldTriggerCaptcha(ctx, "u2", ActivityFailedLogins, "login")
		require.NoError(t, err)
	}
	env.clock.Advance(env.cfg.Captcha.ActivityWindow + time.Second)
	triggered, err := svc.ShouldTriggerCaptcha(ctx, "u2", ActivityFailedLogins, "login")
	require.NoError(t, err)
	assert.False(t, triggered)
}

func TestCaptcha_ValidateNotRequiredSkipsProvider(t *testing.T) {
	v := &stubVerifier{}
	svc, _, _ := newTestCaptcha(t, v)
	res := svc.ValidateCaptcha(context.Background(), "", "u3", "login", ValidateOptions{})
	assert.True(t, res.Success)
	assert.Zero(t, v.calls)
}

func TestCaptcha_ValidateOutcomes(t *testing.T) {
	cases := []struct {
		name     string
		token    string
		verifier *stubVerifier
		success  bool
		code     string
	}{
		{"verified", "tok", &stubVerifier{resp: &captcha.Response{Success: true, Score: score(0.9)}}, true, ""},
		{"no score", "tok", &stubVerifier{resp: &captcha.Response{Success: true}}, true, ""},
		{"missing token", "", &stubVerifier{}, false, CaptchaMissingToken},
		{"rejected", "tok", &stubVerifier{resp: &captcha.Response{Success: false, ErrorCodes: []string{"invalid-input-response"}}}, false, CaptchaVerificationRejected},
		{"low score", "tok", &stubVerifier{resp: &captcha.Response{Success: true, Score: score(0.2)}}, false, CaptchaScoreTooLow},
		{"timeout", "tok", &stubVerifier{err: captcha.ErrVerificationTimeout}, false, CaptchaVerificationTimeout},
		{"unavailable", "tok", &stubVerifier{err: captcha.ErrVerificationUnavailable}, false, CaptchaVerificationUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, _, rec := newTestCaptcha(t, tc.verifier)
			ctx := context.Background()
			_, err := svc.TriggerCaptchaRequirement(ctx, "u4", "test", "login", 0)
			require.NoError(t, err)

			res := svc.ValidateCaptcha(ctx, tc.token, "u4", "login", ValidateOptions{})
			assert.Equal(t, tc.success, res.Success)
			assert.Equal(t, tc.code, res.ErrorCode)

			status, err := svc.IsCaptchaRequired(ctx, "u4", "login")
			require.NoError(t, err)
			assert.Equal(t, !tc.success, status.Required, "success clears the requirement")
			if tc.success {
				assert.Contains(t, rec.types(), models.EventCaptchaPassed)
			} else {
				assert.Contains(t, rec.types(), models.EventCaptchaFailed)
			}
		})
	}
}

func TestCaptcha_ForceAndMinScore(t *testing.T) {
	v := &stubVerifier{resp: &captcha.Response{Success: true, Score: score(0.6)}}
	svc, _, _ := newTestCaptcha(t, v)
	ctx := context.Background()

	res := svc.ValidateCaptcha(ctx, "tok", "u5", "checkout", ValidateOptions{Force: true})
	assert.True(t, res.Success)
	assert.Equal(t, 1, v.calls)

	res = svc.ValidateCaptcha(ctx, "tok", "u5", "checkout", ValidateOptions{Force: true, MinScore: 0.7})
	assert.False(t, res.Success)
	assert.Equal(t, CaptchaScoreTooLow, res.ErrorCode)
}

func TestCaptcha_FailsClosedWhenStoreDown(t *testing.T) {
	v := &stubVerifier{err: captcha.ErrVerificationTimeout}
	svc := NewCaptchaService(failingStore{}, clock.NewManual(testEpoch), nil, v, config.Defaults().Captcha)
	res := svc.ValidateCaptcha(context.Background(), "tok", "u6", "login", ValidateOptions{})
	assert.False(t, res.Success)
	assert.Equal(t, CaptchaVerificationTimeout, res.ErrorCode)
	assert.Equal(t, 1, v.calls)
}
