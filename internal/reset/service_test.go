package reset_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-identity/internal/credential"
	"github.com/ovaphlow/pitchfork/service-identity/internal/reset"
	"github.com/ovaphlow/pitchfork/service-identity/internal/testutil"
	"github.com/ovaphlow/pitchfork/service-identity/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-identity/internal/user/repo"
)

var fast = credential.BcryptHasher{Cost: bcrypt.MinCost}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func setup(t *testing.T) (*reset.Service, *repo.UserRepo, *clock) {
	t.Helper()
	_, f := testutil.OpenSQLite(t)
	r := repo.NewUserRepo(f)
	c := &clock{t: time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	hash, _, err := fast.Hash("Abcd1234")
	require.NoError(t, err)
	for _, u := range []*entity.User{
		{ID: "u1", Email: "a@x.com", PasswordHash: &hash},
		{ID: "u2", Email: "oauth@x.com"},
	} {
		u.SubscriptionStatus, u.SubscriptionTier = entity.StatusTrial, entity.TierFree
		u.CreatedAt, u.UpdatedAt = c.t, c.t
		require.NoError(t, r.Create(ctx, u))
	}
	return reset.NewService(r, fast).WithClock(c.now), r, c
}

func TestIssueStoresOnlyHash(t *testing.T) {
	t.Parallel()

	svc, r, c := setup(t)
	ctx := context.Background()

	secret, u, err := svc.Issue(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
	assert.Len(t, secret, 64)

	stored, err := r.GetByID(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, stored.ResetToken)
	assert.NotEqual(t, secret, *stored.ResetToken)
	assert.Equal(t, reset.HashToken(secret), *stored.ResetToken)
	assert.True(t, stored.ResetTokenExpires.Equal(c.t.Add(reset.TokenTTL)))
	assert.True(t, stored.ResetRequestedAt.Equal(c.t))
}

func TestIssue_IneligibleAccounts(t *testing.T) {
	t.Parallel()

	svc, _, _ := setup(t)
	ctx := context.Background()

	_, _, err := svc.Issue(ctx, "nobody@x.com")
	assert.ErrorIs(t, err, reset.ErrNotFound)
	_, _, err = svc.Issue(ctx, "oauth@x.com")
	assert.ErrorIs(t, err, reset.ErrOAuthOnlyAccount)
}

func TestValidateThenConsumeIsSingleUse(t *testing.T) {
	t.Parallel()

	svc, r, _ := setup(t)
	ctx := context.Background()

	secret, _, err := svc.Issue(ctx, "a@x.com")
	require.NoError(t, err)

	u, err := svc.Validate(ctx, secret)
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)

	newHash, _, err := fast.Hash("Newpass123")
	require.NoError(t, err)
	require.NoError(t, svc.Consume(ctx, u.ID, newHash))

	_, err = svc.Validate(ctx, secret)
	assert.ErrorIs(t, err, reset.ErrInvalidToken)

	stored, err := r.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, fast.Verify(*stored.PasswordHash, "Newpass123"))
	assert.Nil(t, stored.ResetToken)
	assert.Nil(t, stored.ResetTokenExpires)
	assert.Nil(t, stored.ResetRequestedAt)
}

func TestValidate_Expired(t *testing.T) {
	t.Parallel()

	svc, _, c := setup(t)
	ctx := context.Background()

	secret, _, err := svc.Issue(ctx, "a@x.com")
	require.NoError(t, err)

	c.advance(59 * time.Minute)
	_, err = svc.Validate(ctx, secret)
	require.NoError(t, err)

	c.advance(time.Minute)
	_, err = svc.Validate(ctx, secret)
	assert.ErrorIs(t, err, reset.ErrInvalidToken, "expiry is exclusive")

	c.advance(time.Hour)
	_, err = svc.Validate(ctx, secret)
	assert.ErrorIs(t, err, reset.ErrInvalidToken)
}

func TestValidate_ForgedAndReplaced(t *testing.T) {
	t.Parallel()

	svc, _, _ := setup(t)
	ctx := context.Background()

	_, err := svc.Validate(ctx, "deadbeef")
	assert.ErrorIs(t, err, reset.ErrInvalidToken)
	_, err = svc.Validate(ctx, "")
	assert.ErrorIs(t, err, reset.ErrInvalidToken)

	first, _, err := svc.Issue(ctx, "a@x.com")
	require.NoError(t, err)
	second, _, err := svc.Issue(ctx, "a@x.com")
	require.NoError(t, err)

	_, err = svc.Validate(ctx, first)
	assert.ErrorIs(t, err, reset.ErrInvalidToken, "only the latest secret is live")
	_, err = svc.Validate(ctx, second)
	assert.NoError(t, err)
}

func TestClearLeavesPassword(t *testing.T) {
	t.Parallel()

	svc, r, _ := setup(t)
	ctx := context.Background()

	secret, _, err := svc.Issue(ctx, "a@x.com")
	require.NoError(t, err)
	require.NoError(t, svc.Clear(ctx, "u1"))

	_, err = svc.Validate(ctx, secret)
	assert.ErrorIs(t, err, reset.ErrInvalidToken)
	stored, err := r.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, fast.Verify(*stored.PasswordHash, "Abcd1234"))
}

func TestResetPassword(t *testing.T) {
	t.Parallel()

	svc, r, _ := setup(t)
	ctx := context.Background()

	secret, _, err := svc.Issue(ctx, "a@x.com")
	require.NoError(t, err)

	err = svc.ResetPassword(ctx, secret, "weakpass")
	assert.ErrorIs(t, err, credential.ErrWeakPassword)

	require.NoError(t, svc.ResetPassword(ctx, secret, "Better123"))
	assert.ErrorIs(t, svc.ResetPassword(ctx, secret, "Another123"), reset.ErrInvalidToken)

	stored, err := r.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, fast.Verify(*stored.PasswordHash, "Better123"))
}

func TestResetPassword_ConcurrentRedemption(t *testing.T) {
	t.Parallel()

	svc, _, _ := setup(t)
	ctx := context.Background()
	secret, _, err := svc.Issue(ctx, "a@x.com")
	require.NoError(t, err)

	const n = 4
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- svc.ResetPassword(ctx, secret, "Better123")
		}()
	}
	wg.Wait()
	close(errs)

	var ok int
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, reset.ErrInvalidToken)
	}
	assert.Equal(t, 1, ok)
}
