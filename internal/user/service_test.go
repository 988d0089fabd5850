package user_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-identity/internal/credential"
	"github.com/ovaphlow/pitchfork/service-identity/internal/testutil"
	"github.com/ovaphlow/pitchfork/service-identity/internal/user"
	"github.com/ovaphlow/pitchfork/service-identity/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-identity/internal/user/repo"
)

var t0 = time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*user.UserService, *repo.UserRepo) {
	t.Helper()
	_, f := testutil.OpenSQLite(t)
	r := repo.NewUserRepo(f)
	svc := user.NewUserService(r, credential.BcryptHasher{Cost: bcrypt.MinCost}).
		WithClock(func() time.Time { return t0 })
	return svc, r
}

func TestRegisterAndAuthenticate(t *testing.T) {
	t.Parallel()

	svc, r := newService(t)
	ctx := context.Background()

	id, err := svc.Register(ctx, "a@x.com", "Abcd1234", "Ann")
	require.NoError(t, err)
	assert.False(t, id.EmailVerified)

	got, err := svc.Authenticate(ctx, "a@x.com", "Abcd1234")
	require.NoError(t, err)
	assert.Equal(t, id.ID, got.ID)

	stored, err := r.GetByID(ctx, id.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastLoginAt)
	assert.True(t, stored.LastLoginAt.Equal(t0))
	assert.Equal(t, entity.StatusTrial, stored.SubscriptionStatus)
	assert.Equal(t, entity.TierFree, stored.SubscriptionTier)
}

func TestAuthenticate_FailuresAreIndistinguishable(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.Register(ctx, "a@x.com", "Abcd1234", "")
	require.NoError(t, err)

	_, unknown := svc.Authenticate(ctx, "nobody@x.com", "Abcd1234")
	_, wrong := svc.Authenticate(ctx, "a@x.com", "Abcd12345")
	assert.ErrorIs(t, unknown, user.ErrInvalidCredentials)
	assert.ErrorIs(t, wrong, user.ErrInvalidCredentials)
	assert.Equal(t, unknown.Error(), wrong.Error())
}

func TestRegister_Rejections(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "a@x.com", "abcd1234", "")
	require.ErrorIs(t, err, credential.ErrWeakPassword)
	assert.Contains(t, err.Error(), credential.ReasonMissingUppercase)

	_, err = svc.Register(ctx, "a@x.com", "Abcd1234", "")
	require.NoError(t, err)
	_, err = svc.Register(ctx, "a@x.com", "Abcd1234", "")
	assert.ErrorIs(t, err, user.ErrEmailTaken)
}

func TestResolveOAuth_CreatesThenCredentialsDenied(t *testing.T) {
	t.Parallel()

	svc, r := newService(t)
	ctx := context.Background()

	id, err := svc.ResolveOAuth(ctx, user.OAuthAssertion{
		Email: "a@x.com", Provider: "google", ProviderAccountID: "g-1", Name: "Ann", Avatar: "https://img/a.png",
	})
	require.NoError(t, err)
	assert.True(t, id.EmailVerified)

	stored, err := r.GetByEmail(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Nil(t, stored.PasswordHash)
	assert.Equal(t, "google", *stored.OAuthProvider)
	assert.Equal(t, "https://img/a.png", *stored.AvatarURL)

	for _, pw := range []string{"", "Abcd1234", "anything"} {
		_, err = svc.Authenticate(ctx, "a@x.com", pw)
		assert.ErrorIs(t, err, user.ErrOAuthOnlyAccount)
	}
}

func TestResolveOAuth_ExistingEmailIsReturnedUnchanged(t *testing.T) {
	t.Parallel()

	svc, r := newService(t)
	ctx := context.Background()

	reg, err := svc.Register(ctx, "a@x.com", "Abcd1234", "Ann")
	require.NoError(t, err)

	got, err := svc.ResolveOAuth(ctx, user.OAuthAssertion{Email: "a@x.com", Provider: "github", ProviderAccountID: "h-9"})
	require.NoError(t, err)
	assert.Equal(t, reg.ID, got.ID)

	stored, err := r.GetByID(ctx, reg.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.OAuthProvider, "second provider is not recorded")
	assert.NotNil(t, stored.PasswordHash)
	assert.False(t, stored.EmailVerified)
	require.NotNil(t, stored.LastLoginAt)
}

func TestResolveOAuth_LinkageConflict(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.ResolveOAuth(ctx, user.OAuthAssertion{Email: "a@x.com", Provider: "google", ProviderAccountID: "g-1"})
	require.NoError(t, err)
	_, err = svc.ResolveOAuth(ctx, user.OAuthAssertion{Email: "b@x.com", Provider: "google", ProviderAccountID: "g-1"})
	assert.ErrorIs(t, err, user.ErrLinkageConflict)
}

// racingRepo lets every caller pass the existence check before any insert lands.
type racingRepo struct {
	*repo.UserRepo
	gate *sync.WaitGroup
}

func (r racingRepo) GetByEmail(ctx context.Context, email string) (*entity.User, error) {
	u, err := r.UserRepo.GetByEmail(ctx, email)
	r.gate.Done()
	r.gate.Wait()
	return u, err
}

func TestResolveOAuth_ConcurrentCreateSurfacesConflict(t *testing.T) {
	t.Parallel()

	_, f := testutil.OpenSQLite(t)
	const callers = 4
	gate := &sync.WaitGroup{}
	gate.Add(callers)
	svc := user.NewUserService(racingRepo{UserRepo: repo.NewUserRepo(f), gate: gate}, credential.BcryptHasher{Cost: bcrypt.MinCost})

	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := svc.ResolveOAuth(context.Background(), user.OAuthAssertion{Email: "a@x.com", Provider: "google", ProviderAccountID: "g-1"})
			errs <- err
		}()
	}
	var ok, conflicts int
	for i := 0; i < callers; i++ {
		err := <-errs
		switch {
		case err == nil:
			ok++
		case errors.Is(err, user.ErrCreateConflict), errors.Is(err, user.ErrLinkageConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, conflicts)
}

func TestAuthenticate_UpgradesLowCostHash(t *testing.T) {
	t.Parallel()

	_, f := testutil.OpenSQLite(t)
	r := repo.NewUserRepo(f)
	ctx := context.Background()

	low := user.NewUserService(r, credential.BcryptHasher{Cost: bcrypt.MinCost})
	id, err := low.Register(ctx, "a@x.com", "Abcd1234", "")
	require.NoError(t, err)

	high := user.NewUserService(r, credential.BcryptHasher{Cost: bcrypt.MinCost + 1})
	_, err = high.Authenticate(ctx, "a@x.com", "Abcd1234")
	require.NoError(t, err)

	stored, err := r.GetByID(ctx, id.ID)
	require.NoError(t, err)
	c, err := bcrypt.Cost([]byte(*stored.PasswordHash))
	require.NoError(t, err)
	assert.Equal(t, bcrypt.MinCost+1, c)
}
