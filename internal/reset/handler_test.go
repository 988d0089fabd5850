package reset_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity/internal/reset"
)

type captureMailer struct {
	mu    sync.Mutex
	links map[string]string
	fail  bool
}

func (m *captureMailer) SendReset(_ context.Context, to, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("smtp down")
	}
	if m.links == nil {
		m.links = map[string]string{}
	}
	m.links[to] = link
	return nil
}

func newResetServer(t *testing.T, m reset.Mailer) http.Handler {
	t.Helper()
	svc, _, _ := setup(t)
	r := chi.NewRouter()
	r.Route("/password", reset.NewHandler(svc, m, "https://id.example.com/", zap.NewNop().Sugar()).MountRoutes)
	return r
}

func post(h http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestForgot_AlwaysAccepted(t *testing.T) {
	t.Parallel()

	m := &captureMailer{}
	srv := newResetServer(t, m)

	known := post(srv, "/password/forgot", `{"email":"a@x.com"}`)
	unknown := post(srv, "/password/forgot", `{"email":"nobody@x.com"}`)
	oauthOnly := post(srv, "/password/forgot", `{"email":"oauth@x.com"}`)

	for _, rec := range []*httptest.ResponseRecorder{known, unknown, oauthOnly} {
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, known.Body.String(), rec.Body.String())
	}
	assert.Len(t, m.links, 1)
	assert.True(t, strings.HasPrefix(m.links["a@x.com"], "https://id.example.com/password/reset?token="))
}

func TestForgot_MailFailureStillAccepted(t *testing.T) {
	t.Parallel()

	srv := newResetServer(t, &captureMailer{fail: true})
	assert.Equal(t, http.StatusAccepted, post(srv, "/password/forgot", `{"email":"a@x.com"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(srv, "/password/forgot", `{"email":"not-an-email"}`).Code)
}

func TestResetFlowOverHTTP(t *testing.T) {
	t.Parallel()

	m := &captureMailer{}
	srv := newResetServer(t, m)
	require.Equal(t, http.StatusAccepted, post(srv, "/password/forgot", `{"email":"a@x.com"}`).Code)

	link, err := url.Parse(m.links["a@x.com"])
	require.NoError(t, err)
	token := link.Query().Get("token")
	require.NotEmpty(t, token)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/password/reset/validate?token="+token, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = post(srv, "/password/reset", `{"token":"`+token+`","password":"short"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "too short")

	rec = post(srv, "/password/reset", `{"token":"`+token+`","password":"Better123"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = post(srv, "/password/reset", `{"token":"`+token+`","password":"Better123"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid or expired link")

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/password/reset/validate?token="+token, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
