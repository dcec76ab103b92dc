package tracking

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/mailkite/mailkite/internal/models"
)

func setupHandlers(t *testing.T) (*fixture, *httptest.Server) {
	t.Helper()
	f := setup(t)

	journal, err := OpenJournal(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	r := chi.NewRouter()
	NewHandlers(f.tracker, journal, nil, f.tracker.logger).Mount(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return f, srv
}

func TestHandleOpenAlwaysServesPixel(t *testing.T) {
	f, srv := setupHandlers(t)
	rec := f.seedSentRecipient(t)

	for _, token := range []string{rec.Token, "unknown-token", ""} {
		resp, err := http.Get(srv.URL + "/track/open?t=" + token)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "image/gif", resp.Header.Get("Content-Type"))
		resp.Body.Close()
	}

	got, err := f.recipients.GetByToken(rec.Token)
	require.NoError(t, err)
	require.True(t, got.Opened)
	require.Equal(t, 1, got.OpenCount, "only the valid token counts")
}

func TestHandleClickRedirects(t *testing.T) {
	f, srv := setupHandlers(t)
	rec := f.seedSentRecipient(t)

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(srv.URL + "/track/click?t=" + rec.Token + "&url=https%3A%2F%2Fexample.com%2Fsale")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, "https://example.com/sale", resp.Header.Get("Location"))

	got, err := f.recipients.GetByToken(rec.Token)
	require.NoError(t, err)
	require.True(t, got.Clicked)
}

func TestHandleClickRejectsBadTargets(t *testing.T) {
	_, srv := setupHandlers(t)

	for _, target := range []string{
		"",
		"javascript%3Aalert(1)",
		"%2Frelative%2Fpath",
		"ftp%3A%2F%2Fexample.com%2Ffile",
	} {
		resp, err := http.Get(srv.URL + "/track/click?t=x&url=" + target)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, "target %q", target)
	}
}

func TestHandleUnsubscribe(t *testing.T) {
	f, srv := setupHandlers(t)
	rec := f.seedSentRecipient(t)

	resp, err := http.Get(srv.URL + "/unsubscribe?r=" + rec.Token)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := readBody(t, resp)
	require.Contains(t, body, "You have been unsubscribed")

	resp, err = http.Get(srv.URL + "/unsubscribe?r=" + rec.Token)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, readBody(t, resp), "already unsubscribed")

	resp, err = http.Get(srv.URL + "/unsubscribe?r=no-such-token")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/unsubscribe")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhookBounceAndDedup(t *testing.T) {
	f, srv := setupHandlers(t)
	rec := f.seedSentRecipient(t)

	payload := `{"events":[{"id":"ev-1","type":"bounce","token":"` + rec.Token + `","reason":"mailbox full","timestamp":"2026-04-01T10:00:00Z"}]}`

	for i := 0; i < 2; i++ {
		resp, err := http.Post(srv.URL+"/webhooks/transport", "application/json", strings.NewReader(payload))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	got, err := f.recipients.GetByToken(rec.Token)
	require.NoError(t, err)
	require.Equal(t, models.RecipientStatusBounced, got.Status)
	require.Equal(t, "mailbox full", got.BounceReason)
}

func TestWebhookResolvesProviderMessageID(t *testing.T) {
	f, srv := setupHandlers(t)
	rec := f.seedSentRecipient(t)

	payload := `{"events":[{"id":"ev-2","type":"bounce","message_id":"prov-1","reason":"no such user","timestamp":"2026-04-01T10:00:00Z"}]}`
	resp, err := http.Post(srv.URL+"/webhooks/transport", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := f.recipients.GetByToken(rec.Token)
	require.NoError(t, err)
	require.Equal(t, models.RecipientStatusBounced, got.Status)
}

func TestWebhookComplaintSuppressesContact(t *testing.T) {
	f, srv := setupHandlers(t)
	rec := f.seedSentRecipient(t)

	payload := `{"events":[{"id":"ev-3","type":"complaint","token":"` + rec.Token + `","timestamp":"2026-04-01T10:00:00Z"}]}`
	resp, err := http.Post(srv.URL+"/webhooks/transport", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	resp.Body.Close()

	got, err := f.recipients.GetByToken(rec.Token)
	require.NoError(t, err)
	require.True(t, got.Unsubscribed)

	audience, err := f.contacts.ResolveAudience(models.Audience{Kind: models.AudienceAll})
	require.NoError(t, err)
	require.Empty(t, audience)
}

func TestWebhookToleratesGarbage(t *testing.T) {
	_, srv := setupHandlers(t)

	for _, payload := range []string{
		"not json at all",
		`{"events":[{"id":"ev-x","type":"bounce"}]}`,
		`{"events":[{"id":"ev-y","type":"mystery","token":"whatever"}]}`,
		`{"events":[]}`,
	} {
		resp, err := http.Post(srv.URL+"/webhooks/transport", "application/json", strings.NewReader(payload))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, "payload %q", payload)
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}
