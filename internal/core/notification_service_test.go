package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/addonhub/internal/db"
	"github.com/example/addonhub/internal/models"
	"github.com/example/addonhub/pkg/mailer"
)

type recordingMailer struct {
	sent []mailer.Message
	err  error
}

func (r *recordingMailer) Send(_ context.Context, msg mailer.Message) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg)
	return nil
}

func newNotificationFixture(t *testing.T, name string) (*recordingMailer, NotificationService) {
	t.Helper()
	repos := db.NewMemoryStore().Repositories()
	require.NoError(t, repos.Users.Create(context.Background(), &models.User{ID: "uid1", Email: "a@example.com", DisplayName: name}))
	m := &recordingMailer{}
	return m, NewNotificationService(repos.Users, m, "https://app.test", zaptest.NewLogger(t))
}

func TestSendWelcome(t *testing.T) {
	m, svc := newNotificationFixture(t, "<Ann>")
	require.NoError(t, svc.SendWelcome(context.Background(), "uid1", productBlenderBin, true))
	require.Len(t, m.sent, 1)

	msg := m.sent[0]
	assert.Equal(t, "a@example.com", msg.To)
	assert.Equal(t, "welcome", msg.Tag)
	assert.Equal(t, "Your BlenderBin trial has started", msg.Subject)
	assert.Contains(t, msg.HTMLBody, "&lt;Ann&gt;")
	assert.Contains(t, msg.HTMLBody, "https://app.test/dashboard")
}

func TestSendTrialEnding(t *testing.T) {
	m, svc := newNotificationFixture(t, "")
	require.NoError(t, svc.SendTrialEnding(context.Background(), "uid1", productGizmo, testNow))
	require.Len(t, m.sent, 1)
	assert.Equal(t, "trial-ending", m.sent[0].Tag)
	assert.Contains(t, m.sent[0].HTMLBody, "Hi there")
	assert.Contains(t, m.sent[0].HTMLBody, "March 10, 2026")
}

func TestSendErrors(t *testing.T) {
	m, svc := newNotificationFixture(t, "Ann")
	assert.Error(t, svc.SendWelcome(context.Background(), "ghost", productGizmo, false))

	m.err = errors.New("smtp down")
	assert.Error(t, svc.SendWelcome(context.Background(), "uid1", productGizmo, false))
}
