package core

import (
	"context"
	"fmt"
	"html"
	"time"

	"go.uber.org/zap"

	"github.com/example/addonhub/internal/db"
	"github.com/example/addonhub/internal/models"
	"github.com/example/addonhub/pkg/mailer"
)

type notificationService struct {
	users     db.UserRepository
	mailer    mailer.Mailer
	clientURL string
	logger    *zap.Logger
}

// NewNotificationService creates the lifecycle email sender.
func NewNotificationService(users db.UserRepository, m mailer.Mailer, clientURL string, logger *zap.Logger) NotificationService {
	return &notificationService{users: users, mailer: m, clientURL: clientURL, logger: logger}
}

func (s *notificationService) SendWelcome(ctx context.Context, userID string, product models.ProductType, trial bool) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("welcome email recipient '%s': %w", userID, err)
	}

	subject := fmt.Sprintf("Welcome to %s Pro", productTitle(product))
	lead := "Your subscription is active."
	if trial {
		subject = fmt.Sprintf("Your %s trial has started", productTitle(product))
		lead = "Your free trial is active. You will not be charged until it ends."
	}
	body := fmt.Sprintf(`<p>Hi %s,</p><p>%s</p><p><a href="%s/dashboard">Open your dashboard</a></p>`,
		html.EscapeString(greetingName(user)), lead, s.clientURL)

	return s.send(ctx, mailer.Message{To: user.Email, Subject: subject, HTMLBody: body, Tag: "welcome"})
}

func (s *notificationService) SendTrialEnding(ctx context.Context, userID string, product models.ProductType, trialEnd time.Time) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("trial reminder recipient '%s': %w", userID, err)
	}

	subject := fmt.Sprintf("Your %s trial ends soon", productTitle(product))
	body := fmt.Sprintf(`<p>Hi %s,</p><p>Your trial ends on %s. Your subscription continues automatically unless you cancel.</p><p><a href="%s/dashboard">Manage your subscription</a></p>`,
		html.EscapeString(greetingName(user)), trialEnd.UTC().Format("January 2, 2006"), s.clientURL)

	return s.send(ctx, mailer.Message{To: user.Email, Subject: subject, HTMLBody: body, Tag: "trial-ending"})
}

func (s *notificationService) send(ctx context.Context, msg mailer.Message) error {
	if err := s.mailer.Send(ctx, msg); err != nil {
		return err
	}
	s.logger.Info("Email sent", zap.String("tag", msg.Tag), zap.String("to", msg.To))
	return nil
}

func greetingName(u *models.User) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return "there"
}

func productTitle(p models.ProductType) string {
	switch p {
	case "blenderbin":
		return "BlenderBin"
	case "gizmo":
		return "Gizmo"
	}
	return string(p)
}
