// Package mailer sends transactional email.
//
// PostmarkMailer delivers through the Postmark API and is used whenever a
// server token is configured. LogMailer only logs the message and backs local
// development.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mrz1836/postmark"
	"go.uber.org/zap"
)

var (
	// ErrInvalidConfig is returned by constructors on missing configuration.
	ErrInvalidConfig = errors.New("invalid mailer configuration")
	// ErrInvalidMessage is returned when a message lacks a recipient, subject or body.
	ErrInvalidMessage = errors.New("invalid email message")
	// ErrSendFailed wraps delivery failures.
	ErrSendFailed = errors.New("failed to send email")
)

// Message is one outgoing email.
type Message struct {
	To       string
	Subject  string
	HTMLBody string
	Tag      string
}

// Validate checks that the message can be sent.
func (m Message) Validate() error {
	if strings.TrimSpace(m.To) == "" {
		return fmt.Errorf("%w: recipient email address cannot be empty", ErrInvalidMessage)
	}
	if strings.TrimSpace(m.Subject) == "" {
		return fmt.Errorf("%w: email subject cannot be empty", ErrInvalidMessage)
	}
	if m.HTMLBody == "" {
		return fmt.Errorf("%w: email body cannot be empty", ErrInvalidMessage)
	}
	return nil
}

// Mailer sends email.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// PostmarkConfig holds Postmark credentials and the sender address.
type PostmarkConfig struct {
	ServerToken  string
	AccountToken string
	From         string
}

// PostmarkMailer implements Mailer on the Postmark transactional API.
type PostmarkMailer struct {
	client *postmark.Client
	from   string
}

// NewPostmarkMailer validates cfg and creates the client.
func NewPostmarkMailer(cfg PostmarkConfig) (*PostmarkMailer, error) {
	if cfg.ServerToken == "" {
		return nil, fmt.Errorf("%w: server token is required", ErrInvalidConfig)
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("%w: sender address is required", ErrInvalidConfig)
	}
	return &PostmarkMailer{
		client: postmark.NewClient(cfg.ServerToken, cfg.AccountToken),
		from:   cfg.From,
	}, nil
}

// Send delivers msg. Postmark reports API-level failures in the response body.
func (p *PostmarkMailer) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	resp, err := p.client.SendEmail(ctx, postmark.Email{
		From:       p.from,
		To:         msg.To,
		Subject:    msg.Subject,
		Tag:        msg.Tag,
		HTMLBody:   msg.HTMLBody,
		TrackOpens: true,
	})
	if err != nil {
		return errors.Join(ErrSendFailed, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(ErrSendFailed, fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message))
	}
	return nil
}

// LogMailer implements Mailer by logging instead of sending.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer creates a mailer for development.
func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (l *LogMailer) Send(_ context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	l.logger.Info("Email not sent (log mailer)",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("tag", msg.Tag))
	return nil
}
