package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mrz1836/postmark"
)

// Alert describes a billing event that could not be applied and needs an
// operator to look at it, typically an update or cancellation referencing a
// subscription this engine never observed.
type Alert struct {
	EventID       string
	EventType     string
	ProviderSubID string
	OccurredAt    time.Time
	Reason        string
}

// Alerter delivers operator alerts. Delivery is best-effort: the event stays
// unapplied and redelivered regardless of whether the alert goes out.
type Alerter interface {
	Alert(ctx context.Context, a Alert)
}

// AlertConfig holds configuration for the Postmark alerter.
type AlertConfig struct {
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN,required"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN,required"`
	SenderEmail          string `env:"BILLING_ALERT_SENDER,required"`
	OperatorEmail        string `env:"BILLING_ALERT_OPERATOR,required"`
}

type postmarkAlerter struct {
	client *postmark.Client
	config AlertConfig
	log    *slog.Logger
}

// NewPostmarkAlerter creates an alerter that emails operators through
// Postmark's transactional API.
func NewPostmarkAlerter(cfg AlertConfig, log *slog.Logger) (Alerter, error) {
	if cfg.PostmarkServerToken == "" || cfg.PostmarkAccountToken == "" {
		return nil, fmt.Errorf("postmark tokens are required")
	}
	if cfg.SenderEmail == "" || cfg.OperatorEmail == "" {
		return nil, fmt.Errorf("sender and operator emails are required")
	}
	if log == nil {
		log = slog.New(discardHandler{})
	}

	return &postmarkAlerter{
		client: postmark.NewClient(cfg.PostmarkServerToken, cfg.PostmarkAccountToken),
		config: cfg,
		log:    log,
	}, nil
}

func (a *postmarkAlerter) Alert(ctx context.Context, alert Alert) {
	body := fmt.Sprintf(
		"Billing event left unapplied and pending redelivery.\n\n"+
			"Event ID:        %s\n"+
			"Event type:      %s\n"+
			"Provider sub ID: %s\n"+
			"Occurred at:     %s\n"+
			"Reason:          %s\n",
		alert.EventID, alert.EventType, alert.ProviderSubID,
		alert.OccurredAt.Format(time.RFC3339), alert.Reason,
	)

	resp, err := a.client.SendEmail(ctx, postmark.Email{
		From:     a.config.SenderEmail,
		To:       a.config.OperatorEmail,
		Subject:  fmt.Sprintf("[billing] unapplied event %s", alert.EventID),
		TextBody: body,
		Tag:      "billing-alert",
	})
	if err != nil {
		a.log.ErrorContext(ctx, "failed to send billing alert",
			slog.String("event_id", alert.EventID), slog.Any("error", err))
		return
	}
	if resp.ErrorCode > 0 {
		a.log.ErrorContext(ctx, "postmark rejected billing alert",
			slog.String("event_id", alert.EventID),
			slog.Int64("postmark_code", resp.ErrorCode),
			slog.String("postmark_message", resp.Message))
	}
}
