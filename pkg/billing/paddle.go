package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
	"github.com/google/uuid"
)

// userIDMetadataKey is the custom-data key carrying the local user identity
// on checkout transactions, so completion events correlate without lookups.
const userIDMetadataKey = "user_id"

// PaddleConfig holds configuration for the Paddle billing provider.
type PaddleConfig struct {
	APIKey        string `env:"PADDLE_API_KEY,required"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET,required"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
}

// PaddleProvider implements Provider for Paddle.
type PaddleProvider struct {
	client   *paddle.SDK
	verifier *paddle.WebhookVerifier
}

// NewPaddleProvider creates a Paddle-backed billing provider.
func NewPaddleProvider(config PaddleConfig) (*PaddleProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("paddle API key is required")
	}
	if config.WebhookSecret == "" {
		return nil, errors.New("paddle webhook secret is required")
	}

	var client *paddle.SDK
	var err error

	switch strings.ToLower(config.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(config.APIKey)
	case "production", "":
		client, err = paddle.New(config.APIKey)
	default:
		return nil, fmt.Errorf("invalid paddle environment: %s", config.Environment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	return &PaddleProvider{
		client:   client,
		verifier: paddle.NewWebhookVerifier(config.WebhookSecret),
	}, nil
}

// CreateCustomer mints a Paddle customer carrying the local user ID as
// custom data.
func (p *PaddleProvider) CreateCustomer(ctx context.Context, userID uuid.UUID, email string) (string, error) {
	customer, err := p.client.CustomersClient.CreateCustomer(ctx, &paddle.CreateCustomerRequest{
		Email: email,
		CustomData: paddle.CustomData{
			userIDMetadataKey: userID.String(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create paddle customer: %w", err)
	}
	return customer.ID, nil
}

// CreateCheckoutSession creates a Paddle transaction with a hosted checkout
// URL, scoped to the bound customer and tagged with the user ID.
func (p *PaddleProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if req.PriceRef == "" {
		return nil, errors.New("price ref is required")
	}
	if req.CustomerID == "" {
		return nil, errors.New("customer ID is required")
	}

	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  req.PriceRef,
		Quantity: 1,
	})

	transactionReq := &paddle.CreateTransactionRequest{
		Items:      []paddle.CreateTransactionItems{*item},
		CustomerID: paddle.PtrTo(req.CustomerID),
		CustomData: paddle.CustomData{
			userIDMetadataKey: req.UserID.String(),
		},
	}
	if req.SuccessURL != "" {
		transactionReq.Checkout = &paddle.TransactionCheckout{
			URL: paddle.PtrTo(req.SuccessURL),
		}
	}

	transaction, err := p.client.TransactionsClient.CreateTransaction(ctx, transactionReq)
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle transaction: %w", err)
	}

	if transaction.Checkout == nil || transaction.Checkout.URL == nil {
		return nil, errors.New("no checkout URL returned from paddle")
	}

	return &CheckoutSession{
		URL:       *transaction.Checkout.URL,
		SessionID: transaction.ID,
		// Paddle checkout links expire after 24 hours
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}, nil
}

// GetSubscription reads Paddle's current view of a subscription for the
// reconciliation sweep.
func (p *PaddleProvider) GetSubscription(ctx context.Context, providerSubID string) (*RemoteSubscription, error) {
	sub, err := p.client.SubscriptionsClient.GetSubscription(ctx, &paddle.GetSubscriptionRequest{
		SubscriptionID: providerSubID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read paddle subscription %s: %w", providerSubID, err)
	}

	remote := &RemoteSubscription{
		ProviderSubID: providerSubID,
		Status:        mapPaddleStatus(string(sub.Status)),
		ReadAt:        time.Now().UTC(),
	}
	if sub.CurrentBillingPeriod != nil {
		if ends, err := time.Parse(time.RFC3339, sub.CurrentBillingPeriod.EndsAt); err == nil {
			remote.CurrentPeriodEnd = &ends
		}
	}
	if sub.ScheduledChange != nil && string(sub.ScheduledChange.Action) == "cancel" {
		remote.CancelAtPeriodEnd = true
	}

	return remote, nil
}

// ParseWebhook verifies the Paddle-Signature header against the shared
// secret and normalizes the payload. The SDK verifier needs an HTTP request,
// so one is reconstructed around the raw body.
func (p *PaddleProvider) ParseWebhook(ctx context.Context, payload []byte, signature string) (*Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build verification request: %w", err)
	}
	req.Header.Set("Paddle-Signature", signature)

	valid, err := p.verifier.Verify(req)
	if err != nil {
		return nil, errors.Join(ErrInvalidSignature, err)
	}
	if !valid {
		return nil, ErrInvalidSignature
	}

	var paddleEvent struct {
		EventID    string         `json:"event_id"`
		EventType  string         `json:"event_type"`
		OccurredAt string         `json:"occurred_at"`
		Data       map[string]any `json:"data"`
	}
	if err := json.Unmarshal(payload, &paddleEvent); err != nil {
		return nil, errors.Join(ErrInvalidPayload, err)
	}
	if paddleEvent.EventID == "" {
		return nil, fmt.Errorf("%w: missing event_id", ErrInvalidPayload)
	}

	occurredAt, err := time.Parse(time.RFC3339, paddleEvent.OccurredAt)
	if err != nil {
		return nil, fmt.Errorf("%w: bad occurred_at %q", ErrInvalidPayload, paddleEvent.OccurredAt)
	}

	event := &Event{
		ID:           paddleEvent.EventID,
		Type:         mapPaddleEventType(paddleEvent.EventType),
		ProviderType: paddleEvent.EventType,
		OccurredAt:   occurredAt.UTC(),
		Raw:          paddleEvent.Data,
	}

	data := paddleEvent.Data

	if customData, ok := data["custom_data"].(map[string]any); ok {
		if raw, ok := customData[userIDMetadataKey].(string); ok {
			if userID, err := uuid.Parse(raw); err == nil {
				event.UserID = userID
			}
		}
	}

	switch {
	case strings.HasPrefix(paddleEvent.EventType, "subscription."):
		if subID, ok := data["id"].(string); ok {
			event.SubscriptionID = subID
		}
		if status, ok := data["status"].(string); ok {
			event.Status = mapPaddleStatus(status)
		}
		if period, ok := data["current_billing_period"].(map[string]any); ok {
			if raw, ok := period["ends_at"].(string); ok {
				if ends, err := time.Parse(time.RFC3339, raw); err == nil {
					ends = ends.UTC()
					event.CurrentPeriodEnd = &ends
				}
			}
		}
		if change, ok := data["scheduled_change"].(map[string]any); ok {
			if action, ok := change["action"].(string); ok && action == "cancel" {
				event.CancelAtPeriodEnd = true
			}
		}
		event.PriceRef = firstItemPriceRef(data)

	case strings.HasPrefix(paddleEvent.EventType, "transaction."):
		// Completed transactions reference the subscription they opened.
		if subID, ok := data["subscription_id"].(string); ok {
			event.SubscriptionID = subID
		}
		if period, ok := data["billing_period"].(map[string]any); ok {
			if raw, ok := period["ends_at"].(string); ok {
				if ends, err := time.Parse(time.RFC3339, raw); err == nil {
					ends = ends.UTC()
					event.CurrentPeriodEnd = &ends
				}
			}
		}
		event.PriceRef = firstItemPriceRef(data)
	}

	return event, nil
}

// firstItemPriceRef digs the price identifier out of the first line item.
// Subscription payloads nest it under price.id, transaction payloads may
// carry a flat price_id.
func firstItemPriceRef(data map[string]any) string {
	items, ok := data["items"].([]any)
	if !ok || len(items) == 0 {
		return ""
	}
	item, ok := items[0].(map[string]any)
	if !ok {
		return ""
	}
	if price, ok := item["price"].(map[string]any); ok {
		if id, ok := price["id"].(string); ok {
			return id
		}
	}
	if id, ok := item["price_id"].(string); ok {
		return id
	}
	return ""
}

// mapPaddleEventType maps Paddle event names to normalized types. Anything
// unmapped flows through as EventUnknown and is recorded without applying.
func mapPaddleEventType(paddleEvent string) EventType {
	switch paddleEvent {
	case "transaction.completed":
		return EventCheckoutCompleted
	case "subscription.updated", "subscription.resumed", "subscription.past_due":
		return EventSubscriptionUpdated
	case "subscription.canceled":
		return EventSubscriptionDeleted
	default:
		return EventUnknown
	}
}

// mapPaddleStatus maps Paddle subscription statuses onto the local status
// set. Trialing counts as active here: trials are a provider concern and
// the record only tracks whether the user is entitled.
func mapPaddleStatus(paddleStatus string) Status {
	switch strings.ToLower(paddleStatus) {
	case "active", "trialing":
		return StatusActive
	case "past_due", "paused":
		return StatusPastDue
	case "canceled", "cancelled", "expired":
		return StatusCanceled
	default:
		return ""
	}
}
