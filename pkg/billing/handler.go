package billing

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// signatureHeader is the header Paddle signs webhook deliveries with.
const signatureHeader = "Paddle-Signature"

// maxWebhookBody caps inbound payload size; provider events are small.
const maxWebhookBody = 1 << 20

// Router mounts the engine's HTTP surface:
//
//	POST /webhooks/billing        inbound provider notifications
//	GET  /subscriptions/{userID}  read-only subscription state
//
// The status code tells the provider's delivery mechanism whether to retry:
// every processed event acks with 200 (including replays and no-ops),
// authenticity and malformed-payload failures are terminal 400s, and
// anything transient or inconsistent returns 5xx so redelivery occurs.
func Router(svc *Service) chi.Router {
	r := chi.NewRouter()
	r.Post("/webhooks/billing", WebhookHandler(svc))
	r.Get("/subscriptions/{userID}", SubscriptionHandler(svc))
	return r
}

// WebhookHandler adapts Service.HandleWebhook to the inbound notification
// endpoint contract.
func WebhookHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		outcome, err := svc.HandleWebhook(r.Context(), payload, r.Header.Get(signatureHeader))
		if err != nil {
			switch {
			case errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrInvalidPayload):
				// Security boundary: reject, never retried.
				http.Error(w, err.Error(), http.StatusBadRequest)
			case errors.Is(err, ErrUnknownSubscription), errors.Is(err, ErrPlanNotFound):
				// Recoverable inconsistency: event left unapplied, let the
				// provider redeliver while operators investigate.
				http.Error(w, err.Error(), http.StatusInternalServerError)
			default:
				// Transient storage failure: retryable.
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
			}
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"outcome": string(outcome)})
	}
}

// subscriptionResponse is the read-API projection of a subscription record.
type subscriptionResponse struct {
	Plan              PlanID     `json:"plan"`
	Status            Status     `json:"status"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
}

// SubscriptionHandler exposes the read interface consumed by the dashboard
// and page-rendering layers.
func SubscriptionHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := uuid.Parse(chi.URLParam(r, "userID"))
		if err != nil {
			http.Error(w, "invalid user ID", http.StatusBadRequest)
			return
		}

		sub, err := svc.GetSubscription(r.Context(), userID)
		if err != nil {
			if errors.Is(err, ErrSubscriptionNotFound) {
				http.Error(w, "subscription not found", http.StatusNotFound)
				return
			}
			http.Error(w, "failed to load subscription", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(subscriptionResponse{
			Plan:              sub.Plan,
			Status:            sub.Status,
			CurrentPeriodEnd:  sub.CurrentPeriodEnd,
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		})
	}
}
