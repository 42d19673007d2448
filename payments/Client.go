package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
)

// Client talks to the payment collaborator that places the hold before a
// charging session may start. The capture/adjustment at finalization is
// the collaborator's business, not ours.
type Client struct {
	http *resty.Client
}

type preAuthRequest struct {
	Amount          float64 `json:"amount"`
	PaymentMethodID string  `json:"paymentMethodId"`
}

type preAuthResponse struct {
	Success         bool   `json:"success"`
	PaymentIntentID string `json:"paymentIntentId"`
	Message         string `json:"message,omitempty"`
}

func New(baseURL, apiKey string) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second)
	if apiKey != "" {
		c.SetAuthToken(apiKey)
	}
	return &Client{http: c}
}

// PreAuthorize places a hold and returns the payment intent id. Any
// failure blocks the session start.
func (c *Client) PreAuthorize(ctx context.Context, amount float64, paymentMethodID string) (string, error) {
	var out preAuthResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(preAuthRequest{Amount: amount, PaymentMethodID: paymentMethodID}).
		SetResult(&out).
		Post("/v1/payments/preauthorize")
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", fmt.Errorf("payment service answered %v", resp.StatusCode())
	}
	if !out.Success {
		return "", fmt.Errorf("pre-authorization declined: %v", out.Message)
	}
	log.WithField("paymentIntent", out.PaymentIntentID).Debug("payment hold placed")
	return out.PaymentIntentID, nil
}
