package graph

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Subscription is the provider's push-notification registration shape.
type Subscription struct {
	ID                 string    `json:"id,omitempty"`
	ChangeType         string    `json:"changeType"`
	NotificationURL    string    `json:"notificationUrl"`
	Resource           string    `json:"resource"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
	ClientState        string    `json:"clientState,omitempty"`
}

type renewRequest struct {
	ExpirationDateTime time.Time `json:"expirationDateTime"`
}

// Subscribe registers a push-notification subscription and returns the
// provider's record, including the assigned id.
func (c *Client) Subscribe(ctx context.Context, token string, sub *Subscription) (*Subscription, error) {
	var created Subscription
	err := c.do(ctx, token, http.MethodPost, c.baseURL+"/subscriptions", sub, &created)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", sub.Resource, err)
	}
	return &created, nil
}

// Renew extends a subscription's expiry.
func (c *Client) Renew(ctx context.Context, token, subscriptionID string, expiresAt time.Time) error {
	requestURL := c.baseURL + "/subscriptions/" + url.PathEscape(subscriptionID)
	err := c.do(ctx, token, http.MethodPatch, requestURL, &renewRequest{ExpirationDateTime: expiresAt}, nil)
	if err != nil {
		return fmt.Errorf("renew subscription %s: %w", subscriptionID, err)
	}
	return nil
}

// Unsubscribe removes a subscription. A 404 surfaces as an APIError; the
// caller decides whether that counts as success.
func (c *Client) Unsubscribe(ctx context.Context, token, subscriptionID string) error {
	requestURL := c.baseURL + "/subscriptions/" + url.PathEscape(subscriptionID)
	if err := c.do(ctx, token, http.MethodDelete, requestURL, nil, nil); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", subscriptionID, err)
	}
	return nil
}
