package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"gigchain/native/escrow"
)

// MarketplaceClient reports a confirmed engagement back to the marketplace so
// the linked job or contest is closed and completion bonuses are awarded. It
// satisfies the escrow engine's WorkSync collaborator.
type MarketplaceClient struct {
	url    string
	secret string
	client *http.Client
}

// NewMarketplaceClient builds a client posting completions to the given URL.
func NewMarketplaceClient(url, secret string, client *http.Client) *MarketplaceClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &MarketplaceClient{url: url, secret: secret, client: client}
}

// MarkCompleted notifies the marketplace of the finished engagement. Delivery
// is best effort; the caller records the failure without rolling back.
func (c *MarketplaceClient) MarkCompleted(engagement escrow.Engagement) error {
	payload, err := json.Marshal(map[string]string{
		"engagementId": engagement.ID,
		"workId":       engagement.LinkedWorkID,
		"workKind":     string(engagement.LinkedWorkKind),
		"talentId":     engagement.TalentID,
	})
	if err != nil {
		return fmt.Errorf("encode completion payload: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set("X-Webhook-Signature", signPayload(c.secret, payload))
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("marketplace status %d", resp.StatusCode)
	}
	return nil
}
