package whatsapp

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/switchboardhq/switchboard/internal/channel"
)

// gatewayDriver talks to the hosted gateway API: a single message endpoint
// with typed payloads and bearer-token auth. Addresses on this transport
// are always stable phone numbers, never privacy ids.
type gatewayDriver struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *zap.Logger
}

func newGatewayDriver(cfg DriverConfig, client *http.Client, logger *zap.Logger) *gatewayDriver {
	return &gatewayDriver{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		client:  client,
		logger:  logger,
	}
}

func (d *gatewayDriver) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + d.token}
}

type gatewaySendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (d *gatewayDriver) send(ctx context.Context, payload map[string]any) (string, error) {
	var resp gatewaySendResponse
	err := postJSON(ctx, d.client, http.MethodPost, d.baseURL+"/v1/messages", d.headers(), payload, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Messages) == 0 {
		return "", fmt.Errorf("gateway accepted message without id")
	}
	return resp.Messages[0].ID, nil
}

func (d *gatewayDriver) SendText(ctx context.Context, to, body string) (string, error) {
	return d.send(ctx, map[string]any{
		"to":   to,
		"type": "text",
		"text": map[string]string{"body": body},
	})
}

func (d *gatewayDriver) SendImage(ctx context.Context, to, url, caption string) (string, error) {
	return d.send(ctx, map[string]any{
		"to":    to,
		"type":  "image",
		"image": map[string]string{"link": url, "caption": caption},
	})
}

func (d *gatewayDriver) SendVideo(ctx context.Context, to, url, caption string) (string, error) {
	return d.send(ctx, map[string]any{
		"to":    to,
		"type":  "video",
		"video": map[string]string{"link": url, "caption": caption},
	})
}

func (d *gatewayDriver) SendAudio(ctx context.Context, to, url string) (string, error) {
	return d.send(ctx, map[string]any{
		"to":    to,
		"type":  "audio",
		"audio": map[string]string{"link": url},
	})
}

func (d *gatewayDriver) SendDocument(ctx context.Context, to, url, filename string) (string, error) {
	return d.send(ctx, map[string]any{
		"to":       to,
		"type":     "document",
		"document": map[string]string{"link": url, "filename": filename},
	})
}

func (d *gatewayDriver) SendLocation(ctx context.Context, to string, lat, lng float64) (string, error) {
	return d.send(ctx, map[string]any{
		"to":       to,
		"type":     "location",
		"location": map[string]float64{"latitude": lat, "longitude": lng},
	})
}

func (d *gatewayDriver) Status(ctx context.Context) (Status, error) {
	var status Status
	err := postJSON(ctx, d.client, http.MethodGet, d.baseURL+"/v1/status", d.headers(), nil, &status)
	if err != nil {
		return Status{}, err
	}
	return status, nil
}

func (d *gatewayDriver) CheckIdentifier(ctx context.Context, address string) (bool, error) {
	var resp struct {
		Contacts []struct {
			Status string `json:"status"`
		} `json:"contacts"`
	}
	err := postJSON(ctx, d.client, http.MethodPost, d.baseURL+"/v1/contacts", d.headers(),
		map[string]any{"blocking": "wait", "contacts": []string{address}}, &resp)
	if err != nil {
		return false, err
	}
	return len(resp.Contacts) > 0 && resp.Contacts[0].Status == "valid", nil
}

func (d *gatewayDriver) ProfilePicture(ctx context.Context, address string) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	err := postJSON(ctx, d.client, http.MethodGet,
		fmt.Sprintf("%s/v1/contacts/%s/picture", d.baseURL, address), d.headers(), nil, &resp)
	if err != nil {
		return "", err
	}
	return resp.URL, nil
}

func (d *gatewayDriver) CreateGroup(ctx context.Context, subject string, participants []string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	err := postJSON(ctx, d.client, http.MethodPost, d.baseURL+"/v1/groups", d.headers(),
		map[string]any{"subject": subject, "participants": participants}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// MarkRead is not offered by the gateway API.
func (d *gatewayDriver) MarkRead(ctx context.Context, externalID string) error {
	return fmt.Errorf("mark read: %w", channel.ErrUnsupportedProvider)
}

func (d *gatewayDriver) RegisterWebhook(ctx context.Context, callbackURL string) error {
	return postJSON(ctx, d.client, http.MethodPost, d.baseURL+"/v1/webhooks", d.headers(),
		map[string]any{
			"url":    callbackURL,
			"events": []string{"messages", "statuses"},
		}, nil)
}

func (d *gatewayDriver) SupportsPrivacyID() bool { return false }
