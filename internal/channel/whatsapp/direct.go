package whatsapp

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// directDriver talks to the provider's direct API: instance-scoped
// endpoints authenticated with an API key header. This transport uses
// opaque privacy ids in traffic, so it participates in identifier
// resolution.
type directDriver struct {
	baseURL  string
	token    string
	instance string
	client   *http.Client
	logger   *zap.Logger
}

func newDirectDriver(cfg DriverConfig, client *http.Client, logger *zap.Logger) *directDriver {
	return &directDriver{
		baseURL:  cfg.BaseURL,
		token:    cfg.Token,
		instance: cfg.Instance,
		client:   client,
		logger:   logger,
	}
}

func (d *directDriver) headers() map[string]string {
	return map[string]string{"apikey": d.token}
}

func (d *directDriver) url(path string) string {
	return fmt.Sprintf("%s/%s/%s", d.baseURL, path, d.instance)
}

type directSendResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
}

func (d *directDriver) send(ctx context.Context, path string, payload any) (string, error) {
	var resp directSendResponse
	if err := postJSON(ctx, d.client, http.MethodPost, d.url(path), d.headers(), payload, &resp); err != nil {
		return "", err
	}
	return resp.Key.ID, nil
}

func (d *directDriver) SendText(ctx context.Context, to, body string) (string, error) {
	return d.send(ctx, "message/text", map[string]any{
		"number": to,
		"text":   body,
	})
}

func (d *directDriver) SendImage(ctx context.Context, to, url, caption string) (string, error) {
	return d.send(ctx, "message/image", map[string]any{
		"number":  to,
		"url":     url,
		"caption": caption,
	})
}

func (d *directDriver) SendVideo(ctx context.Context, to, url, caption string) (string, error) {
	return d.send(ctx, "message/video", map[string]any{
		"number":  to,
		"url":     url,
		"caption": caption,
	})
}

func (d *directDriver) SendAudio(ctx context.Context, to, url string) (string, error) {
	return d.send(ctx, "message/audio", map[string]any{
		"number": to,
		"url":    url,
	})
}

func (d *directDriver) SendDocument(ctx context.Context, to, url, filename string) (string, error) {
	return d.send(ctx, "message/document", map[string]any{
		"number":   to,
		"url":      url,
		"filename": filename,
	})
}

func (d *directDriver) SendLocation(ctx context.Context, to string, lat, lng float64) (string, error) {
	return d.send(ctx, "message/location", map[string]any{
		"number":    to,
		"latitude":  lat,
		"longitude": lng,
	})
}

func (d *directDriver) Status(ctx context.Context) (Status, error) {
	var status Status
	err := postJSON(ctx, d.client, http.MethodGet, d.url("instance/status"), d.headers(), nil, &status)
	if err != nil {
		return Status{}, err
	}
	return status, nil
}

func (d *directDriver) CheckIdentifier(ctx context.Context, address string) (bool, error) {
	var resp struct {
		Exists bool `json:"exists"`
	}
	err := postJSON(ctx, d.client, http.MethodPost, d.url("chat/check"), d.headers(),
		map[string]string{"number": address}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Exists, nil
}

func (d *directDriver) ProfilePicture(ctx context.Context, address string) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	err := postJSON(ctx, d.client, http.MethodPost, d.url("chat/picture"), d.headers(),
		map[string]string{"number": address}, &resp)
	if err != nil {
		return "", err
	}
	return resp.URL, nil
}

func (d *directDriver) CreateGroup(ctx context.Context, subject string, participants []string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	err := postJSON(ctx, d.client, http.MethodPost, d.url("group/create"), d.headers(),
		map[string]any{"subject": subject, "participants": participants}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d *directDriver) MarkRead(ctx context.Context, externalID string) error {
	return postJSON(ctx, d.client, http.MethodPost, d.url("chat/markread"), d.headers(),
		map[string]string{"id": externalID}, nil)
}

func (d *directDriver) RegisterWebhook(ctx context.Context, callbackURL string) error {
	return postJSON(ctx, d.client, http.MethodPost, d.url("webhook/set"), d.headers(),
		map[string]any{
			"url":    callbackURL,
			"events": []string{"message", "message.status"},
		}, nil)
}

func (d *directDriver) SupportsPrivacyID() bool { return true }
