// Package whatsapp implements the chat-messaging channel family: one
// adapter over interchangeable provider drivers selected by an explicit
// discriminator.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/switchboardhq/switchboard/internal/channel"
)

// Provider discriminators. Set at configuration time, validated at
// construction.
const (
	ProviderDirect  = "direct"  // driver A: direct API
	ProviderGateway = "gateway" // driver B: gateway API
)

// Status reports a driver's session state.
type Status struct {
	Connected bool   `json:"connected"`
	Phone     string `json:"phone,omitempty"`
}

// Driver is the narrow send-primitive contract each provider implements.
// All send methods return the provider-native message id.
type Driver interface {
	SendText(ctx context.Context, to, body string) (string, error)
	SendImage(ctx context.Context, to, url, caption string) (string, error)
	SendVideo(ctx context.Context, to, url, caption string) (string, error)
	SendAudio(ctx context.Context, to, url string) (string, error)
	SendDocument(ctx context.Context, to, url, filename string) (string, error)
	SendLocation(ctx context.Context, to string, lat, lng float64) (string, error)

	Status(ctx context.Context) (Status, error)
	CheckIdentifier(ctx context.Context, address string) (bool, error)
	ProfilePicture(ctx context.Context, address string) (string, error)
	CreateGroup(ctx context.Context, subject string, participants []string) (string, error)
	MarkRead(ctx context.Context, externalID string) error
	RegisterWebhook(ctx context.Context, callbackURL string) error

	// SupportsPrivacyID reports whether this provider substitutes opaque
	// privacy-preserving ids for addresses in traffic.
	SupportsPrivacyID() bool
}

// DriverConfig carries everything a driver needs; no ambient coupling.
type DriverConfig struct {
	Provider string
	BaseURL  string
	Token    string
	Instance string
	Timeout  time.Duration
}

// NewDriver selects a driver by the explicit provider discriminator.
// Unknown providers fail here, at setup time, not at first send.
func NewDriver(cfg DriverConfig, logger *zap.Logger) (Driver, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 25 * time.Second
	}
	client := &http.Client{Timeout: cfg.Timeout}

	switch cfg.Provider {
	case ProviderDirect:
		return newDirectDriver(cfg, client, logger), nil
	case ProviderGateway:
		return newGatewayDriver(cfg, client, logger), nil
	default:
		return nil, fmt.Errorf("provider %q: %w", cfg.Provider, channel.ErrUnsupportedProvider)
	}
}

// postJSON performs one JSON round trip and decodes the response into out
// (skipped when out is nil). Non-2xx responses become errors carrying a
// body preview.
func postJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview := data
		if len(preview) > 1024 {
			preview = preview[:1024]
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, preview)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}
