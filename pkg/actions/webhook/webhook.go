package webhook

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/lucid-vigil/fleet/pkg/connection"
	"github.com/lucid-vigil/fleet/pkg/store"
	"github.com/rs/zerolog/log"
)

// Settings configure where devices are posted.
type Settings struct {
	URL      string            `mapstructure:"url"`
	Timeout  time.Duration     `mapstructure:"timeout"`
	Retries  int               `mapstructure:"retries"`
	Headers  map[string]string `mapstructure:"headers"`
	Insecure bool              `mapstructure:"insecure_tls"`
}

// Payload is the JSON body sent for each device.
type Payload struct {
	Action   string                 `json:"action"`
	RecordID uint64                 `json:"record_id"`
	Key      string                 `json:"key"`
	EntityID string                 `json:"entity_id,omitempty"`
	Device   interface{}            `json:"device"`
	Params   map[string]interface{} `json:"params,omitempty"`
	SentAt   time.Time              `json:"sent_at"`
}

// WebhookAction implements the actions.Action interface. It POSTs the
// device as JSON to the configured URL.
type WebhookAction struct {
	url    string
	client *connection.RESTClient
}

// New builds the action. settings must carry a url.
func New(settings map[string]interface{}) (*WebhookAction, error) {
	s := Settings{Timeout: 10 * time.Second, Retries: 2}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     &s,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(settings); err != nil {
		return nil, fmt.Errorf("webhook settings: %w", err)
	}
	if s.URL == "" {
		return nil, fmt.Errorf("webhook settings: url is required")
	}

	opts := []connection.Option{
		connection.WithTimeout(s.Timeout),
		connection.WithRetries(s.Retries, 500*time.Millisecond),
		connection.WithHeader("Content-Type", "application/json"),
	}
	for k, v := range s.Headers {
		opts = append(opts, connection.WithHeader(k, v))
	}
	if s.Insecure {
		opts = append(opts, connection.WithInsecureTLS())
	}
	client, err := connection.NewRESTClient(s.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("webhook settings: %w", err)
	}
	return &WebhookAction{url: s.URL, client: client}, nil
}

// Name returns the unique name of the action.
func (a *WebhookAction) Name() string {
	return "webhook"
}

// Execute posts the device. Non-2xx responses are errors.
func (a *WebhookAction) Execute(ctx context.Context, device *store.DeviceRecord, params map[string]interface{}) error {
	payload := Payload{
		Action:   a.Name(),
		RecordID: device.ID,
		Key:      device.Key(),
		EntityID: device.EntityID,
		Device:   device.Device(),
		Params:   params,
		SentAt:   time.Now().UTC(),
	}

	if _, err := a.client.Do(ctx, http.MethodPost, a.url, nil, payload); err != nil {
		return fmt.Errorf("failed to post device %s: %w", device.Key(), err)
	}

	log.Debug().Str("device", device.Key()).Msg("Device posted to webhook")
	return nil
}
