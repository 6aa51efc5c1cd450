package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/speedwagon-io/meterreader/internal/config"
	"github.com/speedwagon-io/meterreader/internal/lib/logger/sl"
	"github.com/speedwagon-io/meterreader/internal/model"
)

type Sender interface {
	Send(ctx context.Context, envelope *model.Envelope) error
	SendBatch(ctx context.Context, envelopes []*model.Envelope) error
	Health(ctx context.Context) error
}

// HTTPSender posts envelopes to {url}/{site_id}.
type HTTPSender struct {
	log         *slog.Logger
	endpoint    string
	token       string
	client      *http.Client
	maxAttempts int
	backoff     *ExponentialBackoff
}

func NewHTTPSender(log *slog.Logger, cfg *config.SenderConfig, siteID string) *HTTPSender {
	maxAttempts := cfg.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	return &HTTPSender{
		log:      log,
		endpoint: fmt.Sprintf("%s/%s", strings.TrimRight(cfg.URL, "/"), siteID),
		token:    cfg.Token,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		maxAttempts: maxAttempts,
		backoff:     NewExponentialBackoff(cfg.Retry.InitialDelay, cfg.Retry.MaxDelay),
	}
}

func (s *HTTPSender) Send(ctx context.Context, envelope *model.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	return s.sendWithRetry(ctx, data)
}

func (s *HTTPSender) SendBatch(ctx context.Context, envelopes []*model.Envelope) error {
	data, err := json.Marshal(envelopes)
	if err != nil {
		return fmt.Errorf("failed to marshal envelopes: %w", err)
	}

	return s.sendWithRetry(ctx, data)
}

func (s *HTTPSender) sendWithRetry(ctx context.Context, data []byte) error {
	var lastErr error

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err := s.doSend(ctx, data)
		if err == nil {
			return nil
		}

		lastErr = err
		s.log.Warn("send attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", s.maxAttempts),
			sl.Err(err),
		)

		if attempt < s.maxAttempts {
			timer := time.NewTimer(s.backoff.NextDelay(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", s.maxAttempts, lastErr)
}

func (s *HTTPSender) doSend(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body))
}

func (s *HTTPSender) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("server unhealthy: status %d", resp.StatusCode)
	}

	return nil
}

// LogSender logs envelopes instead of sending them (dry-run)
type LogSender struct {
	log *slog.Logger
}

func NewLogSender(log *slog.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Send(ctx context.Context, envelope *model.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	s.log.Info("SEND",
		slog.String("meter_id", envelope.MeterID),
		slog.String("serial_number", envelope.SerialNumber),
		slog.Bool("stale", envelope.Stale),
		slog.Bool("reachable", envelope.Reachable),
		slog.Int("values_count", len(envelope.Values)),
		slog.String("payload", string(data)),
	)

	return nil
}

func (s *LogSender) SendBatch(ctx context.Context, envelopes []*model.Envelope) error {
	for _, envelope := range envelopes {
		if err := s.Send(ctx, envelope); err != nil {
			return err
		}
	}
	return nil
}

func (s *LogSender) Health(ctx context.Context) error {
	return nil
}
