package collector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/speedwagon-io/meterreader/internal/buffer"
	"github.com/speedwagon-io/meterreader/internal/config"
	"github.com/speedwagon-io/meterreader/internal/lib/logger/sl"
	"github.com/speedwagon-io/meterreader/internal/model"
	"github.com/speedwagon-io/meterreader/internal/sender"
)

// Manager drives the meter caches on a fixed interval and forwards every
// reading upstream, parking envelopes in the buffer while the upstream is
// down.
type Manager struct {
	log           *slog.Logger
	cfg           *config.Config
	siteCfg       *config.SiteConfig
	collector     Collector
	sender        sender.Sender
	buffer        buffer.Buffer
	stopCh        chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	bufferEnabled bool
	retryInterval time.Duration
}

func NewManager(
	log *slog.Logger,
	cfg *config.Config,
	siteCfg *config.SiteConfig,
	collector Collector,
	sender sender.Sender,
	buffer buffer.Buffer,
) *Manager {
	return &Manager{
		log:           log,
		cfg:           cfg,
		siteCfg:       siteCfg,
		collector:     collector,
		sender:        sender,
		buffer:        buffer,
		stopCh:        make(chan struct{}),
		bufferEnabled: cfg.Buffer.Enabled && buffer != nil,
		retryInterval: 30 * time.Second,
	}
}

// Start blocks until ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.log.Info("starting collector manager",
		slog.String("site_id", m.siteCfg.SiteID),
		slog.Int("meters", len(m.siteCfg.Meters)),
		slog.Duration("interval", m.siteCfg.Polling.Interval),
	)

	ticker := time.NewTicker(m.siteCfg.Polling.Interval)
	defer ticker.Stop()

	m.wg.Add(1)
	go m.retryBufferedData(ctx)

	m.collectAndSend(ctx)

	for {
		select {
		case <-ctx.Done():
			m.log.Info("context cancelled, stopping manager")
			return
		case <-m.stopCh:
			m.log.Info("stop signal received, stopping manager")
			return
		case <-ticker.C:
			m.collectAndSend(ctx)
		}
	}
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	if err := m.collector.Close(); err != nil {
		m.log.Error("failed to close collector", sl.Err(err))
	}
}

func (m *Manager) collectAndSend(ctx context.Context) {
	var wg sync.WaitGroup
	results := make(chan *CollectedData, len(m.siteCfg.Meters))

	for i := range m.siteCfg.Meters {
		meterCfg := &m.siteCfg.Meters[i]
		wg.Add(1)
		go func(mc *config.MeterConfig) {
			defer wg.Done()

			collectCtx, cancel := context.WithTimeout(ctx, m.siteCfg.Polling.Timeout)
			defer cancel()

			data, err := m.collector.Collect(collectCtx, mc)
			if err != nil {
				m.log.Error("failed to collect data",
					slog.String("meter_id", mc.ID),
					sl.Err(err),
				)
				return
			}
			results <- data
		}(meterCfg)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	for data := range results {
		if len(data.DataPoints) == 0 {
			m.log.Debug("skipping empty data", slog.String("meter_id", data.MeterID))
			continue
		}

		envelope := model.NewEnvelope(
			m.siteCfg.SiteID,
			m.siteCfg.SiteName,
			data.MeterID,
			data.MeterName,
			data.SerialNumber,
			data.Reachable,
			data.Stale,
			data.DataPoints,
		)

		if err := m.sender.Send(ctx, envelope); err != nil {
			m.log.Error("failed to send data",
				slog.String("meter_id", data.MeterID),
				sl.Err(err),
			)
			m.park(ctx, envelope)
			continue
		}

		m.log.Debug("data sent successfully", slog.String("meter_id", data.MeterID))
	}
}

func (m *Manager) park(ctx context.Context, envelope *model.Envelope) {
	if !m.bufferEnabled {
		return
	}

	if err := m.buffer.Store(ctx, envelope); err != nil {
		m.log.Error("failed to buffer data",
			slog.String("meter_id", envelope.MeterID),
			sl.Err(err),
		)
		return
	}

	m.log.Info("data buffered for later retry", slog.String("meter_id", envelope.MeterID))
}

func (m *Manager) retryBufferedData(ctx context.Context) {
	defer m.wg.Done()

	if !m.bufferEnabled {
		return
	}

	ticker := time.NewTicker(m.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.processBufferedData(ctx)
		}
	}
}

func (m *Manager) processBufferedData(ctx context.Context) {
	pending, err := m.buffer.GetPending(ctx, 100)
	if err != nil {
		m.log.Error("failed to get pending data from buffer", sl.Err(err))
		return
	}

	if len(pending) > 0 {
		m.log.Info("processing buffered data", slog.Int("count", len(pending)))
	}

	var sentIDs []string
	for _, envelope := range pending {
		if err := m.sender.Send(ctx, envelope); err != nil {
			m.log.Debug("failed to send buffered data",
				slog.String("id", envelope.ID),
				sl.Err(err),
			)
			break
		}
		sentIDs = append(sentIDs, envelope.ID)
	}

	if len(sentIDs) > 0 {
		if err := m.buffer.MarkSent(ctx, sentIDs); err != nil {
			m.log.Error("failed to mark buffered data as sent", sl.Err(err))
		} else {
			m.log.Info("buffered data sent successfully", slog.Int("count", len(sentIDs)))
		}
	}

	if err := m.buffer.Cleanup(ctx, m.cfg.Buffer.MaxAge); err != nil {
		m.log.Error("failed to cleanup old buffer data", sl.Err(err))
	}
}
