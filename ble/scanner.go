package ble

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"github.com/mjasion/balena-home/ruuvi_gateway/advert"
	"github.com/mjasion/balena-home/ruuvi_gateway/config"
	"github.com/mjasion/balena-home/ruuvi_gateway/gateway"
	"github.com/mjasion/balena-home/ruuvi_gateway/ruuvi"
)

// Ingester receives advertisements captured by the local adapter
type Ingester interface {
	Single(ctx context.Context, gatewayID string, at time.Time, tag gateway.Tag) ruuvi.Outcome
}

// Scanner turns the host's BLE adapter into a gateway of its own
type Scanner struct {
	adapter   *bluetooth.Adapter
	gatewayID string
	allowed   map[string]bool // empty means every Ruuvi tag
	ingester  Ingester
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a scanner on the default adapter
func New(cfg config.BLEConfig, ingester Ingester, logger *zap.Logger) *Scanner {
	allowed := make(map[string]bool, len(cfg.Sensors))
	for _, mac := range cfg.Sensors {
		allowed[strings.ToUpper(strings.TrimSpace(mac))] = true
	}

	return &Scanner{
		adapter:   bluetooth.DefaultAdapter,
		gatewayID: cfg.GatewayID,
		allowed:   allowed,
		ingester:  ingester,
		logger:    logger,
		now:       time.Now,
	}
}

// Start enables the adapter and scans until ctx is done or Stop is called.
// It blocks for the lifetime of the scan.
func (s *Scanner) Start(ctx context.Context) error {
	s.logger.Info("initializing BLE adapter")
	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("failed to enable BLE adapter: %w", err)
	}

	s.logger.Info("starting BLE scan",
		zap.String("gateway_id", s.gatewayID),
		zap.Int("allowed_sensors", len(s.allowed)),
	)

	err := s.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		select {
		case <-ctx.Done():
			adapter.StopScan()
			return
		default:
		}

		s.handle(ctx, result.Address.String(), int(result.RSSI), result.ManufacturerData())
	})
	if err != nil {
		return fmt.Errorf("failed to start BLE scan: %w", err)
	}
	return nil
}

// Stop stops the BLE scan
func (s *Scanner) Stop() error {
	s.logger.Info("stopping BLE scan")
	if err := s.adapter.StopScan(); err != nil {
		return fmt.Errorf("failed to stop BLE scan: %w", err)
	}
	return nil
}

func (s *Scanner) handle(ctx context.Context, address string, rssi int, elements []bluetooth.ManufacturerDataElement) {
	mac := strings.ToUpper(address)
	if len(s.allowed) > 0 && !s.allowed[mac] {
		return
	}
	if !hasRuuviData(elements) {
		return
	}

	now := s.now()
	outcome := s.ingester.Single(ctx, s.gatewayID, now, gateway.Tag{
		ID:        mac,
		Data:      Advertisement(elements),
		Timestamp: now,
		RSSI:      rssi,
	})

	s.logger.Debug("BLE advertisement",
		zap.String("mac", mac),
		zap.Int("rssi", rssi),
		zap.Stringer("status", outcome.Status),
	)
}

func hasRuuviData(elements []bluetooth.ManufacturerDataElement) bool {
	for _, e := range elements {
		if e.CompanyID == ruuvi.ManufacturerID {
			return true
		}
	}
	return false
}

// Advertisement rebuilds the raw advertisement structures for the
// manufacturer data the adapter already split out. Elements too long to
// frame in one structure are dropped.
func Advertisement(elements []bluetooth.ManufacturerDataElement) []byte {
	var buf []byte
	for _, e := range elements {
		length := len(e.Data) + 3
		if length > 0xFF {
			continue
		}
		buf = append(buf, byte(length), advert.TypeManufacturerData, byte(e.CompanyID), byte(e.CompanyID>>8))
		buf = append(buf, e.Data...)
	}
	return buf
}
