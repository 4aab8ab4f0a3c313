package lifecycle

import (
	"context"
	"log/slog"
	"time"
)

// FieldCycler power cycles the RF field at a fixed period. A cycle is
// skipped while an operation holds the channel, so cycling never lands in
// the middle of a multi-step sequence.
type FieldCycler struct {
	ch          *Channel
	offInterval time.Duration
	period      time.Duration
	logger      *slog.Logger
	metrics     Recorder
}

// NewFieldCycler returns a cycler that keeps the field off for
// offInterval once every period.
func NewFieldCycler(ch *Channel, offInterval, period time.Duration, logger *slog.Logger, metrics Recorder) *FieldCycler {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NopRecorder{}
	}
	return &FieldCycler{ch: ch, offInterval: offInterval, period: period, logger: logger, metrics: metrics}
}

// CycleOnce switches the field off for the off interval and back on. It
// returns false without touching the field when the channel is busy.
func (f *FieldCycler) CycleOnce(ctx context.Context) (bool, error) {
	reader, release, ok := f.ch.TryAcquire()
	if !ok {
		f.metrics.FieldCycle(true)
		f.logger.Debug("rf cycle suppressed", "reason", "channel busy")
		return false, nil
	}
	defer release()

	if err := reader.FieldOff(); err != nil {
		return false, classify("rf off", err, ReasonDeviceError)
	}
	timer := time.NewTimer(f.offInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	// The field goes back on even when ctx ended during the off interval.
	if err := reader.FieldOn(); err != nil {
		return false, classify("rf on", err, ReasonDeviceError)
	}
	f.metrics.FieldCycle(false)
	return true, nil
}

// Run cycles until ctx is done. Device errors are logged; the next period
// tries again.
func (f *FieldCycler) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := f.CycleOnce(ctx); err != nil {
				f.logger.Warn("rf cycle failed", "err", err)
			}
		}
	}
}
