// Package replay feeds recorded power samples through the controller, for
// offline tuning of thresholds against real household traces.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/evjund/capguard/core/model"
	"github.com/evjund/capguard/infra/logger"
)

// record is one line of a JSONL trace file.
type record struct {
	TotalPowerW      float64 `json:"total_power_w"`
	ControlledPowerW float64 `json:"controlled_power_w"`
	AtMs             int64   `json:"at_ms"`
}

// FileSource streams samples from a JSONL trace file. If Speed > 0 the
// inter-sample gaps of the trace are replayed scaled by 1/Speed; otherwise
// samples are delivered as fast as the consumer drains them.
type FileSource struct {
	path    string
	speed   float64
	log     logger.Logger
	samples chan model.PowerSample
}

func NewFileSource(path string, speed float64) *FileSource {
	return &FileSource{
		path:    path,
		speed:   speed,
		log:     logger.New("replay"),
		samples: make(chan model.PowerSample),
	}
}

// Start reads the trace and pushes samples until EOF or context
// cancellation. The samples channel is closed on return.
func (f *FileSource) Start(ctx context.Context) error {
	defer close(f.samples)

	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("open trace: %w", err)
	}
	defer file.Close()

	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var prev time.Time
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var r record
		if err := json.Unmarshal(raw, &r); err != nil {
			f.log.Warnf("skipping malformed line %d: %v", line, err)
			continue
		}
		at := time.UnixMilli(r.AtMs)
		if f.speed > 0 && !prev.IsZero() && at.After(prev) {
			wait := time.Duration(float64(at.Sub(prev)) / f.speed)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		prev = at

		sample := model.PowerSample{
			TotalPowerW:      r.TotalPowerW,
			ControlledPowerW: r.ControlledPowerW,
			At:               at,
		}
		select {
		case f.samples <- sample:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read trace: %w", err)
	}
	f.log.Infof("replayed %d lines from %s", line, f.path)
	return nil
}

func (f *FileSource) Samples() <-chan model.PowerSample { return f.samples }

// DeviceReadings is always empty for trace replay.
func (f *FileSource) DeviceReadings() <-chan model.DeviceReadings { return nil }

func (f *FileSource) Close() error { return nil }
