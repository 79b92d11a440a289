package metrics

import (
	"context"
	"net/http"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	coremetrics "github.com/evjund/capguard/core/metrics"
	"github.com/evjund/capguard/infra/logger"
)

// InfluxSink writes control-loop records to an InfluxDB instance using the
// official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a sink for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback pings the InfluxDB instance and returns a
// NopSink when the health check fails, so a missing database never takes
// the controller down.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coremetrics.Sink {
	sink := NewInfluxSink(url, token, org, bucket)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// RecordSample writes the sample as a usage point.
func (s *InfluxSink) RecordSample(rec coremetrics.SampleRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p := influxdb2.NewPoint("usage",
		map[string]string{},
		map[string]interface{}{
			"total_power_w":  rec.TotalPowerW,
			"soft_limit_kw":  rec.SoftLimitKw,
			"headroom_kw":    rec.HeadroomKw,
			"used_today_kwh": rec.UsedTodayKWh,
		},
		rec.At)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordRebuild writes one rebuild invocation.
func (s *InfluxSink) RecordRebuild(rec coremetrics.RebuildRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p := influxdb2.NewPoint("plan_rebuild",
		map[string]string{"reason": rec.Reason},
		map[string]interface{}{
			"id":            rec.ID,
			"power_w":       rec.PowerW,
			"soft_limit_kw": rec.SoftLimitKw,
			"failed":        rec.Failed,
			"duration_ms":   float64(rec.Duration.Milliseconds()),
		},
		rec.At)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordBudget writes one daily budget recalculation.
func (s *InfluxSink) RecordBudget(rec coremetrics.BudgetRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p := influxdb2.NewPoint("daily_budget",
		map[string]string{"date": rec.Date},
		map[string]interface{}{
			"planned_kwh": rec.PlannedKWh,
			"dynamic":     rec.Dynamic,
		},
		rec.At)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordCoefficient writes one heating coefficient raise.
func (s *InfluxSink) RecordCoefficient(rec coremetrics.CoefficientRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p := influxdb2.NewPoint("heating_coefficient",
		map[string]string{"device": rec.DeviceID},
		map[string]interface{}{
			"old": rec.Old,
			"new": rec.New,
		},
		rec.At)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordCoalesced writes one merged-trigger count.
func (s *InfluxSink) RecordCoalesced() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p := influxdb2.NewPoint("coalesced_call",
		map[string]string{},
		map[string]interface{}{"count": 1},
		time.Now())
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordDroppedSample writes one rejected-sample count.
func (s *InfluxSink) RecordDroppedSample(reason string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p := influxdb2.NewPoint("dropped_sample",
		map[string]string{"reason": reason},
		map[string]interface{}{"count": 1},
		time.Now())
	return s.writeAPI.WritePoint(ctx, p)
}

// Close shuts down the underlying client.
func (s *InfluxSink) Close() {
	s.client.Close()
}
