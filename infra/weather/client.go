// Package weather fetches the outdoor temperature forecast from a
// MET-style locationforecast endpoint.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/evjund/capguard/core/budget"
	"github.com/evjund/capguard/core/logger"
)

// Config defines the forecast endpoint parameters.
type Config struct {
	APIURL         string  `json:"api_url"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	UserAgent      string  `json:"user_agent"`
	TimeoutSeconds int     `json:"timeout_seconds"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 10
	}
	if c.UserAgent == "" {
		c.UserAgent = "capguard/1.0"
	}
}

// Client implements budget.ForecastProvider over HTTP.
type Client struct {
	cfg    Config
	client *http.Client
	log    logger.Logger
}

// New creates a forecast client.
func New(cfg Config, log logger.Logger) *Client {
	cfg.SetDefaults()
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		log:    log,
	}
}

// compactResponse mirrors the subset of the locationforecast compact
// format the budget estimate needs.
type compactResponse struct {
	Properties struct {
		Timeseries []struct {
			Time time.Time `json:"time"`
			Data struct {
				Instant struct {
					Details struct {
						AirTemperature float64 `json:"air_temperature"`
					} `json:"details"`
				} `json:"instant"`
			} `json:"data"`
		} `json:"timeseries"`
	} `json:"properties"`
}

// Hourly fetches up to the requested number of forecast hours. Any failure
// returns an error; callers degrade to their prior budget.
func (c *Client) Hourly(ctx context.Context, hours int) ([]budget.ForecastHour, error) {
	url := fmt.Sprintf("%s?lat=%.4f&lon=%.4f", c.cfg.APIURL, c.cfg.Latitude, c.cfg.Longitude)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("forecast request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forecast fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("forecast fetch: unexpected status %d", resp.StatusCode)
	}

	var parsed compactResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("forecast decode: %w", err)
	}

	series := parsed.Properties.Timeseries
	if hours > 0 && len(series) > hours {
		series = series[:hours]
	}
	out := make([]budget.ForecastHour, 0, len(series))
	for _, ts := range series {
		out = append(out, budget.ForecastHour{
			Time:           ts.Time,
			AirTemperature: ts.Data.Instant.Details.AirTemperature,
		})
	}
	c.log.Debugf("fetched %d forecast hours", len(out))
	return out, nil
}
