// Package feed talks to the brokerage market-data API that is the source of
// truth for price bars. Requests are paginated through a continuation token
// and rate limited client side; the caller receives bars grouped by symbol.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"stockflow/config"
	"stockflow/internal/calendar"
	"stockflow/logger"
	"stockflow/models"
)

// Client fetches historical bars over the feed's REST API.
type Client struct {
	cfg        config.FeedConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logger.Log
}

// NewClient builds a feed client from configuration.
func NewClient(cfg config.FeedConfig) *Client {
	log := logger.GetLogger()

	rpm := cfg.RateLimit.RequestsPerMinute
	if rpm <= 0 {
		rpm = 200
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = 1
	}

	client := &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst),
		log:     log,
	}

	log.WithComponent("feed").WithFields(logger.Fields{
		"base_url":  cfg.BaseURL,
		"variant":   cfg.Variant,
		"max_pages": cfg.MaxPages,
		"timeout":   cfg.Timeout,
	}).Info("feed client initialized")

	return client
}

// rawBar mirrors the wire shape of one bar. Prices stay json.Number so they
// reach decimal without a float round trip.
type rawBar struct {
	Timestamp string      `json:"t"`
	Open      json.Number `json:"o"`
	High      json.Number `json:"h"`
	Low       json.Number `json:"l"`
	Close     json.Number `json:"c"`
	Volume    json.Number `json:"v"`
}

type barsResponse struct {
	Bars          map[string][]rawBar `json:"bars"`
	NextPageToken *string             `json:"next_page_token"`
}

// GetBars fetches bars for all symbols within [start, end] in one paginated
// request sequence. Pagination stops when the feed stops returning a token
// or when the configured page ceiling is reached; hitting the ceiling is
// logged because it truncates the result.
func (c *Client) GetBars(ctx context.Context, symbols []string, tf models.Timeframe, start, end calendar.Date) (map[string][]models.Bar, error) {
	log := c.log.WithComponent("feed").WithFields(logger.Fields{
		"symbols": strings.Join(symbols, ","),
		"start":   start.String(),
		"end":     end.String(),
	})

	out := make(map[string][]models.Bar, len(symbols))
	pageToken := ""

	for page := 0; ; page++ {
		if page >= c.cfg.MaxPages {
			log.WithFields(logger.Fields{"max_pages": c.cfg.MaxPages}).
				Warn("page ceiling reached, result truncated")
			break
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}

		resp, err := c.fetchPage(ctx, symbols, tf, start, end, pageToken)
		if err != nil {
			return nil, err
		}

		for symbol, raws := range resp.Bars {
			for _, raw := range raws {
				bar, err := c.convertBar(symbol, tf, raw)
				if err != nil {
					// Reject the single malformed bar, never mis-date it.
					log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).
						Error("dropping malformed bar")
					continue
				}
				out[symbol] = append(out[symbol], bar)
			}
		}

		if resp.NextPageToken == nil || *resp.NextPageToken == "" {
			break
		}
		pageToken = *resp.NextPageToken
	}

	for symbol := range out {
		models.SortBars(out[symbol])
	}
	return out, nil
}

func (c *Client) fetchPage(ctx context.Context, symbols []string, tf models.Timeframe, start, end calendar.Date, pageToken string) (*barsResponse, error) {
	q := url.Values{}
	q.Set("symbols", strings.Join(symbols, ","))
	q.Set("timeframe", string(tf))
	q.Set("start", start.String())
	q.Set("end", end.String())
	q.Set("limit", fmt.Sprintf("%d", c.cfg.PageLimit))
	q.Set("adjustment", "raw")
	if c.cfg.Variant != "" {
		q.Set("feed", c.cfg.Variant)
	}
	if pageToken != "" {
		q.Set("page_token", pageToken)
	}

	u := fmt.Sprintf("%s/v2/stocks/bars?%s", strings.TrimRight(c.cfg.BaseURL, "/"), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build bars request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", c.cfg.KeyID)
	req.Header.Set("APCA-API-SECRET-KEY", c.cfg.SecretKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("feed read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed: status %d, body: %s", resp.StatusCode, string(body))
	}

	var parsed barsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("feed decode: %w", err)
	}
	return &parsed, nil
}

func (c *Client) convertBar(symbol string, tf models.Timeframe, raw rawBar) (models.Bar, error) {
	day, err := calendar.ParseFeedTimestamp(raw.Timestamp)
	if err != nil {
		return models.Bar{}, err
	}

	open, err := decimal.NewFromString(raw.Open.String())
	if err != nil {
		return models.Bar{}, fmt.Errorf("bar %s %s open: %w", symbol, day, err)
	}
	high, err := decimal.NewFromString(raw.High.String())
	if err != nil {
		return models.Bar{}, fmt.Errorf("bar %s %s high: %w", symbol, day, err)
	}
	low, err := decimal.NewFromString(raw.Low.String())
	if err != nil {
		return models.Bar{}, fmt.Errorf("bar %s %s low: %w", symbol, day, err)
	}
	closeP, err := decimal.NewFromString(raw.Close.String())
	if err != nil {
		return models.Bar{}, fmt.Errorf("bar %s %s close: %w", symbol, day, err)
	}

	volume, err := raw.Volume.Int64()
	if err != nil {
		// Some feeds serialize volume with a fractional part.
		f, ferr := raw.Volume.Float64()
		if ferr != nil {
			return models.Bar{}, fmt.Errorf("bar %s %s volume: %w", symbol, day, err)
		}
		volume = int64(f)
	}
	if volume < 0 {
		return models.Bar{}, fmt.Errorf("bar %s %s: negative volume %d", symbol, day, volume)
	}

	return models.Bar{
		Symbol:    symbol,
		Date:      day,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closeP,
		Volume:    volume,
		Timeframe: tf,
	}, nil
}

// retryDelay is the pause between reconnect attempts shared with the
// streaming subscriber.
const retryDelay = 5 * time.Second
