package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"stockflow/config"
	"stockflow/internal/calendar"
	"stockflow/logger"
	"stockflow/models"
)

// barWriter is the slice of the bar store the subscriber needs.
type barWriter interface {
	UpsertBatch(ctx context.Context, bars []models.Bar) error
}

// Subscriber keeps today's daily bars fresh by listening to the feed's
// websocket stream and upserting each incoming bar into the store. It is
// optional; the coordinator is correct without it, just one fetch staler.
type Subscriber struct {
	cfg     config.FeedConfig
	store   barWriter
	symbols []string
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// NewSubscriber creates a Subscriber writing through to the given store.
func NewSubscriber(cfg config.FeedConfig, store barWriter, symbols []string) *Subscriber {
	return &Subscriber{
		cfg:     cfg,
		store:   store,
		symbols: symbols,
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
	}
}

// Start launches the stream loop. It returns an error when already running.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("stream subscriber already running")
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()

	s.log.WithComponent("stream").WithFields(logger.Fields{
		"url":     s.cfg.Stream.URL,
		"symbols": s.symbols,
	}).Info("stream subscriber started")
	return nil
}

// Stop waits for the stream loop to exit. Cancel the context passed to
// Start first.
func (s *Subscriber) Stop() {
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.log.WithComponent("stream").Info("stream subscriber stopped")
}

func (s *Subscriber) run() {
	defer s.wg.Done()
	log := s.log.WithComponent("stream")

	for {
		if s.ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(s.ctx, s.cfg.Stream.URL, nil)
		if err != nil {
			log.WithError(err).Error("stream connect failed")
			if !s.sleep() {
				return
			}
			continue
		}

		if err := s.subscribe(conn); err != nil {
			log.WithError(err).Error("stream subscribe failed")
			conn.Close()
			if !s.sleep() {
				return
			}
			continue
		}
		log.WithFields(logger.Fields{"symbols": s.symbols}).Info("subscribed to daily bars")

		s.readLoop(conn)
		conn.Close()

		if !s.sleep() {
			return
		}
	}
}

// sleep pauses between reconnect attempts; false means the context is done.
func (s *Subscriber) sleep() bool {
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(retryDelay):
		return true
	}
}

func (s *Subscriber) subscribe(conn *websocket.Conn) error {
	auth := map[string]string{
		"action": "auth",
		"key":    s.cfg.KeyID,
		"secret": s.cfg.SecretKey,
	}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("write auth: %w", err)
	}

	sub := map[string]interface{}{
		"action":    "subscribe",
		"dailyBars": s.symbols,
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("write subscribe: %w", err)
	}
	return nil
}

// streamBar is one daily-bar message from the stream.
type streamBar struct {
	Type      string      `json:"T"`
	Symbol    string      `json:"S"`
	Open      json.Number `json:"o"`
	High      json.Number `json:"h"`
	Low       json.Number `json:"l"`
	Close     json.Number `json:"c"`
	Volume    json.Number `json:"v"`
	Timestamp string      `json:"t"`
}

func (s *Subscriber) readLoop(conn *websocket.Conn) {
	log := s.log.WithComponent("stream")

	// ReadMessage blocks until a frame arrives. Closing the connection on
	// cancellation is the only way to unblock it, so a quiet stream still
	// shuts down promptly.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("stream read error")
			return
		}

		var msgs []streamBar
		if err := json.Unmarshal(message, &msgs); err != nil {
			log.WithError(err).Warn("unparseable stream message")
			continue
		}

		for _, msg := range msgs {
			if msg.Type != "d" {
				continue
			}
			bar, err := convertStreamBar(msg)
			if err != nil {
				log.WithError(err).WithFields(logger.Fields{"symbol": msg.Symbol}).
					Error("dropping malformed stream bar")
				continue
			}
			if err := s.store.UpsertBatch(s.ctx, []models.Bar{bar}); err != nil {
				log.WithError(err).WithFields(logger.Fields{"symbol": bar.Symbol}).
					Error("failed to persist stream bar")
			}
		}
	}
}

func convertStreamBar(msg streamBar) (models.Bar, error) {
	day, err := calendar.ParseFeedTimestamp(msg.Timestamp)
	if err != nil {
		return models.Bar{}, err
	}

	open, err := decimal.NewFromString(msg.Open.String())
	if err != nil {
		return models.Bar{}, fmt.Errorf("stream bar %s open: %w", msg.Symbol, err)
	}
	high, err := decimal.NewFromString(msg.High.String())
	if err != nil {
		return models.Bar{}, fmt.Errorf("stream bar %s high: %w", msg.Symbol, err)
	}
	low, err := decimal.NewFromString(msg.Low.String())
	if err != nil {
		return models.Bar{}, fmt.Errorf("stream bar %s low: %w", msg.Symbol, err)
	}
	closeP, err := decimal.NewFromString(msg.Close.String())
	if err != nil {
		return models.Bar{}, fmt.Errorf("stream bar %s close: %w", msg.Symbol, err)
	}
	volume, err := msg.Volume.Int64()
	if err != nil {
		f, ferr := msg.Volume.Float64()
		if ferr != nil {
			return models.Bar{}, fmt.Errorf("stream bar %s volume: %w", msg.Symbol, err)
		}
		volume = int64(f)
	}

	return models.Bar{
		Symbol:    msg.Symbol,
		Date:      day,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closeP,
		Volume:    volume,
		Timeframe: models.Day,
	}, nil
}
