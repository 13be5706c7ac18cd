package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"lantern/internal/metrics"

	"github.com/google/go-querystring/query"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// CursorStore persists the stream position between runs.
type CursorStore interface {
	GetCursor(ctx context.Context) (int64, error)
	SetCursor(ctx context.Context, cursor int64) error
}

// ConsumerConfig holds configuration for the trigger stream consumer.
type ConsumerConfig struct {
	// Endpoints is a list of stream WebSocket URLs to connect to (with fallback rotation)
	Endpoints []string

	// WantedKinds filters events to specific kinds
	WantedKinds []string

	// Compress enables zstd compression of stream frames
	Compress bool

	// CursorPersistEvery controls how often the cursor is persisted
	CursorPersistEvery int64
}

// DefaultConsumerConfig returns a configuration with sensible defaults.
func DefaultConsumerConfig() *ConsumerConfig {
	return &ConsumerConfig{
		WantedKinds:        WantedKinds,
		Compress:           true,
		CursorPersistEvery: 1000,
	}
}

// subscribeParams is the query string of a subscribe request.
type subscribeParams struct {
	Kinds    []string `url:"kinds"`
	Compress bool     `url:"compress,omitempty"`
	Cursor   int64    `url:"cursor,omitempty"`
}

// Consumer consumes trigger events from the platform stream and feeds them
// to the engine.
type Consumer struct {
	config  *ConsumerConfig
	engine  *Engine
	cursors CursorStore

	// Connection state
	conn               *websocket.Conn
	connMu             sync.Mutex
	currentEndpointIdx int

	// Zstd decoder for compressed messages
	zstdDecoder *zstd.Decoder

	// Cursor for resume
	cursor atomic.Int64

	// Stats
	eventsReceived atomic.Int64
	bytesReceived  atomic.Int64

	// Control
	connected atomic.Bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewConsumer creates a trigger stream consumer.
func NewConsumer(config *ConsumerConfig, engine *Engine, cursors CursorStore) *Consumer {
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		log.Fatal().Err(err).Msg("consumer: failed to create zstd decoder")
	}

	c := &Consumer{
		config:      config,
		engine:      engine,
		cursors:     cursors,
		stopCh:      make(chan struct{}),
		zstdDecoder: decoder,
	}

	if cursors != nil {
		if cursor, err := cursors.GetCursor(context.Background()); err == nil && cursor > 0 {
			c.cursor.Store(cursor)
			log.Info().Int64("cursor", cursor).Msg("consumer: loaded cursor")
		}
	}

	return c
}

// Start begins consuming events in a background goroutine.
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
}

// Stop gracefully stops the consumer.
func (c *Consumer) Stop() {
	close(c.stopCh)
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
	c.wg.Wait()

	if c.zstdDecoder != nil {
		c.zstdDecoder.Close()
	}
}

// IsConnected returns true if currently connected to the stream.
func (c *Consumer) IsConnected() bool {
	return c.connected.Load()
}

// Stats returns consumer statistics.
func (c *Consumer) Stats() (eventsReceived, bytesReceived int64) {
	return c.eventsReceived.Load(), c.bytesReceived.Load()
}

func (c *Consumer) run(ctx context.Context) {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("consumer: context cancelled, stopping")
			return
		case <-c.stopCh:
			log.Info().Msg("consumer: stop requested, stopping")
			return
		default:
		}

		endpoint := c.config.Endpoints[c.currentEndpointIdx]
		err := c.connectAndConsume(ctx, endpoint)

		if err != nil {
			c.connected.Store(false)
			log.Warn().Err(err).Str("endpoint", endpoint).Msg("consumer: connection error")

			// Rotate to next endpoint
			c.currentEndpointIdx = (c.currentEndpointIdx + 1) % len(c.config.Endpoints)

			// Backoff before retry
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-time.After(backoff):
			}

			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		} else {
			// Reset backoff on clean disconnect
			backoff = time.Second
		}
	}
}

func (c *Consumer) connectAndConsume(ctx context.Context, endpoint string) error {
	wsURL, err := c.buildSubscribeURL(endpoint)
	if err != nil {
		return fmt.Errorf("failed to build subscribe URL: %w", err)
	}

	log.Info().Str("url", wsURL).Msg("consumer: connecting to trigger stream")

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.connected.Store(true)
	metrics.ConsumerConnectionState.Set(1)
	log.Info().Str("endpoint", endpoint).Msg("consumer: connected")

	defer func() {
		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()
		c.connected.Store(false)
		metrics.ConsumerConnectionState.Set(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}

		c.bytesReceived.Add(int64(len(message)))

		// A processing error tears the connection down. The in-memory cursor
		// still points at the last handled event, so the resubscribe rewinds
		// past the failed one and the stream redelivers it.
		if err := c.processMessage(ctx, message); err != nil {
			return fmt.Errorf("process error: %w", err)
		}
	}
}

func (c *Consumer) buildSubscribeURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}

	params := subscribeParams{
		Kinds:    c.config.WantedKinds,
		Compress: c.config.Compress,
	}

	// Rewind slightly on resume to cover any gap around the last persisted
	// position. Redeliveries are absorbed by the idempotency markers.
	if cursor := c.cursor.Load(); cursor > 0 {
		params.Cursor = cursor - 5*time.Second.Microseconds()
	}

	values, err := query.Values(params)
	if err != nil {
		return "", err
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// processMessage decodes one stream frame and runs it through the engine.
// Frames that retrying cannot fix (undecodable bytes, envelopes rejected at
// ingestion) are logged and skipped. A handler failure is returned without
// advancing the cursor so the event is redelivered.
func (c *Consumer) processMessage(ctx context.Context, data []byte) error {
	// Zstd compressed data starts with magic number 0x28 0xB5 0x2F 0xFD
	if c.config.Compress && len(data) >= 4 && data[0] == 0x28 && data[1] == 0xB5 && data[2] == 0x2F && data[3] == 0xFD {
		decompressed, err := c.zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			metrics.ConsumerErrorsTotal.Inc()
			log.Warn().Err(err).Msg("consumer: dropping undecodable frame")
			return nil
		}
		data = decompressed
	} else if c.config.Compress && len(data) > 0 && data[0] != '{' {
		// Try decompression anyway if it doesn't look like JSON
		decompressed, err := c.zstdDecoder.DecodeAll(data, nil)
		if err == nil {
			data = decompressed
		}
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		preview := data
		if len(preview) > 50 {
			preview = preview[:50]
		}
		metrics.ConsumerErrorsTotal.Inc()
		log.Warn().Err(err).Bytes("preview", preview).Msg("consumer: dropping unparseable event")
		return nil
	}

	c.eventsReceived.Add(1)
	metrics.ConsumerEventsTotal.WithLabelValues(env.Kind).Inc()

	if c.wants(env.Kind) {
		if err := c.engine.HandleEvent(ctx, env); err != nil {
			if !errors.Is(err, ErrInvalidEvent) {
				metrics.ConsumerErrorsTotal.Inc()
				return err
			}
			// Poison event; redelivery would reject it again.
			metrics.ConsumerErrorsTotal.Inc()
			log.Warn().Err(err).Str("event_id", env.ID).Msg("consumer: skipping invalid event")
		}
	}

	c.advanceCursor(ctx, env.TimeUS)
	return nil
}

// advanceCursor records the position of the last handled event and persists
// it periodically.
func (c *Consumer) advanceCursor(ctx context.Context, timeUS int64) {
	if timeUS <= 0 {
		return
	}
	c.cursor.Store(timeUS)

	every := c.config.CursorPersistEvery
	if every <= 0 {
		every = 1000
	}
	if c.cursors != nil && c.eventsReceived.Load()%every == 0 {
		if err := c.cursors.SetCursor(ctx, timeUS); err != nil {
			log.Warn().Err(err).Msg("consumer: failed to persist cursor")
		}
	}
}

func (c *Consumer) wants(kind string) bool {
	if len(c.config.WantedKinds) == 0 {
		return true
	}
	for _, k := range c.config.WantedKinds {
		if k == kind {
			return true
		}
	}
	return false
}
