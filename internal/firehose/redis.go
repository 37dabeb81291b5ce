package firehose

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/talgya/starmacro/internal/ledger"
	"github.com/talgya/starmacro/internal/market"
)

// RedisClient is the subset of *redis.Client the publisher uses.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisPublisher publishes trades to a Redis channel and caches the last
// trade price per commodity. A background goroutine does the I/O.
type RedisPublisher struct {
	rdb     RedisClient
	channel string
	ttl     time.Duration
	queue   chan market.Trade
	dropped atomic.Int64
	wg      sync.WaitGroup
}

// NewRedisPublisher starts a publisher on channel. Stop it with Close.
func NewRedisPublisher(rdb RedisClient, channel string, ttl time.Duration) *RedisPublisher {
	p := &RedisPublisher{
		rdb:     rdb,
		channel: channel,
		ttl:     ttl,
		queue:   make(chan market.Trade, 1024),
	}
	p.wg.Add(1)
	go p.loop()
	return p
}

// PublishTrade is a trade observer. It never blocks.
func (p *RedisPublisher) PublishTrade(tr market.Trade) {
	select {
	case p.queue <- tr:
	default:
		p.dropped.Add(1)
	}
}

// Dropped returns how many trades were discarded because the queue was full.
func (p *RedisPublisher) Dropped() int { return int(p.dropped.Load()) }

// Close drains queued trades and stops the publisher.
func (p *RedisPublisher) Close() {
	close(p.queue)
	p.wg.Wait()
}

func (p *RedisPublisher) loop() {
	defer p.wg.Done()
	for tr := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := p.publish(ctx, tr); err != nil {
			slog.Warn("redis publish failed", "commodity", tr.Commodity, "error", err)
		}
		cancel()
	}
}

func (p *RedisPublisher) publish(ctx context.Context, tr market.Trade) error {
	data, err := json.Marshal(TradeMessage(tr))
	if err != nil {
		return err
	}
	if err := p.rdb.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if err := p.rdb.Set(ctx, LastPriceKey(tr.Commodity), tr.Price.Decimal().String(), p.ttl).Err(); err != nil {
		return fmt.Errorf("cache last price: %w", err)
	}
	return nil
}

// LastPriceKey is the Redis key holding a commodity's last traded price.
func LastPriceKey(c ledger.Commodity) string {
	return fmt.Sprintf("macrosim:last_price:%s", c)
}
