package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Pricing methods for reading a depth book.
const (
	PricingBest    = "best"
	PricingAverage = "average"
	PricingDepth   = "depth"
)

type depthLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity,omitempty"`
}

type depthBook struct {
	BidValues []depthLevel `json:"bidValues"`
	AskValues []depthLevel `json:"askValues"`
	Timestamp int64        `json:"timestamp,omitempty"` // unix millis
}

// RedisSourceConfig configures RedisSource.
type RedisSourceConfig struct {
	KeyPrefix     string
	PricingMethod string
	DepthLevels   int
	MaxAge        time.Duration // zero disables the age check
}

// RedisSource reads depth books published as JSON under <prefix><instrument>.
type RedisSource struct {
	client redis.Cmdable
	cfg    RedisSourceConfig
	now    func() time.Time
}

// NewRedisSource creates a RedisSource on an existing client.
func NewRedisSource(client redis.Cmdable, cfg RedisSourceConfig) (*RedisSource, error) {
	cfg.PricingMethod = strings.ToLower(cfg.PricingMethod)
	switch cfg.PricingMethod {
	case "":
		cfg.PricingMethod = PricingBest
	case PricingBest, PricingAverage, PricingDepth:
	default:
		return nil, fmt.Errorf("unknown pricing method %q", cfg.PricingMethod)
	}
	if cfg.DepthLevels <= 0 {
		cfg.DepthLevels = 1
	}
	return &RedisSource{client: client, cfg: cfg, now: time.Now}, nil
}

// BestBidAsk implements Source.
func (s *RedisSource) BestBidAsk(ctx context.Context, instrument string) (Quote, error) {
	key := s.cfg.KeyPrefix + instrument
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Quote{}, fmt.Errorf("%w: %s not published", ErrNoQuote, key)
	}
	if err != nil {
		return Quote{}, fmt.Errorf("failed to read %s: %w", key, err)
	}

	var book depthBook
	if err := json.Unmarshal(raw, &book); err != nil {
		return Quote{}, fmt.Errorf("failed to decode %s: %w", key, err)
	}

	ts := s.now()
	if book.Timestamp > 0 {
		ts = time.UnixMilli(book.Timestamp)
		if s.cfg.MaxAge > 0 && s.now().Sub(ts) > s.cfg.MaxAge {
			return Quote{}, fmt.Errorf("%w: %s is %s old", ErrNoQuote, key, s.now().Sub(ts).Round(time.Millisecond))
		}
	}

	q := Quote{
		Bid:  s.price(book.BidValues),
		Ask:  s.price(book.AskValues),
		Time: ts,
	}
	if !q.Valid() {
		return Quote{}, fmt.Errorf("%w: %s has an empty side", ErrNoQuote, key)
	}
	return q, nil
}

func (s *RedisSource) price(levels []depthLevel) float64 {
	if len(levels) == 0 {
		return 0
	}
	n := s.cfg.DepthLevels
	if n > len(levels) {
		n = len(levels)
	}
	switch s.cfg.PricingMethod {
	case PricingAverage:
		var sum float64
		for _, l := range levels[:n] {
			sum += l.Price
		}
		return sum / float64(n)
	case PricingDepth:
		return levels[n-1].Price
	default:
		return levels[0].Price
	}
}

// PublishDepth writes a depth book in the format BestBidAsk reads. The
// simulator and tests use it to seed books.
func PublishDepth(ctx context.Context, client redis.Cmdable, key string, bids, asks []float64, ts time.Time) error {
	book := depthBook{Timestamp: ts.UnixMilli()}
	for _, p := range bids {
		book.BidValues = append(book.BidValues, depthLevel{Price: p})
	}
	for _, p := range asks {
		book.AskValues = append(book.AskValues, depthLevel{Price: p})
	}
	raw, err := json.Marshal(book)
	if err != nil {
		return err
	}
	return client.Set(ctx, key, raw, 0).Err()
}
