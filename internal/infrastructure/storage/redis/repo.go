package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"fundledger/internal/application/port"
	"fundledger/internal/domain/model"
)

// Repo 净值簿（hash）+ 交易事件（stream + pubsub）
type Repo struct {
	rdb         *redis.Client
	prefix      string
	ttl         time.Duration
	keyQuotes   string // prefix + ":quotes"
	eventStream string
	eventChan   string
}

func New(rdb *redis.Client, prefix string, ttl time.Duration, eventStream, eventChan string) *Repo {
	if strings.TrimSpace(eventStream) == "" {
		eventStream = prefix + ":transactions"
	}
	if strings.TrimSpace(eventChan) == "" {
		eventChan = prefix + ":transactions:pub"
	}
	return &Repo{
		rdb:         rdb,
		prefix:      prefix,
		ttl:         ttl,
		keyQuotes:   prefix + ":quotes",
		eventStream: eventStream,
		eventChan:   eventChan,
	}
}

func (r *Repo) PutQuote(ctx context.Context, q model.Quote) error {
	if !q.Price.IsPositive() {
		return nil
	}
	b, err := json.Marshal(q)
	if err != nil {
		return err
	}

	// Hash: field = "000001" -> json
	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, r.keyQuotes, q.FundCode, string(b))
	if r.ttl > 0 {
		pipe.Expire(ctx, r.keyQuotes, r.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Repo) Latest(ctx context.Context, code string) (model.Quote, error) {
	s, err := r.rdb.HGet(ctx, r.keyQuotes, code).Result()
	if errors.Is(err, redis.Nil) {
		return model.Quote{}, fmt.Errorf("%w: %s", port.ErrQuoteNotAvailable, code)
	}
	if err != nil {
		return model.Quote{}, err
	}
	var q model.Quote
	if err := json.Unmarshal([]byte(s), &q); err != nil {
		return model.Quote{}, fmt.Errorf("decode quote %s: %w", code, err)
	}
	return q, nil
}

func (r *Repo) LatestMany(ctx context.Context, codes []string) (map[string]model.Quote, error) {
	out := make(map[string]model.Quote, len(codes))
	if len(codes) == 0 {
		return out, nil
	}
	vals, err := r.rdb.HMGet(ctx, r.keyQuotes, codes...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // missing field
		}
		var q model.Quote
		if err := json.Unmarshal([]byte(s), &q); err != nil {
			return nil, fmt.Errorf("decode quote %s: %w", codes[i], err)
		}
		out[codes[i]] = q
	}
	return out, nil
}

// PublishTransaction XADD 到 stream 并 PUBLISH 一份 JSON
func (r *Repo) PublishTransaction(ctx context.Context, tx *model.Transaction) error {
	payload, err := json.Marshal(tx)
	if err != nil {
		return err
	}

	// 1) Stream: XADD <stream> * order_id ... payload
	_, err = r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.eventStream,
		Values: map[string]any{
			"ts_ms":     tx.OccurredAt.UnixMilli(),
			"order_id":  tx.OrderID,
			"user_id":   tx.UserID,
			"fund_code": tx.FundCode,
			"kind":      string(tx.Kind),
			"payload":   string(payload),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", r.eventStream, err)
	}

	// 2) PubSub: PUBLISH <channel> json
	return r.rdb.Publish(ctx, r.eventChan, payload).Err()
}

func (r *Repo) EventStream() string  { return r.eventStream }
func (r *Repo) EventChannel() string { return r.eventChan }

var (
	_ port.QuoteBook = (*Repo)(nil)
	_ port.EventSink = (*Repo)(nil)
)
