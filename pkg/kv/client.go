package kv

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cuemby/rpasession/pkg/log"
)

// compareAndDeleteScript is the Lua script backing CompareAndDelete. A
// plain GET-then-DEL from the client would race a concurrent TTL expiry
// and successor acquisition; EVAL makes the check-and-delete atomic on
// the store side.
var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Config configures a redis-backed Client.
type Config struct {
	Addr     string
	Password string
	DB       int

	// MaxRetryBackoff bounds the reconnect backoff used by subscription
	// supervisors (default 5s).
	MaxRetryBackoff time.Duration
}

// Client is the go-redis-backed implementation of Store.
type Client struct {
	cmd *redis.Client
	cfg Config

	mu   sync.Mutex
	subs []*subscription // tracked for logging/metrics only; each supervises itself
}

// NewClient dials the store and returns a ready Client. Dialing is lazy
// in go-redis (the first command connects), so NewClient never blocks on
// network I/O itself.
func NewClient(cfg Config) *Client {
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = 5 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Client{cmd: rdb, cfg: cfg}
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.cmd.Get(ctx, key).Result()
	if err != nil {
		return "", wrapErr(err)
	}
	return val, nil
}

func (c *Client) Put(ctx context.Context, key, val string, ttl time.Duration) error {
	return wrapErr(c.cmd.Set(ctx, key, val, ttl).Err())
}

func (c *Client) SetIfAbsent(ctx context.Context, key, val string, ttl time.Duration) error {
	ok, err := c.cmd.SetNX(ctx, key, val, ttl).Result()
	if err != nil {
		return wrapErr(err)
	}
	if !ok {
		return ErrNotSet
	}
	return nil
}

func (c *Client) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	res, err := compareAndDeleteScript.Run(ctx, c.cmd, []string{key}, expected).Int64()
	if err != nil {
		return false, wrapErr(err)
	}
	return res == 1, nil
}

func (c *Client) HashWrite(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	pipe := c.cmd.TxPipeline()
	args := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		args[k] = v
	}
	pipe.HSet(ctx, key, args)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return wrapErr(err)
}

func (c *Client) HashReadAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := c.cmd.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	return m, nil
}

func (c *Client) ListPushHead(ctx context.Context, key, val string, ttl time.Duration) (int64, error) {
	pipe := c.cmd.TxPipeline()
	lpush := pipe.LPush(ctx, key, val)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, wrapErr(err)
	}
	return lpush.Val(), nil
}

func (c *Client) ListTrim(ctx context.Context, key string, cap int64) error {
	if cap <= 0 {
		return nil
	}
	return wrapErr(c.cmd.LTrim(ctx, key, 0, cap-1).Err())
}

func (c *Client) SortedSetAdd(ctx context.Context, key string, score float64, member string, ttl time.Duration) error {
	pipe := c.cmd.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return wrapErr(err)
}

func (c *Client) SortedSetRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]ScoredMember, error) {
	by := &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}
	if limit > 0 {
		by.Count = limit
	}
	res, err := c.cmd.ZRangeByScoreWithScores(ctx, key, by).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	out := make([]ScoredMember, 0, len(res))
	for _, z := range res {
		member, _ := z.Member.(string)
		out = append(out, ScoredMember{Member: member, Score: z.Score})
	}
	return out, nil
}

func formatScore(v float64) string {
	switch {
	case math.IsInf(v, -1):
		return "-inf"
	case math.IsInf(v, 1):
		return "+inf"
	default:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
}

func (c *Client) SortedSetRemove(ctx context.Context, key, member string) error {
	return wrapErr(c.cmd.ZRem(ctx, key, member).Err())
}

func (c *Client) SortedSetCardinality(ctx context.Context, key string) (int64, error) {
	n, err := c.cmd.ZCard(ctx, key).Result()
	if err != nil {
		return 0, wrapErr(err)
	}
	return n, nil
}

func (c *Client) ScanKeys(ctx context.Context, pattern string, batchSize int64, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := c.cmd.Scan(ctx, cursor, pattern, batchSize).Result()
		if err != nil {
			return wrapErr(err)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (c *Client) DeleteMany(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return wrapErr(c.cmd.Del(ctx, keys...).Err())
}

func (c *Client) Publish(ctx context.Context, channel, message string) error {
	return wrapErr(c.cmd.Publish(ctx, channel, message).Err())
}

func (c *Client) Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error) {
	return c.subscribe(ctx, false, channel, handler)
}

func (c *Client) PSubscribe(ctx context.Context, pattern string, handler Handler) (Subscription, error) {
	return c.subscribe(ctx, true, pattern, handler)
}

func (c *Client) Close() error {
	return c.cmd.Close()
}

// subscription supervises one channel/pattern subscription, recreating
// the underlying *redis.PubSub with bounded exponential backoff whenever
// the receive loop dies (connection loss, server restart). Handlers are
// therefore effectively "re-installed after reconnect" without the
// caller doing anything.
type subscription struct {
	client  *redis.Client
	pattern bool
	topic   string
	handler Handler
	log     zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func (c *Client) subscribe(ctx context.Context, pattern bool, topic string, handler Handler) (Subscription, error) {
	sctx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		client:  c.cmd,
		pattern: pattern,
		topic:   topic,
		handler: handler,
		log:     log.WithComponent("kv.subscription"),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.run(sctx, c.cfg.MaxRetryBackoff)

	c.mu.Lock()
	c.subs = append(c.subs, s)
	c.mu.Unlock()
	return s, nil
}

func (s *subscription) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *subscription) run(ctx context.Context, maxBackoff time.Duration) {
	defer close(s.done)

	backoff := 250 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var ps *redis.PubSub
		if s.pattern {
			ps = s.client.PSubscribe(ctx, s.topic)
		} else {
			ps = s.client.Subscribe(ctx, s.topic)
		}

		err := s.receiveLoop(ctx, ps)
		ps.Close()

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.log.Warn().Err(err).Str("topic", s.topic).Dur("backoff", backoff).Msg("subscription lost, reconnecting")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(backoff)):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *subscription) receiveLoop(ctx context.Context, ps *redis.PubSub) error {
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pub/sub channel closed")
			}
			s.handler(Message{Channel: msg.Channel, Payload: msg.Payload})
		}
	}
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d/2 + time.Duration(rand.Int63n(int64(d)/2+1))
}

var _ Store = (*Client)(nil)
