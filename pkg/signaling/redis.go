package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces the pub/sub channels; default "connect:signal:".
	Prefix string
	Self   string
	Logger *zap.Logger
}

// Redis relays signals over redis pub/sub: one channel per peer plus a
// shared broadcast channel.
type Redis struct {
	client *redis.Client
	sub    *redis.PubSub
	opts   RedisOptions
	log    *zap.Logger

	mu sync.RWMutex
	fn func(string, []byte)

	once sync.Once
	wg   sync.WaitGroup
}

func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}
	if opts.Prefix == "" {
		opts.Prefix = "connect:signal:"
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   3,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	r := &Redis{client: client, opts: opts, log: opts.Logger.Named("signaling")}
	r.sub = client.Subscribe(ctx, r.channel(opts.Self), r.channel(""))
	if _, err := r.sub.Receive(ctx); err != nil {
		_ = r.sub.Close()
		_ = client.Close()
		return nil, err
	}
	r.wg.Add(1)
	go r.loop(r.sub.Channel())
	r.log.Info("redis signaling subscribed", zap.String("addr", opts.Addr), zap.String("self", opts.Self))
	return r, nil
}

func (r *Redis) channel(peer string) string {
	if peer == "" {
		return r.opts.Prefix + "broadcast"
	}
	return r.opts.Prefix + "peer:" + peer
}

func (r *Redis) Send(ctx context.Context, target string, payload []byte) error {
	b, err := msgpack.Marshal(signal{From: r.opts.Self, To: target, Payload: payload})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel(target), b).Err()
}

func (r *Redis) OnReceive(fn func(string, []byte)) {
	r.mu.Lock()
	r.fn = fn
	r.mu.Unlock()
}

func (r *Redis) loop(ch <-chan *redis.Message) {
	defer r.wg.Done()
	for m := range ch {
		var s signal
		if err := msgpack.Unmarshal([]byte(m.Payload), &s); err != nil {
			r.log.Debug("undecodable signal", zap.String("channel", m.Channel), zap.Error(err))
			continue
		}
		if s.From == r.opts.Self {
			continue
		}
		r.mu.RLock()
		fn := r.fn
		r.mu.RUnlock()
		if fn != nil {
			fn(s.From, s.Payload)
		}
	}
}

func (r *Redis) Close() error {
	var err error
	r.once.Do(func() {
		err = r.sub.Close()
		r.wg.Wait()
		if cerr := r.client.Close(); err == nil {
			err = cerr
		}
	})
	return err
}
