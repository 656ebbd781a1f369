package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrMissingClient indicates a RedisHub configured without a client.
var ErrMissingClient = errors.New("broadcast: redis client required")

const defaultChannelPrefix = "surveypulse:"

// RedisHubConfig describes a RedisHub.
type RedisHubConfig struct {
	Client        redis.UniversalClient
	ChannelPrefix string
	Logger        *zap.Logger
}

// RedisHub fans messages out across processes. Publish goes through Redis PUBLISH on
// <prefix><group>; Run relays every channel under the prefix to the process-local members.
type RedisHub struct {
	client    redis.UniversalClient
	prefix    string
	local     *MemoryHub
	logger    *zap.Logger
	ready     chan struct{}
	readyOnce sync.Once
}

// NewRedisHub constructs a RedisHub. Call Run to start receiving.
func NewRedisHub(cfg RedisHubConfig) (*RedisHub, error) {
	if cfg.Client == nil {
		return nil, ErrMissingClient
	}
	prefix := strings.TrimSpace(cfg.ChannelPrefix)
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisHub{
		client: cfg.Client,
		prefix: prefix,
		local:  NewMemoryHub(logger),
		logger: logger,
		ready:  make(chan struct{}),
	}, nil
}

// Join adds member to the process-local group.
func (h *RedisHub) Join(ctx context.Context, group string, member Member) error {
	return h.local.Join(ctx, group, member)
}

// Leave removes member from the process-local group.
func (h *RedisHub) Leave(ctx context.Context, group string, member Member) {
	h.local.Leave(ctx, group, member)
}

// Publish sends message to every process subscribed to the group's channel.
func (h *RedisHub) Publish(ctx context.Context, message Message) error {
	if err := validateMessage(message); err != nil {
		return err
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return h.client.Publish(ctx, h.prefix+message.Group, payload).Err()
}

// Ready is closed once the pattern subscription is confirmed.
func (h *RedisHub) Ready() <-chan struct{} {
	return h.ready
}

// Run subscribes to every group channel and relays received messages to local members
// until ctx is done.
func (h *RedisHub) Run(ctx context.Context) error {
	pubsub := h.client.PSubscribe(ctx, h.prefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	h.readyOnce.Do(func() { close(h.ready) })

	channel := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case received, ok := <-channel:
			if !ok {
				return nil
			}
			h.relay(ctx, received)
		}
	}
}

func (h *RedisHub) relay(ctx context.Context, received *redis.Message) {
	var message Message
	if err := json.Unmarshal([]byte(received.Payload), &message); err != nil {
		h.logger.Warn("broadcast payload discarded", zap.String("channel", received.Channel), zap.Error(err))
		return
	}
	message.Group = strings.TrimPrefix(received.Channel, h.prefix)
	if err := h.local.Publish(ctx, message); err != nil {
		h.logger.Warn("broadcast relay failed", zap.String("channel", received.Channel), zap.Error(err))
	}
}
