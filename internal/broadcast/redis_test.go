package broadcast

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func startRedisHub(t *testing.T, client redis.UniversalClient) *RedisHub {
	t.Helper()
	hub, err := NewRedisHub(RedisHubConfig{Client: client, ChannelPrefix: "test:"})
	if err != nil {
		t.Fatalf("failed to create redis hub: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-hub.Ready():
	case err := <-done:
		t.Fatalf("redis hub stopped early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("redis hub did not subscribe in time")
	}
	return hub
}

func TestRedisHubRelaysAcrossProcesses(t *testing.T) {
	server := miniredis.RunT(t)
	newClient := func() *redis.Client {
		client := redis.NewClient(&redis.Options{Addr: server.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return client
	}

	publisher := startRedisHub(t, newClient())
	subscriber := startRedisHub(t, newClient())

	ctx := context.Background()
	group := GroupName("ABC123")
	local := newChannelMember("local", 1)
	remote := newChannelMember("remote", 1)
	other := newChannelMember("other", 1)
	if err := publisher.Join(ctx, group, local); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := subscriber.Join(ctx, group, remote); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := subscriber.Join(ctx, GroupName("OTHER1"), other); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	if err := publisher.Publish(ctx, statsUpdate(group)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	for _, member := range []*channelMember{local, remote} {
		received := expectMessage(t, member)
		if received.Group != group || received.QuestionID != 7 || received.Stats[70] != 1 {
			t.Fatalf("unexpected relayed message %#v", received)
		}
	}
	expectSilence(t, other)
}

func TestNewRedisHubRequiresClient(t *testing.T) {
	if _, err := NewRedisHub(RedisHubConfig{}); !errors.Is(err, ErrMissingClient) {
		t.Fatalf("expected missing client error, got %v", err)
	}
}
