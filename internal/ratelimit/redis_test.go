package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// commandSubset answers the handful of commands the limiter sends from an
// in-process map, so no server is dialled. Anything else fails the command.
type commandSubset struct {
	mu       sync.Mutex
	now      time.Time
	counters map[string]int64
	expiry   map[string]time.Time
	sent     []string
}

func newCommandSubset() *commandSubset {
	return &commandSubset{
		now:      time.Unix(1_700_000_000, 0),
		counters: map[string]int64{},
		expiry:   map[string]time.Time{},
	}
}

func (s *commandSubset) DialHook(redis.DialHook) redis.DialHook {
	return func(context.Context, string, string) (net.Conn, error) {
		return nil, errors.New("dial disabled")
	}
}

func (s *commandSubset) ProcessHook(redis.ProcessHook) redis.ProcessHook {
	return func(_ context.Context, cmd redis.Cmder) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.apply(cmd)
	}
}

func (s *commandSubset) ProcessPipelineHook(redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(_ context.Context, cmds []redis.Cmder) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, cmd := range cmds {
			if err := s.apply(cmd); err != nil {
				return err
			}
		}
		return nil
	}
}

func (s *commandSubset) advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	s.mu.Unlock()
}

func (s *commandSubset) expire() {
	for key, at := range s.expiry {
		if !s.now.Before(at) {
			delete(s.counters, key)
			delete(s.expiry, key)
		}
	}
}

func (s *commandSubset) apply(cmd redis.Cmder) error {
	s.expire()
	args := cmd.Args()
	name := cmd.Name()
	s.sent = append(s.sent, name)
	switch name {
	case "multi", "exec":
		return nil
	case "set":
		key := args[1].(string)
		var ttl time.Duration
		nx := false
		for i := 3; i < len(args); i++ {
			switch args[i] {
			case "nx":
				nx = true
			case "ex":
				ttl = time.Duration(args[i+1].(int64)) * time.Second
				i++
			}
		}
		c := cmd.(*redis.BoolCmd)
		if _, exists := s.counters[key]; nx && exists {
			c.SetVal(false)
			return nil
		}
		s.counters[key] = 0
		if ttl > 0 {
			s.expiry[key] = s.now.Add(ttl)
		}
		c.SetVal(true)
		return nil
	case "incr":
		key := args[1].(string)
		s.counters[key]++
		cmd.(*redis.IntCmd).SetVal(s.counters[key])
		return nil
	case "pttl":
		key := args[1].(string)
		c := cmd.(*redis.DurationCmd)
		if at, ok := s.expiry[key]; ok {
			c.SetVal(at.Sub(s.now))
		} else {
			c.SetVal(-1)
		}
		return nil
	}
	err := fmt.Errorf("ERR unknown command '%s'", name)
	cmd.SetErr(err)
	return err
}

func TestRedisLimiterFixedWindow(t *testing.T) {
	backend := newCommandSubset()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	client.AddHook(backend)
	defer client.Close()

	failures := 0
	lim := NewRedisLimiter(client, RedisOptions{
		Limit:   2,
		Window:  time.Minute,
		OnError: func() { failures++ },
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := lim.Allow(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	backend.advance(15 * time.Second)
	d, err := lim.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 45*time.Second, d.RetryAfter, "later requests must not extend the window")

	d, err = lim.Allow(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	backend.advance(45 * time.Second)
	d, err = lim.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	assert.Zero(t, failures)
	assert.NotContains(t, backend.sent, "expire")
}
