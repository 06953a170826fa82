package credentials

import (
	"sync"
	"time"
)

type cachedToken struct {
	value   string
	expires time.Time
}

type cachedTokens struct {
	mu    *sync.Mutex
	items map[string]cachedToken
}

func newCachedTokens() cachedTokens {
	return cachedTokens{mu: &sync.Mutex{}, items: make(map[string]cachedToken)}
}

func (c cachedTokens) get(provider string, now time.Time) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[provider]
	if !ok || now.After(item.expires) {
		return "", false
	}
	return item.value, true
}

func (c cachedTokens) put(provider, value string, expires time.Time) {
	c.mu.Lock()
	c.items[provider] = cachedToken{value: value, expires: expires}
	c.mu.Unlock()
}
