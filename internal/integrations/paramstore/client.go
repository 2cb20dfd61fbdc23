package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// DefaultTTL is how long a fetched value is served from memory before SSM is
// asked again.
const DefaultTTL = 5 * time.Minute

// ssmAPI is the subset of *ssm.Client used here.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type cachedValue struct {
	value   string
	fetched time.Time
}

// Client reads decrypted SecureString parameters and caches them per name.
type Client struct {
	api ssmAPI
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	cache map[string]cachedValue
}

type Option func(*Client)

// WithTTL overrides DefaultTTL. A zero TTL disables caching.
func WithTTL(ttl time.Duration) Option {
	return func(c *Client) {
		if ttl >= 0 {
			c.ttl = ttl
		}
	}
}

func New(api ssmAPI, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	c := &Client{
		api:   api,
		ttl:   DefaultTTL,
		now:   time.Now,
		cache: make(map[string]cachedValue),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}
	if v, ok := c.cached(name); ok {
		return v, nil
	}

	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("paramstore: parameter %q missing value", name)
	}
	value := aws.ToString(out.Parameter.Value)
	c.store(name, value)
	return value, nil
}

// Invalidate drops name from the cache so the next read goes to SSM.
func (c *Client) Invalidate(name string) {
	c.mu.Lock()
	delete(c.cache, strings.TrimSpace(name))
	c.mu.Unlock()
}

func (c *Client) cached(name string) (string, bool) {
	if c.ttl == 0 {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.cache[name]
	if !ok || c.now().Sub(v.fetched) >= c.ttl {
		return "", false
	}
	return v.value, true
}

func (c *Client) store(name, value string) {
	if c.ttl == 0 {
		return
	}
	c.mu.Lock()
	c.cache[name] = cachedValue{value: value, fetched: c.now()}
	c.mu.Unlock()
}
