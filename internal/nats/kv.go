package nats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/folio-labs/chat-edge/internal/ratelimit"
)

// DefaultCounterBucket is the KV bucket holding rate-limit counters.
const DefaultCounterBucket = "chat_edge_counters"

// ViewsBucket holds the page view total, which never expires.
const ViewsBucket = "chat_edge_views"

const maxCASAttempts = 8

// ErrContention is returned when a counter could not be updated after
// repeated concurrent modifications.
var ErrContention = errors.New("nats: counter update contention")

// CounterStore keeps rate-limit counters in a JetStream key-value bucket so
// that every instance of the edge shares them. A value holds the count and
// the window's end in Unix milliseconds; the bucket's MaxAge reclaims keys
// nobody touches again.
type CounterStore struct {
	js     jetstream.JetStream
	bucket string
	maxAge time.Duration
	now    func() time.Time

	mu sync.Mutex
	kv jetstream.KeyValue
}

// NewCounterStore creates a counter store. maxAge must cover the longest
// rate-limit window in use; zero keeps counters forever on file storage.
func NewCounterStore(client *Client, bucket string, maxAge time.Duration) *CounterStore {
	if bucket == "" {
		bucket = DefaultCounterBucket
	}
	return &CounterStore{js: client.JetStream(), bucket: bucket, maxAge: maxAge, now: time.Now}
}

func (s *CounterStore) keyValue(ctx context.Context) (jetstream.KeyValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kv != nil {
		return s.kv, nil
	}

	kv, err := s.js.KeyValue(ctx, s.bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		cfg := jetstream.KeyValueConfig{
			Bucket:      s.bucket,
			Description: "Chat edge counters",
			History:     1,
			TTL:         s.maxAge,
			Storage:     jetstream.MemoryStorage,
		}
		if s.maxAge == 0 {
			cfg.Storage = jetstream.FileStorage
		}
		kv, err = s.js.CreateKeyValue(ctx, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %s: %w", s.bucket, err)
	}
	s.kv = kv
	return kv, nil
}

// Get returns the live counter for key.
func (s *CounterStore) Get(ctx context.Context, key string) (ratelimit.Counter, error) {
	kv, err := s.keyValue(ctx)
	if err != nil {
		return ratelimit.Counter{}, err
	}
	entry, err := kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return ratelimit.Counter{}, nil
	}
	if err != nil {
		return ratelimit.Counter{}, fmt.Errorf("failed to get %s: %w", key, err)
	}
	c := parseCounter(entry.Value())
	if expired(c, s.now()) {
		return ratelimit.Counter{}, nil
	}
	return c, nil
}

// Increment adds one to key with a compare-and-set loop. An absent or
// expired counter restarts at one, ending ttl from now.
func (s *CounterStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	kv, err := s.keyValue(ctx)
	if err != nil {
		return 0, err
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		now := s.now()
		fresh := ratelimit.Counter{Count: 1}
		if ttl > 0 {
			fresh.ExpiresAt = now.Add(ttl)
		}

		entry, err := kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			_, err = kv.Create(ctx, key, formatCounter(fresh))
			if err == nil {
				return 1, nil
			}
			if isConflict(err) {
				continue
			}
			return 0, fmt.Errorf("failed to create %s: %w", key, err)
		}
		if err != nil {
			return 0, fmt.Errorf("failed to get %s: %w", key, err)
		}

		next := parseCounter(entry.Value())
		if expired(next, now) {
			next = fresh
		} else {
			next.Count++
		}
		_, err = kv.Update(ctx, key, formatCounter(next), entry.Revision())
		if err == nil {
			return next.Count, nil
		}
		if !isConflict(err) {
			return 0, fmt.Errorf("failed to update %s: %w", key, err)
		}
	}
	return 0, ErrContention
}

// Close is a no-op; the connection is owned by the Client.
func (s *CounterStore) Close() error {
	return nil
}

// formatCounter encodes c as "<count> <expiresAtUnixMilli>", with 0 for no
// expiry.
func formatCounter(c ratelimit.Counter) []byte {
	var exp int64
	if !c.ExpiresAt.IsZero() {
		exp = c.ExpiresAt.UnixMilli()
	}
	return []byte(strconv.FormatInt(c.Count, 10) + " " + strconv.FormatInt(exp, 10))
}

// parseCounter decodes a value written by formatCounter. A bare count reads
// as never expiring; anything unparsable reads as zero.
func parseCounter(b []byte) ratelimit.Counter {
	countPart, expPart, _ := strings.Cut(string(b), " ")
	n, err := strconv.ParseInt(countPart, 10, 64)
	if err != nil || n < 0 {
		return ratelimit.Counter{}
	}
	c := ratelimit.Counter{Count: n}
	if expPart != "" {
		exp, err := strconv.ParseInt(expPart, 10, 64)
		if err != nil || exp < 0 {
			return ratelimit.Counter{}
		}
		if exp > 0 {
			c.ExpiresAt = time.UnixMilli(exp)
		}
	}
	return c
}

func expired(c ratelimit.Counter, now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

func isConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
