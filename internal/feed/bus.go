package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// Collection names a store collection whose snapshot can change.
type Collection string

const (
	CollectionExams     Collection = "exams"
	CollectionQuestions Collection = "questions"
	CollectionRecords   Collection = "records"
)

// Notice announces that a collection changed on some replica.
type Notice struct {
	Replica    string     `json:"replica"`
	Collection Collection `json:"collection"`
	At         time.Time  `json:"at"`
}

// Bus carries change notices between replicas sharing one database.
type Bus interface {
	Publish(ctx context.Context, c Collection) error
	StartForwarder(ctx context.Context, onChange func(Collection)) error
	Close() error
}

// NopBus is used when no replica bus is configured.
type NopBus struct{}

func (NopBus) Publish(context.Context, Collection) error { return nil }

func (NopBus) StartForwarder(context.Context, func(Collection)) error { return nil }

func (NopBus) Close() error { return nil }

// RedisBus publishes notices on a Redis pub/sub channel. Notices sent by
// this replica are ignored on receipt.
type RedisBus struct {
	rdb     *goredis.Client
	channel string
	replica string
}

// NewRedisBus connects to addr and checks the connection.
func NewRedisBus(ctx context.Context, addr, channel string) (*RedisBus, error) {
	if addr == "" {
		return nil, errors.New("redis address required")
	}
	if channel == "" {
		channel = "proctor:changes"
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisBus(rdb, channel), nil
}

func newRedisBus(rdb *goredis.Client, channel string) *RedisBus {
	return &RedisBus{rdb: rdb, channel: channel, replica: uuid.NewString()}
}

// Replica returns this replica's id.
func (b *RedisBus) Replica() string {
	return b.replica
}

// Publish announces a change of c to the other replicas.
func (b *RedisBus) Publish(ctx context.Context, c Collection) error {
	raw, err := json.Marshal(Notice{Replica: b.replica, Collection: c, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

// StartForwarder subscribes to the channel and calls onChange for each notice
// from another replica until ctx is done.
func (b *RedisBus) StartForwarder(ctx context.Context, onChange func(Collection)) error {
	if onChange == nil {
		return errors.New("onChange callback required")
	}
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				n, err := decodeNotice(m.Payload)
				if err != nil {
					slog.Warn("bad change notice", "error", err)
					continue
				}
				if n.Replica == b.replica {
					continue
				}
				slog.Debug("change notice received", "collection", n.Collection, "replica", n.Replica)
				onChange(n.Collection)
			}
		}
	}()
	return nil
}

// Close closes the Redis client.
func (b *RedisBus) Close() error {
	return b.rdb.Close()
}

func decodeNotice(payload string) (Notice, error) {
	var n Notice
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return Notice{}, err
	}
	switch n.Collection {
	case CollectionExams, CollectionQuestions, CollectionRecords:
		return n, nil
	}
	return Notice{}, fmt.Errorf("unknown collection %q", n.Collection)
}
