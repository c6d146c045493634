package scrape

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/chenjianrui-111/trend-agent/pkg/source"
)

// ResultMessage carries one job outcome from the executing instance to the owner.
type ResultMessage struct {
	JobID  string        `json:"job_id"`
	Source string        `json:"source"`
	OK     bool          `json:"ok"`
	Items  []source.Item `json:"items,omitempty"`
	Error  string        `json:"error,omitempty"`
	Kind   Kind          `json:"kind,omitempty"`
}

func okMessage(jobID, src string, items []source.Item) ResultMessage {
	return ResultMessage{JobID: jobID, Source: src, OK: true, Items: items}
}

func errMessage(jobID, src string, err error) ResultMessage {
	se := classify(src, err)
	return ResultMessage{JobID: jobID, Source: src, Error: se.Err.Error(), Kind: se.Kind}
}

// outcome turns a received message back into items or a classified error.
func (m ResultMessage) outcome() ([]source.Item, error) {
	if m.OK {
		return m.Items, nil
	}
	kind := m.Kind
	if kind == "" {
		kind = KindUpstream
	}
	msg := m.Error
	if msg == "" {
		msg = "scrape failed"
	}
	return nil, newError(kind, m.Source, errors.New(msg))
}

// ResultBus routes job results to the instance that owns the job.
type ResultBus interface {
	Publish(ctx context.Context, owner string, msg ResultMessage) error
	// Subscribe delivers messages addressed to owner until the returned stop func runs.
	// The subscription is active when Subscribe returns.
	Subscribe(ctx context.Context, owner string, handle func(ResultMessage)) (stop func() error, err error)
}

// RedisBus delivers results over Redis pub/sub on "<prefix>:results:<owner>".
type RedisBus struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ ResultBus = (*RedisBus)(nil)

func NewRedisBus(rdb redis.UniversalClient, prefix string) *RedisBus {
	return &RedisBus{rdb: rdb, prefix: prefix}
}

func (b *RedisBus) channel(owner string) string {
	return b.prefix + ":results:" + owner
}

func (b *RedisBus) Publish(ctx context.Context, owner string, msg ResultMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel(owner), data).Err(); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, owner string, handle func(ResultMessage)) (func() error, error) {
	ps := b.rdb.Subscribe(ctx, b.channel(owner))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe results: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for m := range ps.Channel() {
			var msg ResultMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil || msg.JobID == "" {
				continue
			}
			handle(msg)
		}
	}()

	return func() error {
		err := ps.Close()
		<-done
		return err
	}, nil
}

// NATSBus delivers results on the NATS subject "<prefix>.results.<owner>".
type NATSBus struct {
	nc     *nats.Conn
	prefix string
}

var _ ResultBus = (*NATSBus)(nil)

func NewNATSBus(nc *nats.Conn, prefix string) *NATSBus {
	return &NATSBus{nc: nc, prefix: strings.ReplaceAll(prefix, ":", ".")}
}

func (b *NATSBus) subject(owner string) string {
	return b.prefix + ".results." + owner
}

func (b *NATSBus) Publish(_ context.Context, owner string, msg ResultMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := b.nc.Publish(b.subject(owner), data); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}
	return nil
}

func (b *NATSBus) Subscribe(_ context.Context, owner string, handle func(ResultMessage)) (func() error, error) {
	sub, err := b.nc.Subscribe(b.subject(owner), func(m *nats.Msg) {
		var msg ResultMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil || msg.JobID == "" {
			return
		}
		handle(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe results: %w", err)
	}
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}
	return sub.Unsubscribe, nil
}
