// Package publish streams evaluation results over NATS with OpenTelemetry
// trace propagation.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/bbiangul/hybrideval/eval"
)

// DefaultPrefix is the subject prefix; results go to <prefix>.<variant>.
const DefaultPrefix = "eval.results"

// headerCarrier adapts nats.Msg headers for the OTel TextMapCarrier.
type headerCarrier nats.Msg

func (c *headerCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *headerCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// Publisher publishes variant results. It implements eval.Publisher.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	owned  bool
}

// Connect dials url and returns a Publisher owning the connection.
func Connect(url, prefix string, opts ...nats.Option) (*Publisher, error) {
	opts = append([]nats.Option{nats.Name("hybrideval"), nats.Timeout(5 * time.Second)}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	p := New(nc, prefix)
	p.owned = true
	return p, nil
}

// New wraps an existing connection. An empty prefix means DefaultPrefix.
func New(nc *nats.Conn, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Publisher{nc: nc, prefix: prefix}
}

// Subject returns the subject results of variant are published on.
func (p *Publisher) Subject(variant string) string {
	return p.prefix + "." + variant
}

// Publish serializes r as JSON and publishes it on the variant's subject,
// injecting the trace context of ctx into the message headers.
func (p *Publisher) Publish(ctx context.Context, r eval.VariantResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	msg := &nats.Msg{Subject: p.Subject(r.Variant), Data: data}
	otel.GetTextMapPropagator().Inject(ctx, (*headerCarrier)(msg))
	return p.nc.PublishMsg(msg)
}

// Close drains the connection when the Publisher owns it, otherwise it
// flushes pending messages.
func (p *Publisher) Close() error {
	if p.owned {
		return p.nc.Drain()
	}
	return p.nc.Flush()
}

// Subscribe delivers decoded results published under subject, which may
// contain wildcards (e.g. "eval.results.>"). The trace context is
// extracted from the headers. Malformed messages are dropped.
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, eval.VariantResult)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		var r eval.VariantResult
		if err := json.Unmarshal(msg.Data, &r); err != nil {
			return
		}
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*headerCarrier)(msg))
		handler(ctx, r)
	})
}
