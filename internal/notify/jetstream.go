package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStream is the subset of jetstream.JetStream used for publishing.
type JetStream interface {
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// StreamOptions configures the status stream.
type StreamOptions struct {
	// Stream is the JetStream stream name. Empty skips stream creation.
	Stream string

	// Prefix is the subject prefix captured by the stream.
	Prefix string

	// RetryAttempts is the number of publish retries. 0 means none.
	RetryAttempts int
}

// JetStreamPublisher implements Publisher on NATS JetStream.
type JetStreamPublisher struct {
	js   JetStream
	nc   *nats.Conn
	opts StreamOptions
}

var _ Publisher = (*JetStreamPublisher)(nil)

// natsConnect and jetStreamNew are injectable for tests.
var (
	natsConnect  = func(url string) (*nats.Conn, error) { return nats.Connect(url, nats.Name("mongoriver")) }
	jetStreamNew = func(nc *nats.Conn) (JetStream, error) { return jetstream.New(nc) }
)

// Connect dials url and prepares the status stream.
func Connect(ctx context.Context, url string, opts StreamOptions) (*JetStreamPublisher, error) {
	nc, err := natsConnect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	js, err := jetStreamNew(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream: %w", err)
	}
	p, err := NewJetStreamPublisher(ctx, js, opts)
	if err != nil {
		nc.Close()
		return nil, err
	}
	p.nc = nc
	return p, nil
}

// NewJetStreamPublisher ensures the stream exists and returns a publisher on js.
func NewJetStreamPublisher(ctx context.Context, js JetStream, opts StreamOptions) (*JetStreamPublisher, error) {
	if js == nil {
		return nil, errors.New("jetstream cannot be nil")
	}

	if opts.Stream != "" {
		subject := opts.Stream + ".>"
		if opts.Prefix != "" {
			subject = opts.Prefix + ".>"
		}
		_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     opts.Stream,
			Subjects: []string{subject},
			Storage:  jetstream.FileStorage,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to ensure stream: %w", err)
		}
	}
	return &JetStreamPublisher{js: js, opts: opts}, nil
}

// Publish sends data to subject.
func (p *JetStreamPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	var publishOpts []jetstream.PublishOpt
	if p.opts.RetryAttempts > 0 {
		publishOpts = append(publishOpts, jetstream.WithRetryAttempts(p.opts.RetryAttempts))
	}
	if _, err := p.js.Publish(ctx, subject, data, publishOpts...); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Close drains and closes the connection when the publisher owns one.
func (p *JetStreamPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	err := p.nc.Drain()
	p.nc = nil
	return err
}
