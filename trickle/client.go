package trickle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/trickle/media"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// SessionID correlates both directions. Defaults to a random UUID.
	SessionID string

	Subscribe Endpoint
	Publish   Endpoint

	Subscriber SubscriberConfig
	// Publisher.Endpoint is replaced by Publish.
	Publisher PublisherConfig

	Log *slog.Logger
}

// Client pairs a Subscriber and a Publisher under one session, for callers
// that round-trip a stream through a remote processing service.
type Client struct {
	session string
	subEP   Endpoint
	sub     *Subscriber
	pub     *Publisher
	log     *slog.Logger
}

// NewClient creates both halves of a client. Nothing is started until
// Start or the first Publish.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	log := cfg.Log.With("session", cfg.SessionID)

	cfg.Subscribe.Session = cfg.SessionID
	cfg.Publish.Session = cfg.SessionID

	if cfg.Subscriber.Log == nil {
		cfg.Subscriber.Log = log
	}
	sub, err := NewSubscriber(cfg.Subscriber)
	if err != nil {
		return nil, err
	}

	cfg.Publisher.Endpoint = cfg.Publish
	if cfg.Publisher.Log == nil {
		cfg.Publisher.Log = log
	}
	pub, err := NewPublisher(cfg.Publisher)
	if err != nil {
		return nil, err
	}

	return &Client{
		session: cfg.SessionID,
		subEP:   cfg.Subscribe,
		sub:     sub,
		pub:     pub,
		log:     log.With("component", "client"),
	}, nil
}

// SessionID returns the session shared by both directions.
func (c *Client) SessionID() string { return c.session }

// Subscriber returns the inbound half.
func (c *Client) Subscriber() *Subscriber { return c.sub }

// Publisher returns the outbound half.
func (c *Client) Publisher() *Publisher { return c.pub }

// Start subscribes to the inbound stream.
func (c *Client) Start(ctx context.Context) error {
	c.log.Info("starting", "subscribe", c.subEP.URL)
	return c.sub.Subscribe(ctx, c.subEP)
}

// Next returns the next inbound frame.
func (c *Client) Next(ctx context.Context) (media.InputFrame, error) {
	return c.sub.Next(ctx)
}

// Publish enqueues an outbound frame.
func (c *Client) Publish(ctx context.Context, out media.OutputFrame) error {
	return c.pub.Publish(ctx, out)
}

// Stop unsubscribes and drains the publisher.
func (c *Client) Stop(ctx context.Context) error {
	c.log.Info("stopping")
	return errors.Join(c.sub.Unsubscribe(), c.pub.Stop(ctx))
}

// Fixed SimpleClient settings.
const (
	simpleReadAhead       = 8
	simpleMaxAttempts     = 3
	simpleSegmentFrames   = 8
	simpleBackoffInitial  = 250 * time.Millisecond
	simpleBackoffMax      = 2 * time.Second
	simpleBackoffMultiple = 2
)

// SimpleClient is a Client with fixed buffering and backoff settings.
type SimpleClient struct {
	*Client
}

// NewSimpleClient creates a client for the common case: HTTP transport,
// a read-ahead of 8 frames, 8-frame segments and 3 reconnect attempts
// backing off from 250ms to 2s.
func NewSimpleClient(subscribeURL, publishURL string) (*SimpleClient, error) {
	backoff := Backoff{Initial: simpleBackoffInitial, Max: simpleBackoffMax, Multiplier: simpleBackoffMultiple}
	c, err := NewClient(ClientConfig{
		Subscribe: Endpoint{URL: subscribeURL},
		Publish:   Endpoint{URL: publishURL},
		Subscriber: SubscriberConfig{
			ReadAhead:   simpleReadAhead,
			MaxAttempts: simpleMaxAttempts,
			Backoff:     backoff,
		},
		Publisher: PublisherConfig{
			SegmentTargetFrames: simpleSegmentFrames,
			RetryBackoff:        backoff,
		},
	})
	if err != nil {
		return nil, err
	}
	return &SimpleClient{Client: c}, nil
}
