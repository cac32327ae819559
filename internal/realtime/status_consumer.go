package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/subastahub/liveauction/internal/auction"
)

// StatusConsumerConfig holds configuration for the JetStream consumer that
// feeds auction status transitions into the gateway.
type StatusConsumerConfig struct {
	URL           string
	StreamName    string
	ConsumerName  string
	SubjectFilter string
	MaxDeliver    int
	AckWait       time.Duration
	MaxAckPending int
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultStatusConsumerConfig returns default consumer configuration.
func DefaultStatusConsumerConfig() StatusConsumerConfig {
	return StatusConsumerConfig{
		URL:           nats.DefaultURL,
		StreamName:    "AUCTION_EVENTS",
		ConsumerName:  "auction-gateway",
		SubjectFilter: "auctions.status.>",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// StatusConsumer consumes auction status transitions published by the CRUD
// side and broadcasts them to connected clients.
type StatusConsumer struct {
	gateway  *Gateway
	nc       *nats.Conn
	consumer jetstream.Consumer
	config   StatusConsumerConfig
}

// NewStatusConsumer connects to NATS and binds the durable consumer.
func NewStatusConsumer(gateway *Gateway, config StatusConsumerConfig) (*StatusConsumer, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	sc := &StatusConsumer{gateway: gateway, nc: nc, config: config}
	if err := sc.ensureConsumer(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure consumer: %w", err)
	}
	return sc, nil
}

func (sc *StatusConsumer) ensureConsumer(ctx context.Context) error {
	js, err := jetstream.New(sc.nc)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     sc.config.StreamName,
		Subjects: []string{sc.config.SubjectFilter},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create/update stream: %w", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          sc.config.ConsumerName,
		Durable:       sc.config.ConsumerName,
		Description:   "Auction gateway status consumer",
		FilterSubject: sc.config.SubjectFilter,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    sc.config.MaxDeliver,
		AckWait:       sc.config.AckWait,
		MaxAckPending: sc.config.MaxAckPending,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	sc.consumer = consumer
	return nil
}

// Start consumes status events until the context is cancelled.
func (sc *StatusConsumer) Start(ctx context.Context) error {
	log.Info().
		Str("consumer", sc.config.ConsumerName).
		Str("stream", sc.config.StreamName).
		Msg("starting status consumer")

	consumeCtx, err := sc.consumer.Consume(func(msg jetstream.Msg) {
		if err := sc.processMessage(msg); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject()).Msg("failed to process status event")
			if nakErr := msg.Nak(); nakErr != nil {
				log.Error().Err(nakErr).Msg("failed to NAK message")
			}
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			log.Error().Err(ackErr).Msg("failed to ACK message")
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}

	<-ctx.Done()
	consumeCtx.Stop()
	log.Info().Msg("status consumer shutting down")
	return nil
}

func (sc *StatusConsumer) processMessage(msg jetstream.Msg) error {
	var envelope struct {
		TenantID  string    `json:"tenantId"`
		AuctionID string    `json:"auctionId"`
		Status    string    `json:"status"`
		Timestamp time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(msg.Data(), &envelope); err != nil {
		return fmt.Errorf("unmarshal status envelope: %w", err)
	}
	if envelope.AuctionID == "" || envelope.Status == "" {
		return fmt.Errorf("incomplete status envelope on %s", msg.Subject())
	}

	log.Info().
		Str("auction_id", envelope.AuctionID).
		Str("tenant_id", envelope.TenantID).
		Str("status", envelope.Status).
		Msg("auction status changed")

	sc.gateway.ApplyStatusChange(envelope.TenantID, envelope.AuctionID, auction.Status(envelope.Status))
	return nil
}

// Stop closes the NATS connection.
func (sc *StatusConsumer) Stop() {
	if sc.nc != nil {
		sc.nc.Close()
	}
}
