// Package stream publishes committed bid events to NATS JetStream for
// archival and downstream consumers. The write path of the bid engine never
// depends on it.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// BidEvent is the archival record of a committed bid.
type BidEvent struct {
	BidID     string    `json:"bidId"`
	TenantID  string    `json:"tenantId"`
	AuctionID string    `json:"auctionId"`
	ItemID    string    `json:"auctionItemId"`
	Amount    int64     `json:"amount"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// PublisherConfig holds JetStream publisher settings.
type PublisherConfig struct {
	StreamName    string
	SubjectPrefix string
	MaxAge        time.Duration
}

// DefaultPublisherConfig returns default publisher configuration.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		StreamName:    "BID_EVENTS",
		SubjectPrefix: "bids.placed",
		MaxAge:        24 * time.Hour,
	}
}

// Publisher writes bid events to a JetStream stream.
type Publisher struct {
	js     jetstream.JetStream
	config PublisherConfig
}

// NewPublisher creates a publisher and ensures the stream exists.
func NewPublisher(nc *nats.Conn, config PublisherConfig) (*Publisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        config.StreamName,
		Description: "Committed auction bids",
		Subjects:    []string{config.SubjectPrefix + ".>"},
		Storage:     jetstream.FileStorage,
		MaxAge:      config.MaxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update stream %s: %w", config.StreamName, err)
	}

	log.Info().Str("stream", config.StreamName).Msg("bid event stream ready")
	return &Publisher{js: js, config: config}, nil
}

// PublishBidPlaced persists a bid event to the stream. The publish waits
// for the server acknowledgment so the event is durable before returning.
func (p *Publisher) PublishBidPlaced(ctx context.Context, ev BidEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal bid event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", p.config.SubjectPrefix, ev.AuctionID)
	ack, err := p.js.Publish(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}

	log.Debug().
		Str("subject", subject).
		Uint64("seq", ack.Sequence).
		Str("bid_id", ev.BidID).
		Msg("bid event published")
	return nil
}
