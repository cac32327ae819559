package main

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/subastahub/liveauction/internal/auction"
	"github.com/subastahub/liveauction/internal/auth"
	"github.com/subastahub/liveauction/internal/bidding"
	"github.com/subastahub/liveauction/internal/realtime"
	"github.com/subastahub/liveauction/internal/stream"
)

// Services holds the wired application graph.
type Services struct {
	Gateway   *realtime.Gateway
	Handler   *realtime.Handler
	Heartbeat *realtime.HeartbeatMonitor
	Consumer  *realtime.StatusConsumer

	nc *nats.Conn
}

func setupServices(database *sql.DB, config *Config, jwtSecret string) (*Services, error) {
	// Wiring order: store, engine, stream, gateway, transport.
	store := auction.NewSQLStore(database)

	bidCfg := bidding.DefaultConfig()
	if config.Bidding.SoftCloseWindowSeconds > 0 {
		bidCfg.SoftCloseWindow = time.Duration(config.Bidding.SoftCloseWindowSeconds) * time.Second
	}
	if config.Bidding.SoftCloseExtensionSeconds > 0 {
		bidCfg.SoftCloseExtension = time.Duration(config.Bidding.SoftCloseExtensionSeconds) * time.Second
	}
	engine := bidding.NewEngine(store, bidCfg)

	services := &Services{}

	var archiver realtime.BidArchiver
	if config.NATS.Enabled {
		natsURL := getEnv("NATS_URL", nats.DefaultURL)
		nc, err := nats.Connect(natsURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("connect to NATS: %w", err)
		}
		services.nc = nc

		publisher, err := stream.NewPublisher(nc, stream.DefaultPublisherConfig())
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("setup bid publisher: %w", err)
		}
		archiver = publisher
	}

	gateway := realtime.NewGateway(engine, archiver)

	connCfg := realtime.DefaultConnectionConfig()
	if config.Realtime.SendBufferSize > 0 {
		connCfg.SendBufferSize = config.Realtime.SendBufferSize
	}
	if config.Realtime.MaxMessageSize > 0 {
		connCfg.MaxMessageSize = config.Realtime.MaxMessageSize
	}
	if config.Realtime.ReadTimeoutSeconds > 0 {
		connCfg.ReadTimeout = time.Duration(config.Realtime.ReadTimeoutSeconds) * time.Second
	}
	if config.Realtime.WriteTimeoutSeconds > 0 {
		connCfg.WriteTimeout = time.Duration(config.Realtime.WriteTimeoutSeconds) * time.Second
	}

	verifier, err := auth.NewVerifier(jwtSecret)
	if err != nil {
		services.Close()
		return nil, fmt.Errorf("setup token verifier: %w", err)
	}
	services.Gateway = gateway
	services.Handler = realtime.NewHandler(gateway, verifier, connCfg)
	services.Heartbeat = realtime.NewHeartbeatMonitor(gateway, config.heartbeatInterval())

	if config.NATS.Enabled {
		consumerCfg := realtime.DefaultStatusConsumerConfig()
		consumerCfg.URL = getEnv("NATS_URL", nats.DefaultURL)
		if config.NATS.StreamName != "" {
			consumerCfg.StreamName = config.NATS.StreamName
		}
		if config.NATS.ConsumerName != "" {
			consumerCfg.ConsumerName = config.NATS.ConsumerName
		}
		if config.NATS.SubjectFilter != "" {
			consumerCfg.SubjectFilter = config.NATS.SubjectFilter
		}
		consumer, err := realtime.NewStatusConsumer(gateway, consumerCfg)
		if err != nil {
			services.Close()
			return nil, fmt.Errorf("setup status consumer: %w", err)
		}
		services.Consumer = consumer
	}

	return services, nil
}

// Close releases external connections held by the service graph.
func (s *Services) Close() {
	if s.Consumer != nil {
		s.Consumer.Stop()
	}
	if s.nc != nil {
		s.nc.Close()
	}
}
