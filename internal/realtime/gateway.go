package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/subastahub/liveauction/internal/auction"
	"github.com/subastahub/liveauction/internal/bidding"
	"github.com/subastahub/liveauction/internal/stream"
)

// BidEngine validates and commits bid proposals.
type BidEngine interface {
	PlaceBid(ctx context.Context, p bidding.Proposal) (*bidding.Result, error)
}

// BidArchiver receives committed bids for durable downstream processing.
type BidArchiver interface {
	PublishBidPlaced(ctx context.Context, ev stream.BidEvent) error
}

// Gateway owns the realtime session lifecycle: the HELLO handshake, room
// membership, bid dispatch and broadcast fan-out. Message handlers run to
// completion on their connection's read loop.
type Gateway struct {
	registry *SessionRegistry
	rooms    *RoomManager
	engine   BidEngine
	archiver BidArchiver
	clock    clockwork.Clock

	bidTimeout time.Duration
}

// NewGateway creates a gateway over the given bid engine. archiver may be
// nil when no event stream is configured.
func NewGateway(engine BidEngine, archiver BidArchiver) *Gateway {
	return &Gateway{
		registry:   NewSessionRegistry(),
		rooms:      NewRoomManager(),
		engine:     engine,
		archiver:   archiver,
		clock:      clockwork.NewRealClock(),
		bidTimeout: 10 * time.Second,
	}
}

// WithClock replaces the gateway clock. Intended for tests.
func (g *Gateway) WithClock(clock clockwork.Clock) *Gateway {
	g.clock = clock
	return g
}

// Registry exposes the session registry to the heartbeat monitor.
func (g *Gateway) Registry() *SessionRegistry { return g.registry }

// register admits an upgraded connection into the session table and sends
// the transport-level greeting.
func (g *Gateway) register(conn *Connection) {
	g.registry.Add(conn)
	conn.SendEvent(EventConnected, connectedData{
		Message: "connected",
		Email:   conn.Identity().Email,
	})
	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", conn.Identity().UserID).
		Str("tenant_id", conn.Identity().TenantID).
		Msg("connection established")
}

// disconnect removes a connection from the session table and its room. It
// is the single cleanup path for graceful closes and heartbeat
// terminations alike; remaining room members see the updated count.
func (g *Gateway) disconnect(conn *Connection) {
	room, ok := g.registry.Remove(conn.ID)
	if !ok {
		return
	}
	conn.Terminate()

	if room != "" {
		remaining := g.rooms.Leave(conn, room)
		_, auctionID := splitRoomKey(room)
		g.rooms.Broadcast(room, EventParticipantCount, participantCountData{
			AuctionID: auctionID,
			Count:     remaining,
		}, nil)
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", conn.Identity().UserID).
		Msg("connection closed")
}

// dispatch routes one client frame. HELLO and PING are always allowed;
// everything else requires the completed handshake.
func (g *Gateway) dispatch(conn *Connection, frame []byte) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		conn.SendEvent(EventError, errorData{Code: CodeBadRequest, Message: "malformed frame"})
		return
	}

	switch env.Event {
	case EventHello:
		g.handleHello(conn, env.Data)
	case EventPing:
		g.handlePing(conn, env.Data)
	case EventJoinAuction:
		if !g.requireAuthenticated(conn) {
			return
		}
		g.handleJoin(conn, env.Data)
	case EventLeaveAuction:
		if !g.requireAuthenticated(conn) {
			return
		}
		g.handleLeave(conn, env.Data)
	case EventPlaceBid:
		if !g.requireAuthenticated(conn) {
			return
		}
		g.handlePlaceBid(conn, env.Data)
	default:
		conn.SendEvent(EventError, errorData{Code: CodeBadRequest, Message: "unknown event: " + env.Event})
	}
}

func (g *Gateway) requireAuthenticated(conn *Connection) bool {
	if conn.Authenticated() {
		return true
	}
	conn.SendEvent(EventError, errorData{Code: CodeNotAuthenticated, Message: "complete HELLO handshake first"})
	return false
}

// handleHello completes the application-level handshake. The token was
// already verified at upgrade; HELLO_OK gives the client a definite signal
// that per-connection state is initialized and domain messages may flow.
func (g *Gateway) handleHello(conn *Connection, data json.RawMessage) {
	var hello helloData
	if len(data) > 0 {
		_ = json.Unmarshal(data, &hello)
	}
	if len(hello.ClientInfo) > 0 {
		log.Debug().
			Str("connection_id", conn.ID).
			RawJSON("client_info", hello.ClientInfo).
			Msg("client hello")
	}

	conn.markAuthenticated()
	id := conn.Identity()
	conn.SendEvent(EventHelloOK, helloOKData{
		OK: true,
		User: userInfo{
			Email:    id.Email,
			Role:     string(id.Role),
			UserID:   id.UserID,
			TenantID: id.TenantID,
		},
	})
}

func (g *Gateway) handlePing(conn *Connection, data json.RawMessage) {
	var ping pingData
	if len(data) > 0 {
		_ = json.Unmarshal(data, &ping)
	}
	conn.SendEvent(EventPong, pongData{
		ServerTime: g.clock.Now().UnixMilli(),
		ClientTime: ping.ClientTime,
	})
}

func (g *Gateway) handleJoin(conn *Connection, data json.RawMessage) {
	var join joinData
	if err := json.Unmarshal(data, &join); err != nil || join.TenantID == "" || join.AuctionID == "" {
		conn.SendEvent(EventError, errorData{Code: CodeBadRequest, Message: "invalid JOIN_AUCTION payload"})
		return
	}
	if join.TenantID != conn.Identity().TenantID {
		conn.SendEvent(EventError, errorData{Code: CodeForbidden, Message: "tenant mismatch"})
		return
	}

	key := RoomKey(join.TenantID, join.AuctionID)

	// A connection is in at most one room: switching rooms emits LEFT for
	// the old room before JOINED for the new one.
	if prev, ok := g.registry.Room(conn.ID); ok && prev != key {
		g.leaveRoom(conn, prev)
	}

	count := g.rooms.Join(conn, key)
	g.registry.SetRoom(conn.ID, key)

	conn.SendEvent(EventJoined, joinedData{
		Room:             key,
		AuctionID:        join.AuctionID,
		ParticipantCount: count,
	})
	g.rooms.Broadcast(key, EventParticipantCount, participantCountData{
		AuctionID: join.AuctionID,
		Count:     count,
	}, conn)
}

func (g *Gateway) handleLeave(conn *Connection, data json.RawMessage) {
	var leave joinData
	if err := json.Unmarshal(data, &leave); err != nil {
		conn.SendEvent(EventError, errorData{Code: CodeBadRequest, Message: "invalid LEAVE_AUCTION payload"})
		return
	}

	key := RoomKey(leave.TenantID, leave.AuctionID)
	if current, ok := g.registry.Room(conn.ID); !ok || current != key {
		return
	}
	g.leaveRoom(conn, key)
}

// leaveRoom removes the connection from a room, notifies it with LEFT and
// the remaining members with the decremented count.
func (g *Gateway) leaveRoom(conn *Connection, roomKey string) {
	remaining := g.rooms.Leave(conn, roomKey)
	g.registry.SetRoom(conn.ID, "")

	_, auctionID := splitRoomKey(roomKey)
	conn.SendEvent(EventLeft, leftData{Room: roomKey, AuctionID: auctionID})
	g.rooms.Broadcast(roomKey, EventParticipantCount, participantCountData{
		AuctionID: auctionID,
		Count:     remaining,
	}, nil)
}

func (g *Gateway) handlePlaceBid(conn *Connection, data json.RawMessage) {
	var bid placeBidData
	if err := json.Unmarshal(data, &bid); err != nil || bid.AuctionID == "" || bid.AuctionItemID == "" {
		conn.SendEvent(EventError, errorData{Code: CodeBadRequest, Message: "invalid PLACE_BID payload"})
		return
	}
	id := conn.Identity()
	if bid.TenantID != id.TenantID {
		conn.SendEvent(EventError, errorData{Code: CodeForbidden, Message: "tenant mismatch"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.bidTimeout)
	defer cancel()

	result, err := g.engine.PlaceBid(ctx, bidding.Proposal{
		TenantID:  bid.TenantID,
		AuctionID: bid.AuctionID,
		ItemID:    bid.AuctionItemID,
		Amount:    bid.Amount,
		RequestID: bid.RequestID,
		UserID:    id.UserID,
		UserName:  id.Email,
	})
	if err != nil {
		// Rejections go to the sender only; the room never sees them.
		var rej *bidding.RejectionError
		if errors.As(err, &rej) {
			conn.SendEvent(EventBidRejected, bidRejectedData{
				Reason:    rej.Reason,
				Code:      rej.Code,
				NextValid: rej.NextValid,
			})
			return
		}
		log.Error().Err(err).Str("connection_id", conn.ID).Msg("bid dispatch failed")
		conn.SendEvent(EventError, errorData{Code: bidding.CodeInternal, Message: "bid could not be processed"})
		return
	}

	g.announceBid(bid.TenantID, result, bid.RequestID)
}

// announceBid fans out a committed bid to the auction room, the optional
// soft-close extension with it, and hands the record to the archiver.
func (g *Gateway) announceBid(tenantID string, result *bidding.Result, requestID string) {
	rec := result.Bid
	key := RoomKey(tenantID, rec.AuctionID)

	g.rooms.Broadcast(key, EventBidPlaced, bidPlacedData{
		TenantID:      tenantID,
		AuctionID:     rec.AuctionID,
		AuctionItemID: rec.ItemID,
		BidID:         rec.ID,
		Amount:        rec.Amount,
		UserID:        rec.UserID,
		UserName:      rec.UserName,
		Timestamp:     rec.CreatedAt,
		RequestID:     requestID,
	}, nil)

	if ext := result.Extension; ext != nil {
		g.rooms.Broadcast(key, EventAuctionTimeExtended, timeExtendedData{
			AuctionID:        ext.AuctionID,
			NewEndTime:       ext.NewEndTime,
			ExtensionSeconds: ext.ExtensionSeconds,
		}, nil)
	}

	if g.archiver != nil {
		// Archival is best effort and never blocks or fails the bid path.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := g.archiver.PublishBidPlaced(ctx, stream.BidEvent{
				BidID:     rec.ID,
				TenantID:  tenantID,
				AuctionID: rec.AuctionID,
				ItemID:    rec.ItemID,
				Amount:    rec.Amount,
				UserID:    rec.UserID,
				Timestamp: rec.CreatedAt,
			}); err != nil {
				log.Warn().Err(err).Str("bid_id", rec.ID).Msg("failed to archive bid event")
			}
		}()
	}
}

// ApplyStatusChange pushes an externally-originated auction status
// transition into the room, and announces terminal transitions tenant-wide.
func (g *Gateway) ApplyStatusChange(tenantID, auctionID string, status auction.Status) {
	key := RoomKey(tenantID, auctionID)
	g.rooms.Broadcast(key, EventAuctionStatusChanged, statusChangedData{
		AuctionID: auctionID,
		TenantID:  tenantID,
		Status:    string(status),
	}, nil)

	if status.Terminal() {
		g.BroadcastToTenant(tenantID, EventAuctionEnded, auctionEndedData{
			AuctionID: auctionID,
			TenantID:  tenantID,
		})
	}
}

// BroadcastToTenant sends an event to every connection of a tenant,
// regardless of room membership.
func (g *Gateway) BroadcastToTenant(tenantID, event string, data any) {
	fanout(g.registry.TenantConnections(tenantID), event, data, nil)
}

// Stats returns connection and room counts for the stats endpoint.
func (g *Gateway) Stats() (connections, rooms int) {
	return g.registry.Count(), g.rooms.RoomCount()
}

func splitRoomKey(key string) (tenantID, auctionID string) {
	tenantID, auctionID, _ = strings.Cut(key, ":")
	return tenantID, auctionID
}
