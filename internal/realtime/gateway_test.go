package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/subastahub/liveauction/internal/auction"
	"github.com/subastahub/liveauction/internal/auth"
	"github.com/subastahub/liveauction/internal/bidding"
)

type stubEngine struct {
	result *bidding.Result
	err    error
	calls  []bidding.Proposal
}

func (s *stubEngine) PlaceBid(ctx context.Context, p bidding.Proposal) (*bidding.Result, error) {
	s.calls = append(s.calls, p)
	return s.result, s.err
}

func testConn(tenant, user string) *Connection {
	cfg := DefaultConnectionConfig()
	cfg.SendBufferSize = 32
	return newConnection(nil, auth.Identity{
		UserID:   user,
		Email:    user + "@example.com",
		Role:     auth.RoleUser,
		TenantID: tenant,
	}, cfg)
}

func frame(t *testing.T, event string, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal %s: %v", event, err)
	}
	out, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return out
}

// recv pops the next queued frame for a connection.
func recv(t *testing.T, conn *Connection) Envelope {
	t.Helper()
	select {
	case raw := <-conn.send:
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("no frame queued")
		return Envelope{}
	}
}

func expectEvent(t *testing.T, conn *Connection, event string) Envelope {
	t.Helper()
	env := recv(t, conn)
	if env.Event != event {
		t.Fatalf("event = %s, want %s (data: %s)", env.Event, event, env.Data)
	}
	return env
}

func expectNothing(t *testing.T, conn *Connection) {
	t.Helper()
	select {
	case raw := <-conn.send:
		t.Fatalf("unexpected frame: %s", raw)
	default:
	}
}

func decode[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("decode %s data: %v", env.Event, err)
	}
	return v
}

// handshake registers a connection and completes HELLO, draining the
// CONNECTED and HELLO_OK frames.
func handshake(t *testing.T, g *Gateway, conn *Connection) {
	t.Helper()
	g.register(conn)
	expectEvent(t, conn, EventConnected)
	g.dispatch(conn, frame(t, EventHello, struct{}{}))
	expectEvent(t, conn, EventHelloOK)
}

func join(t *testing.T, g *Gateway, conn *Connection, tenant, auctionID string) {
	t.Helper()
	g.dispatch(conn, frame(t, EventJoinAuction, joinData{TenantID: tenant, AuctionID: auctionID}))
	expectEvent(t, conn, EventJoined)
}

func TestHelloHandshake(t *testing.T) {
	g := NewGateway(&stubEngine{}, nil)
	conn := testConn("tenant-1", "user-1")
	g.register(conn)

	env := expectEvent(t, conn, EventConnected)
	connected := decode[connectedData](t, env)
	if connected.Email != "user-1@example.com" {
		t.Fatalf("email = %s", connected.Email)
	}

	g.dispatch(conn, frame(t, EventHello, struct{}{}))
	env = expectEvent(t, conn, EventHelloOK)
	ok := decode[helloOKData](t, env)
	if !ok.OK || ok.User.UserID != "user-1" || ok.User.TenantID != "tenant-1" || ok.User.Role != "USER" {
		t.Fatalf("unexpected HELLO_OK payload: %+v", ok)
	}
}

func TestDomainMessagesRequireHandshake(t *testing.T) {
	engine := &stubEngine{}
	g := NewGateway(engine, nil)
	conn := testConn("tenant-1", "user-1")
	g.register(conn)
	expectEvent(t, conn, EventConnected)

	for _, event := range []string{EventJoinAuction, EventLeaveAuction, EventPlaceBid} {
		g.dispatch(conn, frame(t, event, joinData{TenantID: "tenant-1", AuctionID: "auc-1"}))
		env := expectEvent(t, conn, EventError)
		errData := decode[errorData](t, env)
		if errData.Code != CodeNotAuthenticated {
			t.Fatalf("%s before HELLO: code = %s, want NOT_AUTHENTICATED", event, errData.Code)
		}
	}
	if len(engine.calls) != 0 {
		t.Fatal("engine must not see proposals from unauthenticated connections")
	}
	if g.rooms.RoomCount() != 0 {
		t.Fatal("no room may be created before the handshake")
	}
}

func TestJoinAndParticipantCount(t *testing.T) {
	g := NewGateway(&stubEngine{}, nil)
	a := testConn("tenant-1", "alice")
	b := testConn("tenant-1", "bob")
	handshake(t, g, a)
	handshake(t, g, b)

	g.dispatch(a, frame(t, EventJoinAuction, joinData{TenantID: "tenant-1", AuctionID: "auc-1"}))
	joined := decode[joinedData](t, expectEvent(t, a, EventJoined))
	if joined.ParticipantCount != 1 || joined.AuctionID != "auc-1" {
		t.Fatalf("unexpected JOINED: %+v", joined)
	}

	g.dispatch(b, frame(t, EventJoinAuction, joinData{TenantID: "tenant-1", AuctionID: "auc-1"}))
	if joined := decode[joinedData](t, expectEvent(t, b, EventJoined)); joined.ParticipantCount != 2 {
		t.Fatalf("second JOINED count = %d, want 2", joined.ParticipantCount)
	}

	// The rest of the room sees the updated count; the joiner does not get
	// a duplicate.
	count := decode[participantCountData](t, expectEvent(t, a, EventParticipantCount))
	if count.Count != 2 || count.AuctionID != "auc-1" {
		t.Fatalf("unexpected PARTICIPANT_COUNT: %+v", count)
	}
	expectNothing(t, b)
}

func TestJoinTenantMismatchForbidden(t *testing.T) {
	g := NewGateway(&stubEngine{}, nil)
	conn := testConn("tenant-1", "alice")
	handshake(t, g, conn)

	g.dispatch(conn, frame(t, EventJoinAuction, joinData{TenantID: "tenant-2", AuctionID: "auc-1"}))
	errData := decode[errorData](t, expectEvent(t, conn, EventError))
	if errData.Code != CodeForbidden {
		t.Fatalf("code = %s, want FORBIDDEN", errData.Code)
	}
	if g.rooms.RoomCount() != 0 {
		t.Fatal("forbidden join must not create a room")
	}
}

func TestRoomMembershipExclusivity(t *testing.T) {
	g := NewGateway(&stubEngine{}, nil)
	conn := testConn("tenant-1", "alice")
	handshake(t, g, conn)
	join(t, g, conn, "tenant-1", "auc-1")

	// Joining a second auction leaves the first: LEFT(A) strictly before
	// JOINED(B), and membership never overlaps.
	g.dispatch(conn, frame(t, EventJoinAuction, joinData{TenantID: "tenant-1", AuctionID: "auc-2"}))

	left := decode[leftData](t, expectEvent(t, conn, EventLeft))
	if left.AuctionID != "auc-1" {
		t.Fatalf("LEFT auction = %s, want auc-1", left.AuctionID)
	}
	joined := decode[joinedData](t, expectEvent(t, conn, EventJoined))
	if joined.AuctionID != "auc-2" {
		t.Fatalf("JOINED auction = %s, want auc-2", joined.AuctionID)
	}

	if got := g.rooms.Count(RoomKey("tenant-1", "auc-1")); got != 0 {
		t.Fatalf("old room count = %d, want 0", got)
	}
	if got := g.rooms.Count(RoomKey("tenant-1", "auc-2")); got != 1 {
		t.Fatalf("new room count = %d, want 1", got)
	}
}

func TestLeaveAuction(t *testing.T) {
	g := NewGateway(&stubEngine{}, nil)
	a := testConn("tenant-1", "alice")
	b := testConn("tenant-1", "bob")
	handshake(t, g, a)
	handshake(t, g, b)
	join(t, g, a, "tenant-1", "auc-1")
	join(t, g, b, "tenant-1", "auc-1")
	expectEvent(t, a, EventParticipantCount)

	g.dispatch(a, frame(t, EventLeaveAuction, joinData{TenantID: "tenant-1", AuctionID: "auc-1"}))
	expectEvent(t, a, EventLeft)

	count := decode[participantCountData](t, expectEvent(t, b, EventParticipantCount))
	if count.Count != 1 {
		t.Fatalf("count after leave = %d, want 1", count.Count)
	}
}

func TestDisconnectCleansUpRoom(t *testing.T) {
	g := NewGateway(&stubEngine{}, nil)
	a := testConn("tenant-1", "alice")
	b := testConn("tenant-1", "bob")
	handshake(t, g, a)
	handshake(t, g, b)
	join(t, g, a, "tenant-1", "auc-1")
	join(t, g, b, "tenant-1", "auc-1")
	expectEvent(t, a, EventParticipantCount)

	g.disconnect(a)

	count := decode[participantCountData](t, expectEvent(t, b, EventParticipantCount))
	if count.Count != 1 {
		t.Fatalf("count after disconnect = %d, want 1", count.Count)
	}
	if g.registry.Count() != 1 {
		t.Fatalf("registry count = %d, want 1", g.registry.Count())
	}

	// Disconnect is idempotent: the cleanup path runs once.
	g.disconnect(a)
	expectNothing(t, b)
}

func TestPlaceBidBroadcastsToRoom(t *testing.T) {
	committed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	engine := &stubEngine{
		result: &bidding.Result{Bid: auction.BidRecord{
			ID:        "bid-1",
			AuctionID: "auc-1",
			ItemID:    "item-1",
			Amount:    105000,
			UserID:    "alice",
			UserName:  "alice@example.com",
			CreatedAt: committed,
		}},
	}
	g := NewGateway(engine, nil)
	a := testConn("tenant-1", "alice")
	b := testConn("tenant-1", "bob")
	handshake(t, g, a)
	handshake(t, g, b)
	join(t, g, a, "tenant-1", "auc-1")
	join(t, g, b, "tenant-1", "auc-1")
	expectEvent(t, a, EventParticipantCount)

	g.dispatch(a, frame(t, EventPlaceBid, placeBidData{
		TenantID:      "tenant-1",
		AuctionID:     "auc-1",
		AuctionItemID: "item-1",
		Amount:        105000,
		RequestID:     "req-77",
	}))

	for _, conn := range []*Connection{a, b} {
		placed := decode[bidPlacedData](t, expectEvent(t, conn, EventBidPlaced))
		if placed.BidID != "bid-1" || placed.Amount != 105000 || placed.RequestID != "req-77" {
			t.Fatalf("unexpected BID_PLACED: %+v", placed)
		}
		if !placed.Timestamp.Equal(committed) {
			t.Fatalf("timestamp = %v, want %v", placed.Timestamp, committed)
		}
	}

	if len(engine.calls) != 1 {
		t.Fatalf("engine calls = %d, want 1", len(engine.calls))
	}
	if p := engine.calls[0]; p.UserID != "alice" || p.ItemID != "item-1" || p.RequestID != "req-77" {
		t.Fatalf("unexpected proposal: %+v", p)
	}
}

func TestPlaceBidRejectionGoesToSenderOnly(t *testing.T) {
	engine := &stubEngine{
		err: &bidding.RejectionError{
			Code:      bidding.CodeBidTooLow,
			Reason:    bidding.ReasonBelowMin,
			NextValid: 110000,
		},
	}
	g := NewGateway(engine, nil)
	a := testConn("tenant-1", "alice")
	b := testConn("tenant-1", "bob")
	handshake(t, g, a)
	handshake(t, g, b)
	join(t, g, a, "tenant-1", "auc-1")
	join(t, g, b, "tenant-1", "auc-1")
	expectEvent(t, a, EventParticipantCount)

	g.dispatch(a, frame(t, EventPlaceBid, placeBidData{
		TenantID:      "tenant-1",
		AuctionID:     "auc-1",
		AuctionItemID: "item-1",
		Amount:        103000,
		RequestID:     "req-1",
	}))

	rejected := decode[bidRejectedData](t, expectEvent(t, a, EventBidRejected))
	if rejected.Reason != "BELOW_MIN" || rejected.Code != "BID_TOO_LOW" || rejected.NextValid != 110000 {
		t.Fatalf("unexpected BID_REJECTED: %+v", rejected)
	}
	expectNothing(t, b)
}

func TestPlaceBidWithExtensionBroadcastsBoth(t *testing.T) {
	newEnd := time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC)
	engine := &stubEngine{
		result: &bidding.Result{
			Bid: auction.BidRecord{ID: "bid-1", AuctionID: "auc-1", ItemID: "item-1", Amount: 1000, UserID: "alice"},
			Extension: &bidding.Extension{
				AuctionID:        "auc-1",
				NewEndTime:       newEnd,
				ExtensionSeconds: 60,
			},
		},
	}
	g := NewGateway(engine, nil)
	conn := testConn("tenant-1", "alice")
	handshake(t, g, conn)
	join(t, g, conn, "tenant-1", "auc-1")

	g.dispatch(conn, frame(t, EventPlaceBid, placeBidData{
		TenantID: "tenant-1", AuctionID: "auc-1", AuctionItemID: "item-1", Amount: 1000, RequestID: "r",
	}))

	expectEvent(t, conn, EventBidPlaced)
	ext := decode[timeExtendedData](t, expectEvent(t, conn, EventAuctionTimeExtended))
	if !ext.NewEndTime.Equal(newEnd) || ext.ExtensionSeconds != 60 {
		t.Fatalf("unexpected AUCTION_TIME_EXTENDED: %+v", ext)
	}
}

func TestPingPongCarriesServerTime(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := NewGateway(&stubEngine{}, nil).WithClock(clock)
	conn := testConn("tenant-1", "alice")
	g.register(conn)
	expectEvent(t, conn, EventConnected)

	// Clock sync works before the handshake so reconnecting clients can
	// resync immediately.
	g.dispatch(conn, frame(t, EventPing, pingData{ClientTime: 12345}))
	pong := decode[pongData](t, expectEvent(t, conn, EventPong))
	if pong.ServerTime != clock.Now().UnixMilli() {
		t.Fatalf("serverTime = %d, want %d", pong.ServerTime, clock.Now().UnixMilli())
	}
	if pong.ClientTime != 12345 {
		t.Fatalf("clientTime = %d, want echo of 12345", pong.ClientTime)
	}
}

func TestStatusChangeBroadcasts(t *testing.T) {
	g := NewGateway(&stubEngine{}, nil)
	inRoom := testConn("tenant-1", "alice")
	sameTenant := testConn("tenant-1", "bob")
	otherTenant := testConn("tenant-2", "carol")
	for _, c := range []*Connection{inRoom, sameTenant, otherTenant} {
		handshake(t, g, c)
	}
	join(t, g, inRoom, "tenant-1", "auc-1")

	g.ApplyStatusChange("tenant-1", "auc-1", auction.StatusCompletada)

	status := decode[statusChangedData](t, expectEvent(t, inRoom, EventAuctionStatusChanged))
	if status.Status != "COMPLETADA" {
		t.Fatalf("status = %s", status.Status)
	}

	// Terminal transitions reach the whole tenant, but never other tenants.
	for _, c := range []*Connection{inRoom, sameTenant} {
		ended := decode[auctionEndedData](t, expectEvent(t, c, EventAuctionEnded))
		if ended.AuctionID != "auc-1" || ended.TenantID != "tenant-1" {
			t.Fatalf("unexpected AUCTION_ENDED: %+v", ended)
		}
	}
	expectNothing(t, otherTenant)
}

func TestNonTerminalStatusDoesNotEndAuction(t *testing.T) {
	g := NewGateway(&stubEngine{}, nil)
	conn := testConn("tenant-1", "alice")
	handshake(t, g, conn)
	join(t, g, conn, "tenant-1", "auc-1")

	g.ApplyStatusChange("tenant-1", "auc-1", auction.StatusActiva)
	expectEvent(t, conn, EventAuctionStatusChanged)
	expectNothing(t, conn)
}

func TestMalformedFrame(t *testing.T) {
	g := NewGateway(&stubEngine{}, nil)
	conn := testConn("tenant-1", "alice")
	handshake(t, g, conn)

	g.dispatch(conn, []byte("{not json"))
	errData := decode[errorData](t, expectEvent(t, conn, EventError))
	if errData.Code != CodeBadRequest {
		t.Fatalf("code = %s, want BAD_REQUEST", errData.Code)
	}
}
