package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the JSON frame exchanged in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client-to-server events.
const (
	EventHello        = "HELLO"
	EventJoinAuction  = "JOIN_AUCTION"
	EventLeaveAuction = "LEAVE_AUCTION"
	EventPlaceBid     = "PLACE_BID"
	EventPing         = "PING"
)

// Server-to-client events.
const (
	EventConnected            = "CONNECTED"
	EventHelloOK              = "HELLO_OK"
	EventJoined               = "JOINED"
	EventLeft                 = "LEFT"
	EventParticipantCount     = "PARTICIPANT_COUNT"
	EventBidPlaced            = "BID_PLACED"
	EventBidRejected          = "BID_REJECTED"
	EventAuctionStatusChanged = "AUCTION_STATUS_CHANGED"
	EventAuctionTimeExtended  = "AUCTION_TIME_EXTENDED"
	EventAuctionEnded         = "AUCTION_ENDED"
	EventError                = "ERROR"
	EventPong                 = "PONG"
)

// Error codes carried by ERROR events.
const (
	CodeForbidden        = "FORBIDDEN"
	CodeBadRequest       = "BAD_REQUEST"
	CodeNotAuthenticated = "NOT_AUTHENTICATED"
)

type helloData struct {
	ClientInfo json.RawMessage `json:"clientInfo,omitempty"`
}

type joinData struct {
	TenantID  string `json:"tenantId"`
	AuctionID string `json:"auctionId"`
}

type placeBidData struct {
	TenantID      string `json:"tenantId"`
	AuctionID     string `json:"auctionId"`
	AuctionItemID string `json:"auctionItemId"`
	Amount        int64  `json:"amount"`
	RequestID     string `json:"requestId"`
}

type pingData struct {
	ClientTime int64 `json:"clientTime,omitempty"`
}

type connectedData struct {
	Message string `json:"message"`
	Email   string `json:"email"`
}

type userInfo struct {
	Email    string `json:"email"`
	Role     string `json:"role"`
	UserID   string `json:"userId,omitempty"`
	TenantID string `json:"tenantId,omitempty"`
}

type helloOKData struct {
	OK   bool     `json:"ok"`
	User userInfo `json:"user"`
}

type joinedData struct {
	Room             string `json:"room"`
	AuctionID        string `json:"auctionId"`
	ParticipantCount int    `json:"participantCount"`
}

type leftData struct {
	Room      string `json:"room"`
	AuctionID string `json:"auctionId"`
}

type participantCountData struct {
	AuctionID string `json:"auctionId"`
	Count     int    `json:"count"`
}

type bidPlacedData struct {
	TenantID      string    `json:"tenantId"`
	AuctionID     string    `json:"auctionId"`
	AuctionItemID string    `json:"auctionItemId"`
	BidID         string    `json:"bidId"`
	Amount        int64     `json:"amount"`
	UserID        string    `json:"userId"`
	UserName      string    `json:"userName,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	RequestID     string    `json:"requestId"`
}

type bidRejectedData struct {
	Reason    string `json:"reason,omitempty"`
	Code      string `json:"code"`
	NextValid int64  `json:"nextValid,omitempty"`
}

type statusChangedData struct {
	AuctionID string `json:"auctionId"`
	TenantID  string `json:"tenantId,omitempty"`
	Status    string `json:"status"`
}

type timeExtendedData struct {
	AuctionID        string    `json:"auctionId"`
	NewEndTime       time.Time `json:"newEndTime"`
	ExtensionSeconds int       `json:"extensionSeconds"`
}

type auctionEndedData struct {
	AuctionID string `json:"auctionId"`
	TenantID  string `json:"tenantId"`
}

type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type pongData struct {
	ServerTime int64 `json:"serverTime"`
	ClientTime int64 `json:"clientTime,omitempty"`
}

// encodeEvent marshals a server event into a wire frame.
func encodeEvent(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s data: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", event, err)
	}
	return frame, nil
}
