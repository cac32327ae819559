package bidding

import "fmt"

// Rejection codes reported to the submitting client. Rejections are
// recoverable: the connection stays open and the sender may retry.
const (
	CodeAuctionNotFound = "AUCTION_NOT_FOUND"
	CodeAuctionClosed   = "AUCTION_CLOSED"
	CodeNotRegistered   = "NOT_REGISTERED"
	CodeBidTooLow       = "BID_TOO_LOW"
	CodeNotMultiple     = "NOT_MULTIPLE"
	CodeInternal        = "INTERNAL_ERROR"
)

// Pricing rejection reasons. Only these two carry a nextValid hint.
const (
	ReasonBelowMin    = "BELOW_MIN"
	ReasonNotMultiple = "NOT_MULTIPLE"
)

// RejectionError is returned by the engine when a proposal is refused.
// NextValid is only set for pricing rejections so the client can
// self-correct and resubmit.
type RejectionError struct {
	Code      string
	Reason    string
	NextValid int64
	cause     error
}

func (e *RejectionError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("bid rejected (%s): %v", e.Code, e.cause)
	}
	return fmt.Sprintf("bid rejected (%s)", e.Code)
}

func (e *RejectionError) Unwrap() error { return e.cause }

func reject(code string) *RejectionError {
	return &RejectionError{Code: code}
}

func rejectPricing(code, reason string, nextValid int64) *RejectionError {
	return &RejectionError{Code: code, Reason: reason, NextValid: nextValid}
}

func rejectInternal(cause error) *RejectionError {
	return &RejectionError{Code: CodeInternal, cause: cause}
}
