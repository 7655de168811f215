package zerone

import (
	"github.com/vmihailenco/msgpack/v5"
)

// Action is the signed wire envelope for every mutating call. Exactly one of
// the operation fields is set. Encoding is msgpack with the venue's canonical
// field names; the signature covers the encoded payload bytes.
type Action struct {
	Timestamp int64  `msgpack:"ts"`
	Nonce     uint64 `msgpack:"nonce"`

	CreateSession *CreateSessionAction `msgpack:"create_session,omitempty"`
	PlaceOrder    *PlaceOrderAction    `msgpack:"place_order,omitempty"`
	CancelOrder   *CancelOrderAction   `msgpack:"cancel_order,omitempty"`
}

type CreateSessionAction struct {
	UserPubkey      []byte `msgpack:"user_pubkey"`
	SessionPubkey   []byte `msgpack:"session_pubkey"`
	ExpiryTimestamp int64  `msgpack:"expiry_timestamp"`
}

type PlaceOrderAction struct {
	SessionID     int64  `msgpack:"session_id"`
	MarketID      int    `msgpack:"market_id"`
	Side          string `msgpack:"side"`
	FillMode      string `msgpack:"fill_mode"`
	Price         int64  `msgpack:"price"`
	Size          int64  `msgpack:"size"`
	ReduceOnly    bool   `msgpack:"reduce_only"`
	ClientOrderID string `msgpack:"cloid,omitempty"`
}

type CancelOrderAction struct {
	SessionID int64 `msgpack:"session_id"`
	OrderID   int64 `msgpack:"order_id"`
}

const (
	fillModeLimit    = "LIMIT"
	fillModePostOnly = "POST_ONLY"
)

func encodeAction(a Action) ([]byte, error) {
	return msgpack.Marshal(a)
}

// receipt is the venue's JSON response to a signed action.
type receipt struct {
	Error         string         `json:"error,omitempty"`
	SessionResult *sessionResult `json:"sessionResult,omitempty"`
	OrderResult   *orderResult   `json:"orderResult,omitempty"`
}

type sessionResult struct {
	SessionID int64 `json:"sessionId"`
}

type orderResult struct {
	Posted *postedOrder `json:"posted,omitempty"`
	Fills  []wireFill   `json:"fills,omitempty"`
}

type postedOrder struct {
	OrderID int64 `json:"orderId"`
}

type wireFill struct {
	FillID  string  `json:"fillId"`
	OrderID int64   `json:"orderId"`
	Side    string  `json:"side"`
	Size    float64 `json:"size"`
	Price   float64 `json:"price"`
	TimeMS  int64   `json:"time"`
}
