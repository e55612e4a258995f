package models

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// BINGX /////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// BingxSubscribeReq is the subscription request frame. Frames from the
// server arrive gzip-compressed; requests are sent as plain JSON text.
type BingxSubscribeReq struct {
	ID       string `json:"id"`
	ReqType  string `json:"reqType"`
	DataType string `json:"dataType"`
}

// BingxSubscribeAck acknowledges a subscription. Code 0 means success.
type BingxSubscribeAck struct {
	ID   string `json:"id"`
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// BingxDataFrame is the common market-data envelope. DataType carries
// "<symbol>@<channel>".
type BingxDataFrame struct {
	DataType string          `json:"dataType"`
	Data     json.RawMessage `json:"data"`
}

// BingxBookTicker is the payload of <symbol>@bookTicker frames.
type BingxBookTicker struct {
	BidPrice  decimal.Decimal `json:"b"`
	BidVolume decimal.Decimal `json:"B"`
	AskPrice  decimal.Decimal `json:"a"`
	AskVolume decimal.Decimal `json:"A"`
}

// BingxDepth is the payload of <symbol>@incrDepth frames. Action is
// "partial" for the initial snapshot and "update" for diffs; each level is
// a [price, volume] tuple and volume 0 removes the level.
type BingxDepth struct {
	Action       string              `json:"action"`
	LastUpdateID int64               `json:"lastUpdateId"`
	Bids         [][]decimal.Decimal `json:"bids"`
	Asks         [][]decimal.Decimal `json:"asks"`
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// WALLEX ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// WallexDepthEntry is one level of a single-sided depth channel. Each
// channel (<SYMBOL>@buyDepth / <SYMBOL>@sellDepth) delivers one side only.
type WallexDepthEntry struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Sum      decimal.Decimal `json:"sum"`
}

/////////////////////////////////////////////////////////////////////////////
//////////////////////////////// RAMZINEX ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// RamzinexCommand is the client-to-server envelope: connect then subscribe.
type RamzinexCommand struct {
	ID        int                `json:"id"`
	Connect   *RamzinexConnect   `json:"connect,omitempty"`
	Subscribe *RamzinexSubscribe `json:"subscribe,omitempty"`
}

type RamzinexConnect struct {
	Name string `json:"name"`
}

type RamzinexSubscribe struct {
	Channel string `json:"channel"`
	Recover bool   `json:"recover,omitempty"`
	Delta   string `json:"delta,omitempty"`
}

// RamzinexReply is the server-to-client envelope. An empty object (no
// fields set) is the server ping and must be answered with an empty object.
type RamzinexReply struct {
	ID        int              `json:"id,omitempty"`
	Connect   json.RawMessage  `json:"connect,omitempty"`
	Subscribe json.RawMessage  `json:"subscribe,omitempty"`
	Error     *RamzinexError   `json:"error,omitempty"`
	Push      *RamzinexPushMsg `json:"push,omitempty"`
}

type RamzinexError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type RamzinexPushMsg struct {
	Channel string           `json:"channel"`
	Pub     *RamzinexPublish `json:"pub,omitempty"`
}

type RamzinexPublish struct {
	Data   json.RawMessage `json:"data"`
	Offset int64           `json:"offset,omitempty"`
	Delta  bool            `json:"delta,omitempty"`
}

// RamzinexOrderbook carries sorted buys/sells arrays of [price, amount, ...]
// tuples. In fossil mode the same shape carries diff entries where a zero
// amount removes the level.
type RamzinexOrderbook struct {
	Buys  [][]decimal.Decimal `json:"buys"`
	Sells [][]decimal.Decimal `json:"sells"`
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// LBANK /////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// LbankSubscribeReq subscribes to the depth stream of one pair.
type LbankSubscribeReq struct {
	Action    string `json:"action"`
	Subscribe string `json:"subscribe"`
	Depth     string `json:"depth"`
	Pair      string `json:"pair"`
}

// LbankFrame is the union of server frames: pings carry action "ping",
// data frames carry type "depth".
type LbankFrame struct {
	Action string          `json:"action,omitempty"`
	Ping   string          `json:"ping,omitempty"`
	Type   string          `json:"type,omitempty"`
	Pair   string          `json:"pair,omitempty"`
	Depth  *LbankDepthData `json:"depth,omitempty"`
	TS     string          `json:"TS,omitempty"`
}

// LbankPong answers a server ping, echoing the ping id.
type LbankPong struct {
	Action string `json:"action"`
	Pong   string `json:"pong"`
}

type LbankDepthData struct {
	Asks [][]decimal.Decimal `json:"asks"`
	Bids [][]decimal.Decimal `json:"bids"`
}
