package api

import (
	"time"

	"github.com/shopspring/decimal"
)

// TopOfBook is one entry of GET /tiingo/{fx,crypto}/top.
type TopOfBook struct {
	Ticker         string              `json:"ticker"`
	QuoteTimestamp time.Time           `json:"quoteTimestamp"`
	BidPrice       decimal.NullDecimal `json:"bidPrice"`
	BidSize        decimal.NullDecimal `json:"bidSize"`
	MidPrice       decimal.NullDecimal `json:"midPrice"`
	AskPrice       decimal.NullDecimal `json:"askPrice"`
	AskSize        decimal.NullDecimal `json:"askSize"`
}

// CryptoTopResponse is one entry of GET /tiingo/crypto/top.
type CryptoTopResponse struct {
	Ticker        string      `json:"ticker"`
	BaseCurrency  string      `json:"baseCurrency"`
	QuoteCurrency string      `json:"quoteCurrency"`
	TopOfBookData []TopOfBook `json:"topOfBookData"`
}
