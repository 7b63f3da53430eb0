package api

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/rickgao/tick-relay/internal/model"
)

// Service identifiers used as the ServiceID of converted events.
const (
	ServiceFX     = "fx"
	ServiceCrypto = "crypto"
)

// GetFXTop fetches top-of-book quotes for currency pairs.
func (c *Client) GetFXTop(ctx context.Context, tickers []string) ([]TopOfBook, error) {
	var resp []TopOfBook
	if err := c.get(ctx, "/tiingo/fx/top", tickersQuery(tickers), &resp); err != nil {
		return nil, fmt.Errorf("get fx top: %w", err)
	}
	return resp, nil
}

// GetCryptoTop fetches top-of-book quotes for crypto pairs. Each pair's
// latest book entry is returned with its ticker filled in.
func (c *Client) GetCryptoTop(ctx context.Context, tickers []string) ([]TopOfBook, error) {
	var resp []CryptoTopResponse
	if err := c.get(ctx, "/tiingo/crypto/top", tickersQuery(tickers), &resp); err != nil {
		return nil, fmt.Errorf("get crypto top: %w", err)
	}

	out := make([]TopOfBook, 0, len(resp))
	for _, r := range resp {
		if len(r.TopOfBookData) == 0 {
			continue
		}
		top := r.TopOfBookData[len(r.TopOfBookData)-1]
		if top.Ticker == "" {
			top.Ticker = r.Ticker
		}
		out = append(out, top)
	}
	return out, nil
}

// Event converts a top-of-book entry into a quote event. Missing values
// become zero.
func (t TopOfBook) Event(serviceID string) model.Event {
	return model.NewQuote(serviceID, t.Ticker, t.QuoteTimestamp, model.Quote{
		BidSize:  t.BidSize.Decimal,
		BidPrice: t.BidPrice.Decimal,
		MidPrice: t.MidPrice.Decimal,
		AskSize:  t.AskSize.Decimal,
		AskPrice: t.AskPrice.Decimal,
	})
}

func tickersQuery(tickers []string) url.Values {
	syms := make([]string, 0, len(tickers))
	for _, t := range tickers {
		if s := model.NormalizeSymbol(t); s != "" {
			syms = append(syms, s)
		}
	}
	if len(syms) == 0 {
		return nil
	}
	return url.Values{"tickers": []string{strings.Join(syms, ",")}}
}
