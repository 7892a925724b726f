package book

import (
	"context"
	"fmt"

	"github.com/adshao/go-binance/v2"

	"orderflow/models"
)

// DepthSnapshot is a full resting-volume snapshot fetched from the venue's
// REST depth endpoint.
type DepthSnapshot struct {
	LastUpdateID int64
	Bids         []models.PriceQty
	Asks         []models.PriceQty
}

// SnapshotFetcher fetches a depth snapshot for gap recovery.
type SnapshotFetcher interface {
	FetchDepth(ctx context.Context, symbol string, limit int) (*DepthSnapshot, error)
}

// BinanceFetcher fetches depth snapshots over the Binance REST API.
type BinanceFetcher struct {
	client *binance.Client
}

// NewBinanceFetcher builds a fetcher for the public depth endpoint. baseURL
// overrides the production endpoint when set, which testnets and tests use.
func NewBinanceFetcher(baseURL string) *BinanceFetcher {
	client := binance.NewClient("", "")
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &BinanceFetcher{client: client}
}

func (f *BinanceFetcher) FetchDepth(ctx context.Context, symbol string, limit int) (*DepthSnapshot, error) {
	res, err := f.client.NewDepthService().Symbol(symbol).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("depth snapshot for %s: %w", symbol, err)
	}

	snap := &DepthSnapshot{
		LastUpdateID: res.LastUpdateID,
		Bids:         make([]models.PriceQty, 0, len(res.Bids)),
		Asks:         make([]models.PriceQty, 0, len(res.Asks)),
	}
	for _, b := range res.Bids {
		snap.Bids = append(snap.Bids, models.PriceQty{Price: b.Price, Quantity: b.Quantity})
	}
	for _, a := range res.Asks {
		snap.Asks = append(snap.Asks, models.PriceQty{Price: a.Price, Quantity: a.Quantity})
	}
	return snap, nil
}
