// Package binance wraps the Binance public REST endpoints behind the
// venue-aware rate limiter and decodes wire payloads into store models.
package binance

import "fmt"

// Venues
const (
	VenueSpot  = "SPOT"
	VenueUSDTM = "USDT-M"
	VenueCoinM = "COIN-M"
)

// Rate limiter endpoint keys, one bucket per venue
const (
	EndpointSpot  = "binance-spot-rest"
	EndpointUSDTM = "binance-usdm-rest"
	EndpointCoinM = "binance-coinm-rest"
)

// Request weights per the exchange's published limits
const (
	WeightKlines        = 2
	WeightAggTradesSpot = 2
	WeightAggTradesUSDM = 20
	WeightTopTrader     = 20
	WeightExchangeInfo  = 10
)

// Declared weight capacities per one-minute window, before the
// RATE_LIMIT_BUFFER multiplier is applied
const (
	capacitySpot    = 6000
	capacityFutures = 2400
)

// AllVenues lists the supported venues
var AllVenues = []string{VenueSpot, VenueUSDTM, VenueCoinM}

// EndpointFor maps a venue to its limiter bucket key
func EndpointFor(venue string) (string, error) {
	switch venue {
	case VenueSpot:
		return EndpointSpot, nil
	case VenueUSDTM:
		return EndpointUSDTM, nil
	case VenueCoinM:
		return EndpointCoinM, nil
	}
	return "", fmt.Errorf("unknown venue %q", venue)
}
