package binance

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"binance-cvd-pipeline/database"
	"binance-cvd-pipeline/helpers"
)

type wireExchangeInfo struct {
	Symbols []wireSymbol `json:"symbols"`
}

type wireSymbol struct {
	Symbol               string       `json:"symbol"`
	Status               string       `json:"status"`
	BaseAsset            string       `json:"baseAsset"`
	QuoteAsset           string       `json:"quoteAsset"`
	ContractType         string       `json:"contractType"`
	DeliveryDate         int64        `json:"deliveryDate"`
	OnboardDate          int64        `json:"onboardDate"`
	Permissions          []string     `json:"permissions"`
	PermissionSets       [][]string   `json:"permissionSets"`
	IsSpotTradingAllowed bool         `json:"isSpotTradingAllowed"`
	Filters              []wireFilter `json:"filters"`
}

type wireFilter struct {
	FilterType  string      `json:"filterType"`
	TickSize    interface{} `json:"tickSize"`
	StepSize    interface{} `json:"stepSize"`
	MinNotional interface{} `json:"minNotional"`
	Notional    interface{} `json:"notional"`
}

func exchangeInfoPath(venue string) (string, error) {
	switch venue {
	case VenueSpot:
		return "/api/v3/exchangeInfo", nil
	case VenueUSDTM:
		return "/fapi/v1/exchangeInfo", nil
	case VenueCoinM:
		return "/dapi/v1/exchangeInfo", nil
	}
	return "", fmt.Errorf("unknown venue %q", venue)
}

// hasSpotPermission applies the spot eligibility rules: a direct SPOT
// permission, SPOT inside any permission set, or the legacy trading flag.
func hasSpotPermission(s wireSymbol) bool {
	for _, p := range s.Permissions {
		if p == "SPOT" {
			return true
		}
	}
	for _, set := range s.PermissionSets {
		for _, p := range set {
			if p == "SPOT" {
				return true
			}
		}
	}
	return s.IsSpotTradingAllowed
}

// FetchExchangeInfo pulls the active symbol catalog for one venue.
// Spot symbols without SPOT permission are dropped; exchange status
// TRADING maps to ACTIVE, anything else to INACTIVE.
func (c *Client) FetchExchangeInfo(ctx context.Context, venue string) ([]database.Symbol, error) {
	path, err := exchangeInfoPath(venue)
	if err != nil {
		return nil, err
	}

	var raw wireExchangeInfo
	if err := c.get(ctx, venue, path, url.Values{}, WeightExchangeInfo, &raw); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	symbols := make([]database.Symbol, 0, len(raw.Symbols))
	for _, ws := range raw.Symbols {
		if venue == VenueSpot && !hasSpotPermission(ws) {
			continue
		}

		status := database.SymbolInactive
		if ws.Status == "TRADING" {
			status = database.SymbolActive
		}

		sym := database.Symbol{
			Symbol:     ws.Symbol,
			Venue:      venue,
			BaseAsset:  ws.BaseAsset,
			QuoteAsset: ws.QuoteAsset,
			Status:     status,
			UpdatedAt:  now,
		}
		if ws.ContractType != "" {
			ct := ws.ContractType
			sym.ContractType = &ct
		}
		if ws.DeliveryDate > 0 {
			dd := ws.DeliveryDate
			sym.DeliveryDate = &dd
		}
		if ws.OnboardDate > 0 {
			od := ws.OnboardDate
			sym.OnboardDate = &od
		}

		for _, f := range ws.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				if v, ok := helpers.FloatFromAny(f.TickSize); ok {
					sym.TickSize = &v
				}
			case "LOT_SIZE":
				if v, ok := helpers.FloatFromAny(f.StepSize); ok {
					sym.StepSize = &v
				}
			case "MIN_NOTIONAL":
				if v, ok := helpers.FloatFromAny(f.MinNotional); ok {
					sym.MinNotional = &v
				}
			case "NOTIONAL":
				if v, ok := helpers.FloatFromAny(f.MinNotional); ok {
					sym.MinNotional = &v
				} else if v, ok := helpers.FloatFromAny(f.Notional); ok {
					sym.MinNotional = &v
				}
			}
		}

		symbols = append(symbols, sym)
	}

	return symbols, nil
}
