// order.go -- order placement payloads.
package exchange

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidOrder is returned by OrderRequest.Validate.
var ErrInvalidOrder = errors.New("invalid order")

// Order sides and types accepted by Validate.
const (
	SideBuy  = "buy"
	SideSell = "sell"

	OrderTypeLimit  = "limit"
	OrderTypeMarket = "market"
)

// OrderRequest is the JSON body sent to the exchange's place-order endpoint.
// Decimal fields marshal as strings, which is what exchanges expect for amounts.
type OrderRequest struct {
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	OrderType     string          `json:"orderType"`
	Size          decimal.Decimal `json:"size"`
	Price         decimal.Decimal `json:"price,omitzero"`
	ClientOrderID string          `json:"clientOid,omitempty"`
}

// Validate checks the order is well formed before anything is signed or sent.
func (o *OrderRequest) Validate() error {
	o.Side = strings.ToLower(o.Side)
	o.OrderType = strings.ToLower(o.OrderType)

	if o.Symbol == "" {
		return fmt.Errorf("%w: symbol required", ErrInvalidOrder)
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return fmt.Errorf("%w: side must be buy or sell", ErrInvalidOrder)
	}
	if !o.Size.IsPositive() {
		return fmt.Errorf("%w: size must be positive", ErrInvalidOrder)
	}
	switch o.OrderType {
	case OrderTypeLimit:
		if !o.Price.IsPositive() {
			return fmt.Errorf("%w: limit orders need a positive price", ErrInvalidOrder)
		}
	case OrderTypeMarket:
		if !o.Price.IsZero() {
			return fmt.Errorf("%w: market orders take no price", ErrInvalidOrder)
		}
	default:
		return fmt.Errorf("%w: order type must be limit or market", ErrInvalidOrder)
	}
	return nil
}

// OrderResponse is the subset of the exchange's reply we keep.
type OrderResponse struct {
	OrderID       string `json:"orderId"`
	ClientOrderID string `json:"clientOid"`
}
