package models

import "github.com/shopspring/decimal"

// PositionSide is the direction of an open position.
type PositionSide string

const (
	SideLong  PositionSide = "LONG"
	SideShort PositionSide = "SHORT"
)

// Position is an open isolated-margin derivative position as reported by the
// exchange. Positions are rebuilt from scratch on every poll and are never
// mutated; each cycle works on a fresh set.
type Position struct {
	Symbol        string // bare asset form, e.g. "BTC"
	Side          PositionSide
	Quantity      decimal.Decimal // always >= 0, direction carried by Side
	EntryPrice    decimal.Decimal
	CurrentPrice  decimal.Decimal
	Margin        decimal.Decimal // collateral currently posted
	Leverage      int
	UnrealizedPnl decimal.Decimal
	MarginRate    decimal.Decimal // collateral / notional * 100
}

// NotionalValue returns the position's economic exposure: quantity times the
// current price.
func (p Position) NotionalValue() decimal.Decimal {
	return p.Quantity.Mul(p.CurrentPrice)
}

// IsProfitable reports whether the position has a positive unrealized PnL.
func (p Position) IsProfitable() bool {
	return p.UnrealizedPnl.IsPositive()
}
