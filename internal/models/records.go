package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AdjustmentDirection indicates whether margin was added or removed.
type AdjustmentDirection string

const (
	DirectionIncrease AdjustmentDirection = "INCREASE"
	DirectionDecrease AdjustmentDirection = "DECREASE"
)

// TriggerType tags whether an adjustment came from the routine poll cycle or
// from a reactive single-position rescue.
type TriggerType string

const (
	TriggerScheduled TriggerType = "SCHEDULED"
	TriggerEmergency TriggerType = "EMERGENCY"
)

// MarginAdjustment is the audit record of one executed margin change. Rows
// are written only after a successful exchange write and never updated.
type MarginAdjustment struct {
	gorm.Model
	Timestamp    time.Time           `json:"timestamp" gorm:"index;not null"`
	Symbol       string              `json:"symbol" gorm:"index;not null"`
	Direction    AdjustmentDirection `json:"direction" gorm:"not null"`
	Amount       decimal.Decimal     `json:"amount" gorm:"type:decimal(20,8);not null"`
	BeforeMargin decimal.Decimal     `json:"before_margin" gorm:"type:decimal(20,8);not null"`
	AfterMargin  decimal.Decimal     `json:"after_margin" gorm:"type:decimal(20,8);not null"`
	TriggerType  TriggerType         `json:"trigger_type" gorm:"not null"`
}

// Liquidation is the audit record of one executed partial close. Rows are
// written only after a successful close order and never updated.
type Liquidation struct {
	gorm.Model
	Timestamp      time.Time       `json:"timestamp" gorm:"index;not null"`
	Symbol         string          `json:"symbol" gorm:"index;not null"`
	Side           PositionSide    `json:"side" gorm:"not null"`
	Quantity       decimal.Decimal `json:"quantity" gorm:"type:decimal(20,8);not null"`
	Price          decimal.Decimal `json:"price" gorm:"type:decimal(20,8);not null"`
	ReleasedMargin decimal.Decimal `json:"released_margin" gorm:"type:decimal(20,8);not null"`
	Reason         string          `json:"reason" gorm:"not null"`
}

// AccountSnapshot captures the account state at the start of one poll cycle.
// One row is written per successful cycle that observed at least one position.
type AccountSnapshot struct {
	gorm.Model
	Timestamp        time.Time       `json:"timestamp" gorm:"index;not null"`
	TotalEquity      decimal.Decimal `json:"total_equity" gorm:"type:decimal(20,8);not null"`
	TotalMargin      decimal.Decimal `json:"total_margin" gorm:"type:decimal(20,8);not null"`
	AvailableBalance decimal.Decimal `json:"available_balance" gorm:"type:decimal(20,8);not null"`
	PositionsJSON    string          `json:"positions_json" gorm:"not null"`
}
