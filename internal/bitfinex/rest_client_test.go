package bitfinex

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"bitfinex-margin-balancer/internal/config"
	"bitfinex-margin-balancer/internal/models"
)

func TestBareSymbol(t *testing.T) {
	assert.Equal(t, "BTC", bareSymbol("tBTCF0:USTF0"))
	assert.Equal(t, "ETH", bareSymbol("tETHF0:USTF0"))
	assert.Equal(t, "BTCUSD", bareSymbol("tBTCUSD"))
}

func TestFullSymbol(t *testing.T) {
	c := NewRestClient(&config.Bitfinex{RateLimit: 10, RateLimitBurst: 5}, zap.NewNop())
	assert.Equal(t, "tBTCF0:USTF0", c.FullSymbol("BTC"))
}

func TestDecodeArray_PreservesNumericPrecision(t *testing.T) {
	raw := []byte(`[50123.45678901, "x", -3]`)

	out, err := decodeArray(raw)
	assert.NoError(t, err)
	assert.Len(t, out, 3)

	want, _ := decimal.NewFromString("50123.45678901")
	assert.True(t, toDecimal(out[0]).Equal(want))
	assert.Equal(t, -3, toInt(out[2]))
}

func TestParsePosition(t *testing.T) {
	raw := []byte(`["tBTCF0:USTF0","ACTIVE",-0.5,48000,0,0,-120.5,0,0,10,null,null,null,null,null,null,50000,1250]`)

	rows, err := decodeArray(raw)
	assert.NoError(t, err)

	pos, err := parsePosition(rows)
	assert.NoError(t, err)

	assert.Equal(t, "BTC", pos.Symbol)
	assert.Equal(t, models.SideShort, pos.Side)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromFloat(0.5)))
	assert.True(t, pos.EntryPrice.Equal(decimal.NewFromInt(48000)))
	assert.True(t, pos.CurrentPrice.Equal(decimal.NewFromInt(50000)))
	assert.True(t, pos.Margin.Equal(decimal.NewFromInt(1250)))
	assert.Equal(t, 10, pos.Leverage)
	assert.True(t, pos.UnrealizedPnl.Equal(decimal.NewFromFloat(-120.5)))

	// 1250 collateral on a 25000 notional is a 5% margin rate.
	assert.True(t, pos.MarginRate.Equal(decimal.NewFromInt(5)), "margin rate %s", pos.MarginRate)
}

func TestParsePosition_ZeroPriceFallsBackToEntry(t *testing.T) {
	raw := []byte(`["tETHF0:USTF0","ACTIVE",2,2500,0,0,0,0,0,5,null,null,null,null,null,null,0,500]`)

	rows, err := decodeArray(raw)
	assert.NoError(t, err)

	pos, err := parsePosition(rows)
	assert.NoError(t, err)
	assert.True(t, pos.CurrentPrice.Equal(decimal.NewFromInt(2500)))
}

func TestParsePosition_ShortRecordRejected(t *testing.T) {
	_, err := parsePosition([]any{"tBTCF0:USTF0", "ACTIVE"})
	assert.Error(t, err)
}

func TestWriteStatusOK(t *testing.T) {
	assert.True(t, writeStatusOK([]byte(`[1700000000000,"on-req",null,null,[],null,"SUCCESS","Submitted"]`)))
	assert.False(t, writeStatusOK([]byte(`[1700000000000,"on-req",null,null,[],null,"ERROR","insufficient funds"]`)))
	assert.False(t, writeStatusOK([]byte(`[1,2,3]`)))
	assert.False(t, writeStatusOK([]byte(`not json`)))
}

func TestSign_Deterministic(t *testing.T) {
	c := &RestClient{apiSecret: "secret"}

	a := c.sign("/v2/auth/r/positions", "1700000000000000", "{}")
	b := c.sign("/v2/auth/r/positions", "1700000000000000", "{}")
	assert.Equal(t, a, b)
	assert.Len(t, a, 96) // hex-encoded SHA-384

	// Different nonce, different signature.
	assert.NotEqual(t, a, c.sign("/v2/auth/r/positions", "1700000000000001", "{}"))
}
