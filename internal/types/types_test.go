package types

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirection(t *testing.T) {
	wallet := common.HexToAddress("0x1111111111111111111111111111111111111111")
	other := common.HexToAddress("0x2222222222222222222222222222222222222222")

	tests := []struct {
		name     string
		from, to common.Address
		want     TransferDirection
		ok       bool
	}{
		{"incoming", other, wallet, DirectionIncoming, true},
		{"outgoing", wallet, other, DirectionOutgoing, true},
		{"internal", wallet, wallet, DirectionInternal, true},
		{"unrelated", other, other, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Direction(wallet, tt.from, tt.to)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	cp, ok := Counterparty(DirectionIncoming, other, wallet)
	assert.True(t, ok)
	assert.Equal(t, other, cp)
	_, ok = Counterparty(DirectionInternal, wallet, wallet)
	assert.False(t, ok)
}

func TestFromBaseUnits(t *testing.T) {
	raw, ok := new(big.Int).SetString("100500000000000000000", 10)
	require.True(t, ok)
	assert.True(t, FromBaseUnits(raw, 18).Equal(decimal.RequireFromString("100.5")))
	assert.True(t, FromBaseUnits(nil, 18).IsZero())
	assert.Equal(t, 0, raw.Cmp(ToBaseUnits(decimal.RequireFromString("100.5"), 18)))
}

func TestNormalizeTxHash(t *testing.T) {
	h, err := NormalizeTxHash("ABCDEF0000000000000000000000000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, "0xabcdef0000000000000000000000000000000000000000000000000000000001", h)

	_, err = NormalizeTxHash("0xabc")
	assert.Error(t, err)
	_, err = NormalizeTxHash("0xzzcdef0000000000000000000000000000000000000000000000000000000001")
	assert.Error(t, err)
}

func TestParseTokenType(t *testing.T) {
	tok, err := ParseTokenType(" usdt ")
	require.NoError(t, err)
	assert.Equal(t, TokenUSDT, tok)
	_, err = ParseTokenType("DOGE")
	assert.Error(t, err)
}

func TestNormalizeAddress(t *testing.T) {
	a, err := NormalizeAddress("0xAbCdEf0000000000000000000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, "0xabcdef0000000000000000000000000000000001", a)
	_, err = NormalizeAddress("nope")
	assert.Error(t, err)
}
