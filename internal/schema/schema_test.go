package schema

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaleNumber(t *testing.T) {
	tests := []struct {
		year int
		seq  int
		want string
	}{
		{2026, 1, "V-2026-001"},
		{2026, 4, "V-2026-004"},
		{2025, 42, "V-2025-042"},
		{2026, 1234, "V-2026-1234"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, SaleNumber(tt.year, tt.seq))
	}
	assert.Equal(t, "V-2026", SaleNumberYearPrefix(2026))
	assert.Equal(t, "ticket_V-2026-004.pdf", DocumentName("V-2026-004"))
}

func TestParsePaymentMethod(t *testing.T) {
	m, err := ParsePaymentMethod(" cash ")
	require.NoError(t, err)
	assert.Equal(t, PaymentCash, m)

	_, err = ParsePaymentMethod("barter")
	assert.Error(t, err)
}

func TestProduct_Validate(t *testing.T) {
	tests := []struct {
		name    string
		product Product
		wantErr bool
	}{
		{
			name:    "valid product",
			product: Product{Code: "FLT-01", Name: "Oil filter", Price: decimal.RequireFromString("12.50")},
		},
		{
			name:    "missing code",
			product: Product{Name: "Oil filter"},
			wantErr: true,
		},
		{
			name:    "negative price",
			product: Product{Code: "X", Name: "X", Price: decimal.NewFromInt(-1)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.product.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLineSnapshotRoundTrip(t *testing.T) {
	cart := []CartLine{
		{ProductID: 1, Code: "A", Name: "Alpha", Quantity: 3, UnitPrice: decimal.RequireFromString("2.50")},
		{ProductID: 2, Code: "B", Name: "Beta", Quantity: 1, UnitPrice: decimal.RequireFromString("10")},
	}

	encoded, err := EncodeLines(SnapshotLines(cart))
	require.NoError(t, err)

	lines, err := DecodeLines(encoded)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.True(t, lines[0].Subtotal.Equal(decimal.RequireFromString("7.50")))
	assert.Equal(t, "Beta", lines[1].Name)
}

func TestDecodeLines_Empty(t *testing.T) {
	lines, err := DecodeLines("")
	require.NoError(t, err)
	assert.Empty(t, lines)

	_, err = DecodeLines("{not json")
	assert.Error(t, err)
}

func TestPendingSale_State(t *testing.T) {
	p := PendingSale{}
	assert.Equal(t, StatePending, p.State(3))

	p.RetryCount = 3
	assert.Equal(t, StateAbandoned, p.State(3))

	p.Synced = true
	assert.Equal(t, StateSynced, p.State(3))
	assert.False(t, p.Completed())

	p.DocumentUploaded = true
	p.NotificationSent = true
	assert.True(t, p.Completed())
}

func TestPendingSale_Validate(t *testing.T) {
	p := PendingSale{
		CreatedAt:     time.Now(),
		PaymentMethod: PaymentCard,
		SaleNumber:    "V-2026-001",
		LinesJSON:     "[]",
	}
	assert.NoError(t, p.Validate())

	p.SaleNumber = ""
	assert.Error(t, p.Validate())
}
