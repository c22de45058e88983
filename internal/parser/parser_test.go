package parser

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/lien-crawler/internal/lien"
)

func testProfile() lien.Profile {
	return lien.Profile{
		ID:         "maricopa",
		DateFormat: "MM/DD/YYYY",
		Patterns: lien.FieldPatterns{
			RecordingNumber: lien.Pattern{Expr: `(\d{11})`, Group: 1},
			RecordDate:      lien.Pattern{Expr: `(\d{2}/\d{2}/\d{4}(?: \d{2}:\d{2})?)`, Group: 1},
			Amount:          lien.Pattern{Expr: `Amount: ([$\d,.()]+)`, Group: 1},
			DebtorName:      lien.Pattern{Expr: `Debtor: ([^|]+)`, Group: 1},
			DebtorAddress:   lien.Pattern{Expr: `Debtor Addr: ([^|]+)`, Group: 1},
			CreditorName:    lien.Pattern{Expr: `Creditor: ([^|]+)`, Group: 1},
		},
	}
}

func TestParseFullRow(t *testing.T) {
	t.Parallel()

	row := lien.RawRow{Text: "20260012345 | 03/02/2026 14:05 | FED TAX LIEN | Debtor: ACME   ROOFING LLC | " +
		"Debtor Addr: 12 Main St, Phoenix AZ | Creditor: INTERNAL REVENUE SERVICE | Amount: $25,431.07"}

	f, err := Parse(row, testProfile())
	require.NoError(t, err)
	require.Equal(t, "20260012345", f.RecordingNumber)
	require.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), f.RecordDate)
	require.True(t, f.Amount.Valid)
	require.Equal(t, "25431.07", f.Amount.Decimal.StringFixed(2))
	require.Equal(t, "ACME ROOFING LLC", f.DebtorName)
	require.Equal(t, "12 Main St, Phoenix AZ", f.DebtorAddress)
	require.Equal(t, "INTERNAL REVENUE SERVICE", f.CreditorName)
	require.Equal(t, lien.UnextractedSentinel, f.CreditorAddress)
	require.Equal(t, []string{"creditor_address"}, f.Warnings)
}

func TestParseMissingOptionalFields(t *testing.T) {
	t.Parallel()

	f, err := Parse(lien.RawRow{Text: "20260012345 | 03/02/2026"}, testProfile())
	require.NoError(t, err)
	require.False(t, f.Amount.Valid, "absent amount stays null, not zero")
	require.Equal(t, lien.UnextractedSentinel, f.DebtorName)
	require.Equal(t, lien.UnextractedSentinel, f.CreditorName)
	require.Contains(t, f.Warnings, "amount")
}

func TestParseDiscardsRow(t *testing.T) {
	t.Parallel()

	_, err := Parse(lien.RawRow{Text: "no number here | 03/02/2026"}, testProfile())
	require.ErrorIs(t, err, lien.ErrRecordingNumberMissing)

	_, err = Parse(lien.RawRow{Text: "20260012345 | 13/45/2026"}, testProfile())
	require.ErrorIs(t, err, lien.ErrInvalidRecordDate)

	_, err = Parse(lien.RawRow{Text: "20260012345 | no date"}, testProfile())
	require.ErrorIs(t, err, lien.ErrInvalidRecordDate)
}

func TestCompileRejectsBadPatterns(t *testing.T) {
	t.Parallel()

	p := testProfile()
	p.Patterns.Amount = lien.Pattern{Expr: `(unclosed`, Group: 1}
	_, err := Compile(p)
	require.ErrorIs(t, err, lien.ErrInvalidProfile)

	p = testProfile()
	p.Patterns.DebtorName = lien.Pattern{Expr: `Debtor: (\w+)`, Group: 3}
	_, err = Compile(p)
	var pe *lien.ProfileError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, "patterns.debtor_name", pe.Field)

	p = testProfile()
	p.Patterns.RecordingNumber = lien.Pattern{}
	_, err = Compile(p)
	require.ErrorIs(t, err, lien.ErrInvalidProfile)
}

func TestParseAmount(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"$20,000.00":    "20000.00",
		"20000.01":      "20000.01",
		"$ 1,234,567.8": "1234567.80",
		"(1,000.00)":    "-1000.00",
		"USD 0.10":      "0.10",
	}
	for raw, want := range cases {
		got, err := ParseAmount(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got.StringFixed(2), raw)
	}

	_, err := ParseAmount("N/A")
	require.Error(t, err)
}

func TestAmountRoundTripKeepsCents(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"0.01", "0.10", "19999.99", "20000.01", "123456789.99"} {
		d, err := ParseAmount("$" + raw)
		require.NoError(t, err)
		back, err := decimal.NewFromString(d.String())
		require.NoError(t, err)
		require.True(t, d.Equal(back))
		require.Equal(t, raw, back.StringFixed(2))
	}
}
