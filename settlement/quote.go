package settlement

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// MaxAmount is the largest source amount accepted for a token.
	MaxAmount = decimal.NewFromInt(100000)
	// FeeRate is the flat fee taken from the source amount.
	FeeRate = decimal.RequireFromString("0.01")
)

type corridorProfile struct {
	destination string
	sources     []string
	eta         time.Duration
}

var corridors = map[Corridor]corridorProfile{
	CorridorPix:  {destination: "BRL", sources: []string{"USD", "USDC", "EUR"}, eta: time.Minute},
	CorridorSPEI: {destination: "MXN", sources: []string{"USD", "USDC"}, eta: 30 * time.Minute},
}

var rates = map[string]decimal.Decimal{
	"USD/BRL": decimal.RequireFromString("4.95"),
	"EUR/BRL": decimal.RequireFromString("5.40"),
	"USD/MXN": decimal.RequireFromString("17.15"),
	"EUR/MXN": decimal.RequireFromString("18.60"),
}

// Quoter prices a payout on a corridor.
type Quoter interface {
	Quote(amount decimal.Decimal, fromCurrency string, corridor Corridor) (Quote, error)
}

// QuoterFunc lifts bare functions into [Quoter].
type QuoterFunc func(amount decimal.Decimal, fromCurrency string, corridor Corridor) (Quote, error)

// Quote delegates to the wrapped function.
func (f QuoterFunc) Quote(amount decimal.Decimal, fromCurrency string, corridor Corridor) (Quote, error) {
	return f(amount, fromCurrency, corridor)
}

// RateTable is the default [Quoter]: a fixed rate per currency pair and a
// flat 1% fee. USDC is priced as USD.
type RateTable struct{}

// Quote implements [Quoter]. ExpiresAt is left for the caller to set.
func (RateTable) Quote(amount decimal.Decimal, fromCurrency string, corridor Corridor) (Quote, error) {
	from := strings.ToUpper(fromCurrency)
	if err := SupportsCurrency(corridor, from); err != nil {
		return Quote{}, err
	}
	profile := corridors[corridor]
	rate, ok := rates[rateCurrency(from)+"/"+profile.destination]
	if !ok {
		return Quote{}, fmt.Errorf("%w: no rate for %s/%s", ErrUnsupportedCorridor, from, profile.destination)
	}
	fees := amount.Mul(FeeRate).Round(2)
	return Quote{
		Corridor:     corridor,
		FromAmount:   amount,
		FromCurrency: from,
		ToAmount:     amount.Sub(fees).Mul(rate).Round(2),
		ToCurrency:   profile.destination,
		FXRate:       rate,
		Fees:         fees,
	}, nil
}

func rateCurrency(c string) string {
	if c == "USDC" {
		return "USD"
	}
	return c
}

// SupportsCurrency reports whether currency can be paid out on corridor. The
// auto corridor accepts any currency supported by at least one rail.
func SupportsCurrency(corridor Corridor, currency string) error {
	currency = strings.ToUpper(currency)
	if corridor == CorridorAuto {
		for _, c := range []Corridor{CorridorPix, CorridorSPEI} {
			if SupportsCurrency(c, currency) == nil {
				return nil
			}
		}
		return fmt.Errorf("%w: no corridor accepts %s", ErrUnsupportedCorridor, currency)
	}
	profile, ok := corridors[corridor]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedCorridor, corridor)
	}
	for _, s := range profile.sources {
		if s == currency {
			return nil
		}
	}
	return fmt.Errorf("%w: %s does not accept %s", ErrUnsupportedCorridor, corridor, currency)
}

// EstimatedDuration is the typical time a corridor takes to settle.
func EstimatedDuration(corridor Corridor) time.Duration {
	return corridors[corridor].eta
}

// ValidateAmount enforces 0 < amount <= MaxAmount.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: must be greater than 0", ErrInvalidAmount)
	}
	if amount.GreaterThan(MaxAmount) {
		return fmt.Errorf("%w: must not exceed %s", ErrInvalidAmount, MaxAmount)
	}
	return nil
}
