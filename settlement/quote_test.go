package settlement

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestRateTableQuote(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		amount    string
		currency  string
		corridor  Corridor
		wantTo    string
		wantFees  string
		wantRate  string
		wantToCcy string
		wantErr   error
	}{
		"usd to brl": {
			amount: "100", currency: "USD", corridor: CorridorPix,
			wantTo: "490.05", wantFees: "1", wantRate: "4.95", wantToCcy: "BRL",
		},
		"usdc priced as usd": {
			amount: "100", currency: "usdc", corridor: CorridorPix,
			wantTo: "490.05", wantFees: "1", wantRate: "4.95", wantToCcy: "BRL",
		},
		"eur to brl": {
			amount: "250.50", currency: "EUR", corridor: CorridorPix,
			wantTo: "1339.15", wantFees: "2.51", wantRate: "5.4", wantToCcy: "BRL",
		},
		"usd to mxn": {
			amount: "1000", currency: "USD", corridor: CorridorSPEI,
			wantTo: "16978.5", wantFees: "10", wantRate: "17.15", wantToCcy: "MXN",
		},
		"eur not on spei": {
			amount: "10", currency: "EUR", corridor: CorridorSPEI,
			wantErr: ErrUnsupportedCorridor,
		},
		"unknown corridor": {
			amount: "10", currency: "USD", corridor: Corridor("ach"),
			wantErr: ErrUnsupportedCorridor,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			q, err := RateTable{}.Quote(decimal.RequireFromString(tt.amount), tt.currency, tt.corridor)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !q.ToAmount.Equal(decimal.RequireFromString(tt.wantTo)) {
				t.Fatalf("expected to_amount %s got %s", tt.wantTo, q.ToAmount)
			}
			if !q.Fees.Equal(decimal.RequireFromString(tt.wantFees)) {
				t.Fatalf("expected fees %s got %s", tt.wantFees, q.Fees)
			}
			if !q.FXRate.Equal(decimal.RequireFromString(tt.wantRate)) {
				t.Fatalf("expected rate %s got %s", tt.wantRate, q.FXRate)
			}
			if q.ToCurrency != tt.wantToCcy {
				t.Fatalf("expected %s got %s", tt.wantToCcy, q.ToCurrency)
			}
		})
	}
}

func TestValidateAmount(t *testing.T) {
	t.Parallel()

	for _, ok := range []string{"0.01", "1", "100000"} {
		if err := ValidateAmount(decimal.RequireFromString(ok)); err != nil {
			t.Fatalf("expected %s to be valid: %v", ok, err)
		}
	}
	for _, bad := range []string{"0", "-1", "100000.01"} {
		if err := ValidateAmount(decimal.RequireFromString(bad)); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("expected %s to be invalid, got %v", bad, err)
		}
	}
}

func TestSupportsCurrencyAuto(t *testing.T) {
	t.Parallel()

	if err := SupportsCurrency(CorridorAuto, "EUR"); err != nil {
		t.Fatalf("auto should accept EUR via pix: %v", err)
	}
	if err := SupportsCurrency(CorridorAuto, "GBP"); !errors.Is(err, ErrUnsupportedCorridor) {
		t.Fatalf("expected unsupported for GBP, got %v", err)
	}
}

func TestValidateRecipient(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		corridor  Corridor
		recipient Recipient
		wantErr   bool
	}{
		"pix email": {
			corridor:  CorridorPix,
			recipient: Recipient{Type: CorridorPix, PixKey: "maria@email.com", PixKeyType: "email", Name: "Maria Silva"},
		},
		"pix cpf without type": {
			corridor:  CorridorPix,
			recipient: Recipient{PixKey: "12345678901", PixKeyType: "cpf", Name: "Maria Silva", TaxID: "12345678901"},
		},
		"pix phone": {
			corridor:  CorridorPix,
			recipient: Recipient{PixKey: "+5511987654321", PixKeyType: "phone", Name: "Maria"},
		},
		"pix evp": {
			corridor:  CorridorPix,
			recipient: Recipient{PixKey: "123e4567-e89b-12d3-a456-426614174000", PixKeyType: "evp", Name: "Maria"},
		},
		"pix bad cnpj": {
			corridor:  CorridorPix,
			recipient: Recipient{PixKey: "123", PixKeyType: "cnpj", Name: "Loja"},
			wantErr:   true,
		},
		"pix unknown key type": {
			corridor:  CorridorPix,
			recipient: Recipient{PixKey: "x", PixKeyType: "iban", Name: "Maria"},
			wantErr:   true,
		},
		"pix missing name": {
			corridor:  CorridorPix,
			recipient: Recipient{PixKey: "maria@email.com", PixKeyType: "email"},
			wantErr:   true,
		},
		"spei valid": {
			corridor:  CorridorSPEI,
			recipient: Recipient{Type: CorridorSPEI, Clabe: "032180000118359719", Name: "Juan Perez", RFC: "PEPJ800101AB1"},
		},
		"spei short clabe": {
			corridor:  CorridorSPEI,
			recipient: Recipient{Clabe: "03218000011835971", Name: "Juan"},
			wantErr:   true,
		},
		"type mismatch": {
			corridor:  CorridorSPEI,
			recipient: Recipient{Type: CorridorPix, PixKey: "maria@email.com", PixKeyType: "email", Name: "Maria"},
			wantErr:   true,
		},
		"auto uses recipient type": {
			corridor:  CorridorAuto,
			recipient: Recipient{Type: CorridorSPEI, Clabe: "032180000118359719", Name: "Juan"},
		},
		"auto without type": {
			corridor:  CorridorAuto,
			recipient: Recipient{Clabe: "032180000118359719", Name: "Juan"},
			wantErr:   true,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			err := ValidateRecipient(tt.corridor, tt.recipient)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRecipient) {
					t.Fatalf("expected invalid recipient, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	all := []Status{StatusDeferred, StatusPending, StatusProcessing, StatusCompleted, StatusFailed}
	for _, from := range all {
		for _, to := range all {
			got := CanTransition(from, to)
			want := (from == StatusDeferred && to == StatusPending) ||
				(from == StatusPending && to == StatusProcessing) ||
				(from == StatusProcessing && to == StatusCompleted) ||
				(!from.IsTerminal() && to == StatusFailed)
			if got != want {
				t.Fatalf("%s -> %s: expected %v got %v", from, to, want, got)
			}
		}
	}
}
