package x402

import "testing"

func TestParsePrice(t *testing.T) {
	tests := []struct {
		price    string
		decimals int
		want     string
		wantErr  bool
	}{
		{"$0.01", 6, "10000", false},
		{"0.01", 6, "10000", false},
		{"$1", 6, "1000000", false},
		{" $2.5 ", 6, "2500000", false},
		{"$0", 6, "0", false},
		{"$0.000001", 6, "1", false},
		{"$1", 18, "1000000000000000000", false},
		{"$0.0000001", 6, "", true},
		{"-1", 6, "", true},
		{"$-1", 6, "", true},
		{"abc", 6, "", true},
		{"", 6, "", true},
		{"1e3", 6, "", true},
		{"$1", -1, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.price, func(t *testing.T) {
			got, err := ParsePrice(tt.price, tt.decimals)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %s", got)
				}
				if GetPaymentErrorCode(err) != ErrCodeInvalidPrice {
					t.Errorf("expected %s, got %v", ErrCodeInvalidPrice, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePrice: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParsePrice(%q, %d) = %s, want %s", tt.price, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		amount string
		want   string
	}{
		{"10000", "$0.010000"},
		{"1000000", "$1.000000"},
		{"0", "$0.000000"},
	}

	for _, tt := range tests {
		got, err := FormatAmount(tt.amount, 6)
		if err != nil {
			t.Fatalf("FormatAmount(%s): %v", tt.amount, err)
		}
		if got != tt.want {
			t.Errorf("FormatAmount(%s) = %s, want %s", tt.amount, got, tt.want)
		}
	}

	if _, err := FormatAmount("1.5", 6); err == nil {
		t.Error("expected error for a fractional amount")
	}
}
