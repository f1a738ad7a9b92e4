package validation

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kjstillabower/seckill-service/internal/models"
)

func TestParseID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int64
		wantErr bool
	}{
		{"simple", "42", 42, false},
		{"padded", " 7 ", 7, false},
		{"zero", "0", 0, true},
		{"negative", "-3", 0, true},
		{"empty", "", 0, true},
		{"letters", "abc", 0, true},
		{"overflow", "99999999999999999999", 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseID(tc.input)
			if tc.wantErr {
				if !errors.Is(err, ErrIDInvalid) {
					t.Errorf("ParseID(%q) error = %v, want ErrIDInvalid", tc.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseID(%q) error = %v", tc.input, err)
			}
			if got != tc.want {
				t.Errorf("ParseID(%q) = %d, want %d", tc.input, got, tc.want)
			}
		})
	}
}

func TestValidateShop(t *testing.T) {
	tests := []struct {
		name    string
		shop    models.Shop
		wantErr error
	}{
		{"missing id", models.Shop{Name: "a"}, ErrIDInvalid},
		{"empty name", models.Shop{ID: 1, Name: "  "}, ErrShopNameEmpty},
		{"too long", models.Shop{ID: 1, Name: strings.Repeat("a", 65)}, ErrShopNameTooLong},
		{"control char", models.Shop{ID: 1, Name: "tea\x00house"}, ErrShopNameInvalidChars},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateShop(tc.shop, 64)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("ValidateShop() error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestValidateShop_TrimsName(t *testing.T) {
	got, err := ValidateShop(models.Shop{ID: 1, Name: "  Tea House  "}, 64)
	if err != nil {
		t.Fatalf("ValidateShop() error = %v", err)
	}
	if got.Name != "Tea House" {
		t.Errorf("Name = %q, want trimmed", got.Name)
	}
}

func TestValidateSeckillVoucher(t *testing.T) {
	now := time.Now()
	ok := models.SeckillVoucher{ShopID: 1, Stock: 10, BeginTime: now, EndTime: now.Add(time.Hour)}
	if err := ValidateSeckillVoucher(ok); err != nil {
		t.Fatalf("ValidateSeckillVoucher() error = %v", err)
	}

	noShop := ok
	noShop.ShopID = 0
	negative := ok
	negative.Stock = -1
	backwards := ok
	backwards.EndTime = now.Add(-time.Hour)

	tests := []struct {
		name    string
		v       models.SeckillVoucher
		wantErr error
	}{
		{"no shop", noShop, ErrIDInvalid},
		{"negative stock", negative, ErrVoucherStock},
		{"end before begin", backwards, ErrVoucherWindow},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateSeckillVoucher(tc.v); !errors.Is(err, tc.wantErr) {
				t.Errorf("ValidateSeckillVoucher() error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}
