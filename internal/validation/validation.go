package validation

import (
	"errors"
	"strconv"
	"strings"
	"unicode"

	"github.com/kjstillabower/seckill-service/internal/models"
)

// ErrIDInvalid is returned when an id is not a positive base-10 integer.
var ErrIDInvalid = errors.New("id must be a positive integer")

// ErrShopNameEmpty is returned when a shop name is empty or whitespace-only after trim.
var ErrShopNameEmpty = errors.New("shop name is required")

// ErrShopNameTooLong is returned when a shop name exceeds the maximum length.
var ErrShopNameTooLong = errors.New("shop name too long")

// ErrShopNameInvalidChars is returned when a shop name contains control characters.
var ErrShopNameInvalidChars = errors.New("shop name contains invalid characters")

// ErrVoucherStock is returned for a negative seckill stock.
var ErrVoucherStock = errors.New("voucher stock must not be negative")

// ErrVoucherWindow is returned when a voucher's end time is not after its begin time.
var ErrVoucherWindow = errors.New("voucher end time must be after begin time")

// ParseID parses a path or header id. Surrounding whitespace is ignored.
func ParseID(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return 0, ErrIDInvalid
	}
	return n, nil
}

// ValidateShop checks the fields an update may set and returns the shop with
// its name trimmed. maxNameLen is in runes; zero means no limit.
func ValidateShop(s models.Shop, maxNameLen int) (models.Shop, error) {
	if s.ID <= 0 {
		return s, ErrIDInvalid
	}
	name := strings.TrimSpace(s.Name)
	r := []rune(name)
	if len(r) == 0 {
		return s, ErrShopNameEmpty
	}
	if maxNameLen > 0 && len(r) > maxNameLen {
		return s, ErrShopNameTooLong
	}
	for _, c := range r {
		if unicode.IsControl(c) {
			return s, ErrShopNameInvalidChars
		}
	}
	s.Name = name
	return s, nil
}

// ValidateSeckillVoucher checks a voucher before it is created.
func ValidateSeckillVoucher(v models.SeckillVoucher) error {
	if v.ShopID <= 0 {
		return ErrIDInvalid
	}
	if v.Stock < 0 {
		return ErrVoucherStock
	}
	if !v.EndTime.After(v.BeginTime) {
		return ErrVoucherWindow
	}
	return nil
}
