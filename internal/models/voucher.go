package models

import "time"

// SeckillVoucher is a flash-sale voucher with a limited stock.
type SeckillVoucher struct {
	VoucherID int64     `json:"voucherId"`
	ShopID    int64     `json:"shopId"`
	Title     string    `json:"title"`
	Stock     int       `json:"stock"`
	BeginTime time.Time `json:"beginTime"`
	EndTime   time.Time `json:"endTime"`
}

// OrderIntent is appended to the order stream once a purchase is admitted.
type OrderIntent struct {
	OrderID   int64 `json:"id"`
	UserID    int64 `json:"userId"`
	VoucherID int64 `json:"voucherId"`
}

// Order is a committed voucher order in the system of record.
type Order struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"userId"`
	VoucherID int64     `json:"voucherId"`
	CreatedAt time.Time `json:"createdAt"`
}
