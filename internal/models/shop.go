package models

import "time"

// Shop is the hot read-path record served through the cache.
type Shop struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	TypeID    int64     `json:"typeId"`
	Images    string    `json:"images,omitempty"`
	Area      string    `json:"area,omitempty"`
	Address   string    `json:"address"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	AvgPrice  int64     `json:"avgPrice"`
	Sold      int       `json:"sold"`
	Comments  int       `json:"comments"`
	Score     int       `json:"score"`
	OpenHours string    `json:"openHours,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}
