package repository

import (
	"context"
	"errors"

	cr "github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kjstillabower/seckill-service/internal/models"
	"github.com/kjstillabower/seckill-service/internal/observability"
)

// ShopRepository reads and writes tb_shop.
type ShopRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewShopRepository(db *pgxpool.Pool, logger *zap.Logger) *ShopRepository {
	return &ShopRepository{db: db, logger: observability.OrNop(logger)}
}

const shopColumns = `id, name, type_id, images, area, address, x, y, avg_price, sold, comments, score, open_hours, update_time`

// GetShop returns the shop with id, or ErrNotFound.
func (r *ShopRepository) GetShop(ctx context.Context, id int64) (models.Shop, error) {
	var s models.Shop
	err := r.db.QueryRow(ctx, `SELECT `+shopColumns+` FROM tb_shop WHERE id = $1`, id).Scan(
		&s.ID, &s.Name, &s.TypeID, &s.Images, &s.Area, &s.Address, &s.X, &s.Y,
		&s.AvgPrice, &s.Sold, &s.Comments, &s.Score, &s.OpenHours, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Shop{}, mark(err, ErrNotFound)
		}
		return models.Shop{}, cr.Wrapf(err, "get shop %d", id)
	}
	return s, nil
}

// CreateShop inserts s and returns it with its assigned id.
func (r *ShopRepository) CreateShop(ctx context.Context, s models.Shop) (models.Shop, error) {
	err := r.db.QueryRow(ctx, `
		INSERT INTO tb_shop (name, type_id, images, area, address, x, y, avg_price, sold, comments, score, open_hours)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, update_time`,
		s.Name, s.TypeID, s.Images, s.Area, s.Address, s.X, s.Y, s.AvgPrice, s.Sold, s.Comments, s.Score, s.OpenHours,
	).Scan(&s.ID, &s.UpdatedAt)
	if err != nil {
		return models.Shop{}, cr.Wrap(err, "create shop")
	}
	return s, nil
}

// UpdateShop overwrites the mutable fields of s.ID. Returns ErrNotFound if no row matched.
func (r *ShopRepository) UpdateShop(ctx context.Context, s models.Shop) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE tb_shop SET name = $2, type_id = $3, images = $4, area = $5, address = $6,
			x = $7, y = $8, avg_price = $9, sold = $10, comments = $11, score = $12,
			open_hours = $13, update_time = NOW()
		WHERE id = $1`,
		s.ID, s.Name, s.TypeID, s.Images, s.Area, s.Address, s.X, s.Y, s.AvgPrice, s.Sold, s.Comments, s.Score, s.OpenHours,
	)
	if err != nil {
		return cr.Wrapf(err, "update shop %d", s.ID)
	}
	if tag.RowsAffected() == 0 {
		return mark(nil, ErrNotFound)
	}
	return nil
}
