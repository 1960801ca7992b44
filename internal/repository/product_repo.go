package repository

import (
	"context"
	"errors"

	"credvault/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrProductNotFound = errors.New("商品不存在")

type ProductRepository struct {
	db *gorm.DB
}

func NewProductRepository(db *gorm.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

func (r *ProductRepository) Create(ctx context.Context, product *model.Product) error {
	return r.db.WithContext(ctx).Create(product).Error
}

func (r *ProductRepository) GetByID(ctx context.Context, id int64) (*model.Product, error) {
	var product model.Product
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&product).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProductNotFound
		}
		return nil, err
	}
	return &product, nil
}

// GetByIDForUpdate 事务内加行锁读取商品
func (r *ProductRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*model.Product, error) {
	var product model.Product
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&product).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProductNotFound
		}
		return nil, err
	}
	return &product, nil
}

// 管理后台表单可以修改的列，paused 只由暂停/恢复接口修改
var productSettingColumns = []string{
	"name",
	"max_users_per_account",
	"expire_after_days",
	"is_gift_card",
	"two_fa_enabled",
	"two_fa_method",
	"limit_two_fa_per_user",
	"two_fa_limit",
}

// UpdateSettings 只写入表单字段，不覆盖 paused 和 store_id
func (r *ProductRepository) UpdateSettings(ctx context.Context, tx *gorm.DB, product *model.Product) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(product).
		Select(productSettingColumns).
		Updates(product).Error
}

func (r *ProductRepository) SetPaused(ctx context.Context, id int64, paused bool) error {
	result := r.db.WithContext(ctx).
		Model(&model.Product{}).
		Where("id = ?", id).
		Update("paused", paused)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *ProductRepository) ListByStore(ctx context.Context, storeID string) ([]*model.Product, error) {
	var products []*model.Product
	err := r.db.WithContext(ctx).
		Where("store_id = ?", storeID).
		Order("id ASC").
		Find(&products).Error
	return products, err
}

func (r *ProductRepository) Delete(ctx context.Context, tx *gorm.DB, id int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).Where("id = ?", id).Delete(&model.Product{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrProductNotFound
	}
	return nil
}
