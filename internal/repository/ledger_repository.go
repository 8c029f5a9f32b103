package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"taxflow-go/internal/model"
)

var (
	// ErrUserNotFound 表示查询没有命中任何用户。
	ErrUserNotFound = errors.New("user not found")
	// ErrGrantNotFound 表示按授予查询没有命中任何流水记录。
	ErrGrantNotFound = errors.New("credit grant not found")
)

// LedgerTx 是一个原子单元内部对流水账的视图。用户行在整个事务期间
// 持有行锁，同一用户的并发积分操作被串行化。
type LedgerTx interface {
	// UserForUpdate 以行级写锁加载用户行。
	UserForUpdate(userID uint) (*model.User, error)
	// AddBalance 按 delta 调整反规范化的余额。
	AddBalance(userID uint, delta int64) error
	// CreateEntry 追加一条不可变的流水记录。
	CreateEntry(entry *model.CreditTransaction) error
	// HasExpirationFor 判断给定授予是否已存在过期记录。
	HasExpirationFor(grantID uint) (bool, error)
}

// LedgerRepository 管理积分流水账和余额字段。所有变更都发生在
// Transact 内：余额变化和流水记录要么一起落库，要么都不落。
type LedgerRepository interface {
	Transact(ctx context.Context, fn func(tx LedgerTx) error) error
	FindUser(userID uint) (*model.User, error)
	FindGrant(id uint) (*model.CreditTransaction, error)
	History(userID uint, limit int) ([]model.CreditTransaction, error)
	// ExpirableGrants 列出截止时间之前创建且尚无过期记录的购买授予。
	ExpirableGrants(before time.Time) ([]model.CreditTransaction, error)
}

type ledgerRepository struct {
	db *gorm.DB
}

// NewLedgerRepository 创建基于 GORM 的实现。
func NewLedgerRepository(db *gorm.DB) LedgerRepository {
	return &ledgerRepository{db: db}
}

type ledgerTx struct {
	tx *gorm.DB
}

func (r *ledgerRepository) Transact(ctx context.Context, fn func(tx LedgerTx) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&ledgerTx{tx: tx})
	})
}

func (r *ledgerRepository) FindUser(userID uint) (*model.User, error) {
	var user model.User
	err := r.db.First(&user, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *ledgerRepository) FindGrant(id uint) (*model.CreditTransaction, error) {
	var entry model.CreditTransaction
	err := r.db.First(&entry, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrGrantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *ledgerRepository) History(userID uint, limit int) ([]model.CreditTransaction, error) {
	var entries []model.CreditTransaction
	err := r.db.Where("user_id = ?", userID).
		Order("created_at desc").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (r *ledgerRepository) ExpirableGrants(before time.Time) ([]model.CreditTransaction, error) {
	var grants []model.CreditTransaction
	err := r.db.
		Where("type = ? AND created_at < ?", model.CreditPurchased, before).
		Where("NOT EXISTS (SELECT 1 FROM credit_transactions e WHERE e.grant_id = credit_transactions.id AND e.type = ?)", model.CreditExpired).
		Find(&grants).Error
	return grants, err
}

func (t *ledgerTx) UserForUpdate(userID uint) (*model.User, error) {
	var user model.User
	err := t.tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (t *ledgerTx) AddBalance(userID uint, delta int64) error {
	return t.tx.Model(&model.User{}).
		Where("id = ?", userID).
		Update("credits", gorm.Expr("credits + ?", delta)).Error
}

func (t *ledgerTx) CreateEntry(entry *model.CreditTransaction) error {
	return t.tx.Create(entry).Error
}

func (t *ledgerTx) HasExpirationFor(grantID uint) (bool, error) {
	var count int64
	err := t.tx.Model(&model.CreditTransaction{}).
		Where("grant_id = ? AND type = ?", grantID, model.CreditExpired).
		Count(&count).Error
	return count > 0, err
}
