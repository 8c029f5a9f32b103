// Package service 承载业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taxflow-go/internal/model"
	"taxflow-go/internal/repository"
	"taxflow-go/pkg/log"
)

// ErrNonPositiveAmount 拒绝 amount <= 0 的积分操作。
var ErrNonPositiveAmount = errors.New("credit amount must be positive")

// CreditService 管理每个用户的积分余额。每次余额变更都在一个原子
// 单元内配对且只配对一条流水记录；会把余额打成负数的操作被整体
// 拒绝，不留任何部分写入。
type CreditService interface {
	// AllocateCredits 发放积分。grantRef 可选地把记录关联到来源的
	// 订阅授予。
	AllocateCredits(ctx context.Context, userID uint, amount int64, description string, grantRef *uint) error
	// ConsumeCredits 扣减积分。余额不足时返回 (false, nil)，
	// 与基础设施错误区分开。
	ConsumeCredits(ctx context.Context, userID uint, amount int64, description string, uploadID *uint) (bool, error)
	// RefundCredits 退还已消费的积分。
	RefundCredits(ctx context.Context, userID uint, amount int64, description string, uploadID *uint) error
	// HasEnoughCredits 是用于提前拦截的咨询性读取，绝不能作为
	// 唯一的授权依据：ConsumeCredits 会在行锁下重新校验。
	HasEnoughCredits(ctx context.Context, userID uint, amount int64) (bool, error)
	// ExpireCredits 过期一笔购买授予的剩余部分，
	// 即 min(授予数量, 当前余额)。对同一授予幂等。
	ExpireCredits(ctx context.Context, grantID uint) error
	Balance(ctx context.Context, userID uint) (int64, error)
	History(ctx context.Context, userID uint, limit int) ([]model.CreditTransaction, error)
	// ExpirableGrants 列出超过截止时间且尚无过期记录的授予，
	// 供清扫器使用。
	ExpirableGrants(ctx context.Context, before time.Time) ([]model.CreditTransaction, error)
}

type creditService struct {
	ledger repository.LedgerRepository
}

// NewCreditService 基于给定的流水账创建 CreditService。
func NewCreditService(ledger repository.LedgerRepository) CreditService {
	return &creditService{ledger: ledger}
}

func (s *creditService) AllocateCredits(ctx context.Context, userID uint, amount int64, description string, grantRef *uint) error {
	if amount <= 0 {
		return ErrNonPositiveAmount
	}

	err := s.ledger.Transact(ctx, func(tx repository.LedgerTx) error {
		user, err := tx.UserForUpdate(userID)
		if err != nil {
			return err
		}
		if err := tx.AddBalance(user.ID, amount); err != nil {
			return err
		}
		return tx.CreateEntry(&model.CreditTransaction{
			UserID:      user.ID,
			Type:        model.CreditPurchased,
			Amount:      amount,
			Description: description,
			GrantID:     grantRef,
		})
	})
	if err != nil {
		log.Errorw("failed to allocate credits", "userId", userID, "amount", amount, "error", err)
		return fmt.Errorf("unable to allocate credits: %w", err)
	}

	log.Infow("credits allocated", "userId", userID, "amount", amount)
	return nil
}

func (s *creditService) ConsumeCredits(ctx context.Context, userID uint, amount int64, description string, uploadID *uint) (bool, error) {
	if amount <= 0 {
		return false, ErrNonPositiveAmount
	}

	consumed := false
	err := s.ledger.Transact(ctx, func(tx repository.LedgerTx) error {
		user, err := tx.UserForUpdate(userID)
		if err != nil {
			return err
		}
		// 行锁下的读取才是权威的余额校验。
		if user.Credits < amount {
			log.Warnw("insufficient credits for consumption",
				"userId", userID, "requested", amount, "available", user.Credits)
			return nil
		}
		if err := tx.AddBalance(user.ID, -amount); err != nil {
			return err
		}
		if err := tx.CreateEntry(&model.CreditTransaction{
			UserID:      user.ID,
			Type:        model.CreditConsumed,
			Amount:      -amount,
			Description: description,
			UploadID:    uploadID,
		}); err != nil {
			return err
		}
		consumed = true
		return nil
	})
	if err != nil {
		log.Errorw("failed to consume credits", "userId", userID, "amount", amount, "error", err)
		return false, fmt.Errorf("unable to consume credits: %w", err)
	}

	if consumed {
		log.Infow("credits consumed", "userId", userID, "amount", amount)
	}
	return consumed, nil
}

func (s *creditService) RefundCredits(ctx context.Context, userID uint, amount int64, description string, uploadID *uint) error {
	if amount <= 0 {
		return ErrNonPositiveAmount
	}

	err := s.ledger.Transact(ctx, func(tx repository.LedgerTx) error {
		user, err := tx.UserForUpdate(userID)
		if err != nil {
			return err
		}
		if err := tx.AddBalance(user.ID, amount); err != nil {
			return err
		}
		return tx.CreateEntry(&model.CreditTransaction{
			UserID:      user.ID,
			Type:        model.CreditRefunded,
			Amount:      amount,
			Description: description,
			UploadID:    uploadID,
		})
	})
	if err != nil {
		log.Errorw("failed to refund credits", "userId", userID, "amount", amount, "error", err)
		return fmt.Errorf("unable to refund credits: %w", err)
	}

	log.Infow("credits refunded", "userId", userID, "amount", amount)
	return nil
}

func (s *creditService) HasEnoughCredits(ctx context.Context, userID uint, amount int64) (bool, error) {
	user, err := s.ledger.FindUser(userID)
	if err != nil {
		return false, err
	}
	return user.Credits >= amount, nil
}

func (s *creditService) ExpireCredits(ctx context.Context, grantID uint) error {
	grant, err := s.ledger.FindGrant(grantID)
	if err != nil {
		return err
	}
	if grant.Type != model.CreditPurchased {
		return fmt.Errorf("transaction %d is not a purchased grant", grantID)
	}

	err = s.ledger.Transact(ctx, func(tx repository.LedgerTx) error {
		// 无论余额多少，一笔授予最多过期一次。
		already, err := tx.HasExpirationFor(grant.ID)
		if err != nil {
			return err
		}
		if already {
			log.Infow("grant already expired, skipping", "grantId", grant.ID, "userId", grant.UserID)
			return nil
		}

		user, err := tx.UserForUpdate(grant.UserID)
		if err != nil {
			return err
		}

		// 过期数量不会超过用户当前持有的余额。
		toExpire := grant.Amount
		if user.Credits < toExpire {
			toExpire = user.Credits
		}
		grantRef := grant.ID
		if toExpire <= 0 {
			// 已被完全消费。零额度的标记记录仍然必须落库，否则清扫器
			// 会永远重新选中这笔授予，之后的重跑会扣掉更新一笔授予
			// 的积分。
			log.Infow("no credits left to expire", "grantId", grant.ID, "userId", user.ID, "balance", user.Credits)
			return tx.CreateEntry(&model.CreditTransaction{
				UserID:      user.ID,
				Type:        model.CreditExpired,
				Amount:      0,
				Description: fmt.Sprintf("Grant #%d fully consumed before expiration", grant.ID),
				GrantID:     &grantRef,
			})
		}

		if err := tx.AddBalance(user.ID, -toExpire); err != nil {
			return err
		}
		if err := tx.CreateEntry(&model.CreditTransaction{
			UserID:      user.ID,
			Type:        model.CreditExpired,
			Amount:      -toExpire,
			Description: fmt.Sprintf("Automatic expiration of grant #%d from %s", grant.ID, grant.CreatedAt.Format("2006-01-02")),
			GrantID:     &grantRef,
		}); err != nil {
			return err
		}

		log.Infow("credits expired", "grantId", grant.ID, "userId", user.ID, "expired", toExpire)
		return nil
	})
	if err != nil {
		log.Errorw("failed to expire credits", "grantId", grantID, "error", err)
		return fmt.Errorf("unable to expire credits: %w", err)
	}
	return nil
}

func (s *creditService) Balance(ctx context.Context, userID uint) (int64, error) {
	user, err := s.ledger.FindUser(userID)
	if err != nil {
		return 0, err
	}
	return user.Credits, nil
}

func (s *creditService) History(ctx context.Context, userID uint, limit int) ([]model.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.ledger.History(userID, limit)
}

func (s *creditService) ExpirableGrants(ctx context.Context, before time.Time) ([]model.CreditTransaction, error) {
	return s.ledger.ExpirableGrants(before)
}
