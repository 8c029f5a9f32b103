package model

import "time"

// User 携带反规范化的积分余额。余额只会和一条流水记录在同一个
// 事务里一起变更，且永远不会小于零。
type User struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Email     string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	Name      string    `gorm:"type:varchar(255)" json:"name"`
	Credits   int64     `gorm:"not null;default:0" json:"credits"`
	IsAdmin   bool      `gorm:"not null;default:false" json:"isAdmin"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (User) TableName() string {
	return "users"
}

// CreditTransactionType 区分流水记录的类型。
type CreditTransactionType string

const (
	CreditPurchased CreditTransactionType = "purchased"
	CreditConsumed  CreditTransactionType = "consumed"
	CreditRefunded  CreditTransactionType = "refunded"
	CreditExpired   CreditTransactionType = "expired"
)

// CreditTransaction 是一条只追加的流水记录。Amount 带符号：
// 正数入账，负数出账。记录一经写入不再更新或删除。
type CreditTransaction struct {
	ID          uint                  `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID      uint                  `gorm:"not null;index" json:"userId"`
	Type        CreditTransactionType `gorm:"type:varchar(16);not null" json:"type"`
	Amount      int64                 `gorm:"not null" json:"amount"`
	Description string                `gorm:"type:varchar(512)" json:"description"`
	// UploadID 把消费/退款记录关联到对应的上传；GrantID 把过期记录
	// 关联到被过期的那笔购买。两者都是可选的。
	UploadID  *uint     `gorm:"index" json:"uploadId,omitempty"`
	GrantID   *uint     `gorm:"index" json:"grantId,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (CreditTransaction) TableName() string {
	return "credit_transactions"
}
