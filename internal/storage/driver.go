package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound 未找到错误
var ErrNotFound = errors.New("not found")

// Directory 别名目录（只读）
type Directory interface {
	// LookupAlias 按本地部分查找别名，返回别名及其规则和所属用户
	// 别名不存在时返回 ErrNotFound，其他错误视为临时故障
	LookupAlias(ctx context.Context, localPart string) (*Alias, error)
}

// OutcomeStore 投递结果日志（只追加）
type OutcomeStore interface {
	AppendOutcome(ctx context.Context, outcome *Outcome) error
	ListOutcomes(ctx context.Context, aliasID int64, limit int) ([]*Outcome, error)
}

// Driver 存储驱动接口
type Driver interface {
	Directory
	OutcomeStore

	// 种子数据（管理层之外只用于初始化和测试）
	CreateUser(ctx context.Context, user *User) error
	CreateAlias(ctx context.Context, alias *Alias) error
	AddRule(ctx context.Context, rule *Rule) error

	Ping(ctx context.Context) error
	Close() error
}

// RuleKind 规则类型
type RuleKind string

const (
	RuleForward RuleKind = "FORWARD"
	RuleBlock   RuleKind = "BLOCK"
)

// Valid 检查规则类型是否合法
func (k RuleKind) Valid() bool {
	return k == RuleForward || k == RuleBlock
}

// Rule 别名规则
type Rule struct {
	ID          int64    `json:"id"`
	AliasID     int64    `json:"alias_id"`
	Kind        RuleKind `json:"type"`
	Destination string   `json:"destination,omitempty"` // 为空表示使用用户真实邮箱
}

// User 用户
type User struct {
	ID        int64     `json:"id"`
	RealEmail string    `json:"real_email"`
	CreatedAt time.Time `json:"created_at"`
}

// Alias 别名
type Alias struct {
	ID        int64     `json:"id"`
	Address   string    `json:"address"` // 本地部分，小写
	UserID    int64     `json:"user_id"`
	Owner     *User     `json:"-"`
	Rules     []Rule    `json:"rules"`
	CreatedAt time.Time `json:"created_at"`
}

// Status 投递状态
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusBlocked Status = "BLOCKED"
	StatusFailed  Status = "FAILED"
)

// Outcome 投递结果记录，写入后不再修改
type Outcome struct {
	ID          string    `json:"id"`
	AliasID     int64     `json:"alias_id"`
	Sender      string    `json:"sender"`
	Subject     string    `json:"subject"`
	Status      Status    `json:"status"`
	Destination string    `json:"destination"`
	Message     string    `json:"message,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
