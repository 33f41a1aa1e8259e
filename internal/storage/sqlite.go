package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteDriver SQLite 存储驱动
type SQLiteDriver struct {
	db *sql.DB
}

// NewSQLiteDriver 创建 SQLite 驱动
func NewSQLiteDriver(dsn string) (*SQLiteDriver, error) {
	db, err := sql.Open("sqlite", withBusyTimeout(dsn))
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	// 设置连接参数
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// 测试连接
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接失败: %w", err)
	}

	driver := &SQLiteDriver{db: db}

	// 初始化表结构
	if err := driver.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化表结构失败: %w", err)
	}

	return driver, nil
}

// withBusyTimeout 为每个连接设置 busy_timeout，避免并发写入时立即返回 SQLITE_BUSY
func withBusyTimeout(dsn string) string {
	if strings.Contains(dsn, "busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)"
}

// initSchema 初始化数据库表结构
func (d *SQLiteDriver) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		real_email TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS aliases (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		address TEXT UNIQUE NOT NULL COLLATE NOCASE,
		user_id INTEGER NOT NULL REFERENCES users(id),
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		alias_id INTEGER NOT NULL REFERENCES aliases(id) ON DELETE CASCADE,
		type TEXT NOT NULL CHECK (type IN ('FORWARD', 'BLOCK')),
		destination TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS outcomes (
		id TEXT PRIMARY KEY,
		alias_id INTEGER NOT NULL,
		sender TEXT NOT NULL,
		subject TEXT NOT NULL,
		status TEXT NOT NULL,
		destination TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rules_alias ON rules(alias_id);
	CREATE INDEX IF NOT EXISTS idx_outcomes_alias_created ON outcomes(alias_id, created_at);
	`

	_, err := d.db.Exec(schema)
	return err
}

// CreateUser 创建用户
func (d *SQLiteDriver) CreateUser(ctx context.Context, user *User) error {
	query := `INSERT INTO users (real_email, created_at) VALUES (?, ?)`
	now := time.Now().UTC()
	res, err := d.db.ExecContext(ctx, query, user.RealEmail, now)
	if err != nil {
		return fmt.Errorf("创建用户失败: %w", err)
	}
	user.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("获取用户 ID 失败: %w", err)
	}
	user.CreatedAt = now
	return nil
}

// CreateAlias 创建别名（本地部分统一转为小写）
func (d *SQLiteDriver) CreateAlias(ctx context.Context, alias *Alias) error {
	query := `INSERT INTO aliases (address, user_id, created_at) VALUES (?, ?, ?)`
	alias.Address = strings.ToLower(alias.Address)
	now := time.Now().UTC()
	res, err := d.db.ExecContext(ctx, query, alias.Address, alias.UserID, now)
	if err != nil {
		return fmt.Errorf("创建别名失败: %w", err)
	}
	alias.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("获取别名 ID 失败: %w", err)
	}
	alias.CreatedAt = now
	return nil
}

// AddRule 为别名添加规则
func (d *SQLiteDriver) AddRule(ctx context.Context, rule *Rule) error {
	if !rule.Kind.Valid() {
		return fmt.Errorf("无效的规则类型: %s", rule.Kind)
	}
	query := `INSERT INTO rules (alias_id, type, destination) VALUES (?, ?, ?)`
	res, err := d.db.ExecContext(ctx, query, rule.AliasID, string(rule.Kind), rule.Destination)
	if err != nil {
		return fmt.Errorf("添加规则失败: %w", err)
	}
	rule.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("获取规则 ID 失败: %w", err)
	}
	return nil
}

// LookupAlias 按本地部分查找别名（不区分大小写）
func (d *SQLiteDriver) LookupAlias(ctx context.Context, localPart string) (*Alias, error) {
	query := `
		SELECT a.id, a.address, a.user_id, a.created_at, u.id, u.real_email, u.created_at
		FROM aliases a
		LEFT JOIN users u ON u.id = a.user_id
		WHERE a.address = ?
	`
	row := d.db.QueryRowContext(ctx, query, strings.ToLower(localPart))

	var alias Alias
	var ownerID sql.NullInt64
	var realEmail sql.NullString
	var ownerCreated sql.NullTime
	err := row.Scan(
		&alias.ID,
		&alias.Address,
		&alias.UserID,
		&alias.CreatedAt,
		&ownerID,
		&realEmail,
		&ownerCreated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("别名不存在: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("查询别名失败: %w", err)
	}

	if ownerID.Valid {
		alias.Owner = &User{
			ID:        ownerID.Int64,
			RealEmail: realEmail.String,
			CreatedAt: ownerCreated.Time,
		}
	}

	alias.Rules, err = d.listRules(ctx, alias.ID)
	if err != nil {
		return nil, err
	}

	return &alias, nil
}

// listRules 按插入顺序列出别名规则
func (d *SQLiteDriver) listRules(ctx context.Context, aliasID int64) ([]Rule, error) {
	query := `SELECT id, alias_id, type, destination FROM rules WHERE alias_id = ? ORDER BY id`
	rows, err := d.db.QueryContext(ctx, query, aliasID)
	if err != nil {
		return nil, fmt.Errorf("查询规则失败: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var rule Rule
		var kind string
		if err := rows.Scan(&rule.ID, &rule.AliasID, &kind, &rule.Destination); err != nil {
			return nil, fmt.Errorf("扫描规则失败: %w", err)
		}
		rule.Kind = RuleKind(kind)
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历规则失败: %w", err)
	}

	return rules, nil
}

// AppendOutcome 追加一条投递结果
func (d *SQLiteDriver) AppendOutcome(ctx context.Context, outcome *Outcome) error {
	query := `
		INSERT INTO outcomes (id, alias_id, sender, subject, status, destination, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := d.db.ExecContext(ctx, query,
		outcome.ID,
		outcome.AliasID,
		outcome.Sender,
		outcome.Subject,
		string(outcome.Status),
		outcome.Destination,
		outcome.Message,
		outcome.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("写入投递结果失败: %w", err)
	}
	return nil
}

// ListOutcomes 按时间倒序列出别名的投递结果
func (d *SQLiteDriver) ListOutcomes(ctx context.Context, aliasID int64, limit int) ([]*Outcome, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, alias_id, sender, subject, status, destination, message, created_at
		FROM outcomes
		WHERE alias_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`
	rows, err := d.db.QueryContext(ctx, query, aliasID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询投递结果失败: %w", err)
	}
	defer rows.Close()

	var outcomes []*Outcome
	for rows.Next() {
		var o Outcome
		var status string
		if err := rows.Scan(
			&o.ID,
			&o.AliasID,
			&o.Sender,
			&o.Subject,
			&status,
			&o.Destination,
			&o.Message,
			&o.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("扫描投递结果失败: %w", err)
		}
		o.Status = Status(status)
		outcomes = append(outcomes, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历投递结果失败: %w", err)
	}

	return outcomes, nil
}

// Ping 检查数据库连接
func (d *SQLiteDriver) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close 关闭连接
func (d *SQLiteDriver) Close() error {
	return d.db.Close()
}
