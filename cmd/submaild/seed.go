package main

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/submail/submail/internal/config"
	"github.com/submail/submail/internal/storage"
)

// seedEntry 一条种子数据
type seedEntry struct {
	Alias     string
	RealEmail string
	Block     bool
}

// parseSeed 解析 alias:real@example.com[:block]，多个用逗号分隔
func parseSeed(value string) ([]seedEntry, error) {
	var entries []seedEntry
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		parts := strings.Split(item, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("无效的种子数据: %q", item)
		}

		entry := seedEntry{
			Alias:     strings.ToLower(strings.TrimSpace(parts[0])),
			RealEmail: strings.TrimSpace(parts[1]),
		}
		if entry.Alias == "" || strings.Contains(entry.Alias, "@") {
			return nil, fmt.Errorf("无效的别名: %q", parts[0])
		}
		if _, err := mail.ParseAddress(entry.RealEmail); err != nil {
			return nil, fmt.Errorf("无效的邮箱 %q: %w", entry.RealEmail, err)
		}
		if len(parts) == 3 {
			if parts[2] != "block" {
				return nil, fmt.Errorf("未知的选项: %q", parts[2])
			}
			entry.Block = true
		}
		entries = append(entries, entry)
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("种子数据为空")
	}
	return entries, nil
}

// handleSeedCommand 写入种子数据
func handleSeedCommand(cfg *config.Config, value string) error {
	entries, err := parseSeed(value)
	if err != nil {
		return err
	}

	store, err := storage.NewSQLiteDriver(cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("打开数据库失败: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	for _, entry := range entries {
		if err := seedOne(ctx, store, entry); err != nil {
			return err
		}
		fmt.Printf("已创建别名 %s@%s -> %s\n", entry.Alias, cfg.Domain, entry.RealEmail)
	}
	return nil
}

// seedOne 创建用户、别名和规则
func seedOne(ctx context.Context, store storage.Driver, entry seedEntry) error {
	user := &storage.User{RealEmail: entry.RealEmail}
	if err := store.CreateUser(ctx, user); err != nil {
		return err
	}

	alias := &storage.Alias{Address: entry.Alias, UserID: user.ID}
	if err := store.CreateAlias(ctx, alias); err != nil {
		return err
	}

	// 目标为空表示转发到用户真实邮箱
	if err := store.AddRule(ctx, &storage.Rule{AliasID: alias.ID, Kind: storage.RuleForward}); err != nil {
		return err
	}
	if entry.Block {
		if err := store.AddRule(ctx, &storage.Rule{AliasID: alias.ID, Kind: storage.RuleBlock}); err != nil {
			return err
		}
	}
	return nil
}
