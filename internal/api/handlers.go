package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/submail/submail/internal/storage"
)

const (
	defaultOutcomeLimit = 50
	maxOutcomeLimit     = 500
)

// healthHandler 健康检查处理器，同时检查存储是否可用
func healthHandler(store Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unavailable",
				"error":  err.Error(),
				"time":   time.Now().Unix(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	}
}

// localPart 接受 "news" 或 "news@<托管域名>" 两种形式
func localPart(address, domain string) (string, bool) {
	address = strings.ToLower(strings.TrimSpace(address))
	at := strings.LastIndexByte(address, '@')
	if at < 0 {
		return address, address != ""
	}
	if address[at+1:] != strings.ToLower(domain) {
		return "", false
	}
	return address[:at], at > 0
}

// lookupAlias 查询别名并处理错误响应，失败时返回 nil
func lookupAlias(c *gin.Context, store Store, domain string) *storage.Alias {
	local, ok := localPart(c.Param("address"), domain)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "无效的别名地址",
		})
		return nil
	}

	alias, err := store.LookupAlias(c.Request.Context(), local)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "别名不存在",
			})
			return nil
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": err.Error(),
		})
		return nil
	}
	return alias
}

// getAliasHandler 获取别名及其规则
func getAliasHandler(store Store, domain string) gin.HandlerFunc {
	return func(c *gin.Context) {
		alias := lookupAlias(c, store, domain)
		if alias == nil {
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"alias":  alias,
			"domain": domain,
		})
	}
}

// listOutcomesHandler 列出别名的投递记录，最新的在前
func listOutcomesHandler(store Store, domain string) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := defaultOutcomeLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 || n > maxOutcomeLimit {
				c.JSON(http.StatusBadRequest, gin.H{
					"error": "无效的 limit",
				})
				return
			}
			limit = n
		}

		alias := lookupAlias(c, store, domain)
		if alias == nil {
			return
		}

		outcomes, err := store.ListOutcomes(c.Request.Context(), alias.ID, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": err.Error(),
			})
			return
		}
		if outcomes == nil {
			outcomes = []*storage.Outcome{}
		}

		c.JSON(http.StatusOK, gin.H{
			"alias":    alias.Address,
			"outcomes": outcomes,
		})
	}
}
