package smtpd

import (
	"sync"

	"github.com/submail/submail/internal/storage"
)

// state 单个连接的状态
type state int

const (
	stateAwaitingRecipient state = iota
	stateRecipientResolved
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateAwaitingRecipient:
		return "awaiting_recipient"
	case stateRecipientResolved:
		return "recipient_resolved"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// connState 在 RCPT 和 DATA 之间传递已解析的别名
// Logout 可能在其他 goroutine 中调用，所以需要加锁
type connState struct {
	mu      sync.Mutex
	current state
	alias   *storage.Alias
}

// resolve 进入 RecipientResolved 状态
func (c *connState) resolve(alias *storage.Alias) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == stateClosed {
		return
	}
	c.current = stateRecipientResolved
	c.alias = alias
}

// snapshot 返回当前状态和别名
func (c *connState) snapshot() (state, *storage.Alias) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.alias
}

// reset 事务结束，回到 AwaitingRecipient
func (c *connState) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == stateClosed {
		return
	}
	c.current = stateAwaitingRecipient
	c.alias = nil
}

// close 连接关闭，之后不再接受状态变化；已经关闭时返回 false
func (c *connState) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == stateClosed {
		return false
	}
	c.current = stateClosed
	c.alias = nil
	return true
}
