package smtpd

import (
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/submail/submail/internal/logger"
)

// limitListener 限制同时处理的连接数
// 超过上限的连接在创建会话之前收到 421 并被关闭
type limitListener struct {
	net.Listener
	sem      *semaphore.Weighted
	onReject func(net.Addr)
}

func newLimitListener(l net.Listener, max int, onReject func(net.Addr)) *limitListener {
	return &limitListener{
		Listener: l,
		sem:      semaphore.NewWeighted(int64(max)),
		onReject: onReject,
	}
}

// Accept 只返回拿到许可的连接
func (l *limitListener) Accept() (net.Conn, error) {
	for {
		c, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		if l.sem.TryAcquire(1) {
			return &limitConn{Conn: c, release: func() { l.sem.Release(1) }}, nil
		}

		if l.onReject != nil {
			l.onReject(c.RemoteAddr())
		}
		go rejectConn(c)
	}
}

func rejectConn(c net.Conn) {
	defer c.Close()
	_ = c.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.WriteString(c, tooManyConnectionsReply); err != nil {
		logger.Debug().Err(err).Msg("写入 421 响应失败")
	}
}

// limitConn 关闭时归还许可
type limitConn struct {
	net.Conn
	once    sync.Once
	release func()
}

func (c *limitConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.release)
	return err
}
