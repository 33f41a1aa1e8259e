package audit

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/submail/submail/internal/logger"
	"github.com/submail/submail/internal/metrics"
	"github.com/submail/submail/internal/storage"
)

// memoryStore 内存中的结果存储
type memoryStore struct {
	mu       sync.Mutex
	err      error
	outcomes []storage.Outcome
	ctxErr   error
}

func (m *memoryStore) AppendOutcome(ctx context.Context, o *storage.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctxErr = ctx.Err()
	if m.err != nil {
		return m.err
	}
	m.outcomes = append(m.outcomes, *o)
	return nil
}

func (m *memoryStore) ListOutcomes(context.Context, int64, int) ([]*storage.Outcome, error) {
	return nil, nil
}

func TestRecorder_Defaults(t *testing.T) {
	store := &memoryStore{}
	r := NewRecorder(store, metrics.NewExporter())
	r.now = func() time.Time { return time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC) }

	r.Record(context.Background(), storage.Outcome{
		AliasID:     7,
		Status:      storage.StatusBlocked,
		Destination: BlockedDestination,
		Message:     BlockedReason,
	})

	if len(store.outcomes) != 1 {
		t.Fatalf("记录数 = %d, want 1", len(store.outcomes))
	}
	got := store.outcomes[0]
	if got.ID == "" {
		t.Error("应该生成 ID")
	}
	if got.Sender != "Unknown" || got.Subject != "No Subject" {
		t.Errorf("默认值不正确: sender=%q subject=%q", got.Sender, got.Subject)
	}
	if !got.CreatedAt.Equal(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("CreatedAt = %v", got.CreatedAt)
	}
	if got.Status != storage.StatusBlocked || got.Destination != "Blocked" || got.Message != "Alias is paused/blocked" {
		t.Errorf("记录不匹配: %+v", got)
	}
}

func TestRecorder_KeepsGivenFields(t *testing.T) {
	store := &memoryStore{}
	r := NewRecorder(store, nil)

	r.Record(context.Background(), storage.Outcome{
		ID:          "fixed-id",
		AliasID:     1,
		Sender:      "Bob <bob@sender.com>",
		Subject:     "hi",
		Status:      storage.StatusSuccess,
		Destination: "alice@real.com",
	})

	got := store.outcomes[0]
	if got.ID != "fixed-id" || got.Sender != "Bob <bob@sender.com>" || got.Subject != "hi" {
		t.Errorf("不应该覆盖已有字段: %+v", got)
	}
}

// syncBuffer 可并发写入的日志缓冲
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// captureLogs 把日志写入缓冲，测试结束后恢复
func captureLogs(t *testing.T) *syncBuffer {
	t.Helper()
	buf := &syncBuffer{}
	t.Cleanup(logger.SetOutput(buf))
	t.Cleanup(func() { logger.SetLevel("info") })
	logger.SetLevel("info")
	return buf
}

func TestRecorder_SwallowsStoreErrors(t *testing.T) {
	buf := captureLogs(t)

	store := &memoryStore{err: errors.New("database is locked")}
	r := NewRecorder(store, nil)

	// Record 没有返回值，写入失败不能 panic
	r.Record(context.Background(), storage.Outcome{
		AliasID:     1,
		Sender:      "bob@sender.com",
		Status:      storage.StatusFailed,
		Destination: "alice@real.com",
	})

	out := buf.String()
	if !strings.Contains(out, "database is locked") {
		t.Errorf("应该记录错误日志: %s", out)
	}
	if strings.Contains(out, "alice@real.com") || strings.Contains(out, "bob@sender.com") {
		t.Errorf("日志中的邮箱应该被遮盖: %s", out)
	}
	if !strings.Contains(out, "a***@real.com") {
		t.Errorf("日志缺少遮盖后的地址: %s", out)
	}
}

func TestRecorder_IgnoresCancelledContext(t *testing.T) {
	store := &memoryStore{}
	r := NewRecorder(store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Record(ctx, storage.Outcome{AliasID: 1, Status: storage.StatusSuccess})

	if len(store.outcomes) != 1 {
		t.Fatal("连接断开后仍然应该写入记录")
	}
	if store.ctxErr != nil {
		t.Errorf("写入时 context 不应该已取消: %v", store.ctxErr)
	}
}

func TestRecorder_ConcurrentAppends(t *testing.T) {
	captureLogs(t)
	store := &memoryStore{}
	r := NewRecorder(store, metrics.NewExporter())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Record(context.Background(), storage.Outcome{AliasID: int64(i), Status: storage.StatusSuccess})
		}(i)
	}
	wg.Wait()

	if len(store.outcomes) != 50 {
		t.Errorf("记录数 = %d, want 50", len(store.outcomes))
	}
	seen := make(map[string]bool)
	for _, o := range store.outcomes {
		if seen[o.ID] {
			t.Errorf("ID 重复: %s", o.ID)
		}
		seen[o.ID] = true
	}
}
