package smtpd

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/submail/submail/internal/mailparse"
	"github.com/submail/submail/internal/storage"
)

// fakeDirectory 内存中的别名目录
type fakeDirectory struct {
	aliases map[string]*storage.Alias
	err     error
	lookups atomic.Int32
}

func (d *fakeDirectory) LookupAlias(_ context.Context, localPart string) (*storage.Alias, error) {
	d.lookups.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	alias, ok := d.aliases[strings.ToLower(localPart)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return alias, nil
}

// fakeTransport 记录外发请求
type fakeTransport struct {
	mu    sync.Mutex
	err   error
	sends []sent
}

type sent struct {
	From string
	To   []string
	Data string
}

func (t *fakeTransport) Send(_ context.Context, from string, to []string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.sends = append(t.sends, sent{From: from, To: to, Data: string(data)})
	return nil
}

func (t *fakeTransport) Sent() []sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sent(nil), t.sends...)
}

// memoryOutcomes 内存中的结果存储
type memoryOutcomes struct {
	mu       sync.Mutex
	outcomes []storage.Outcome
}

func (m *memoryOutcomes) AppendOutcome(_ context.Context, o *storage.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, *o)
	return nil
}

func (m *memoryOutcomes) ListOutcomes(context.Context, int64, int) ([]*storage.Outcome, error) {
	return nil, nil
}

func (m *memoryOutcomes) All() []storage.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.Outcome(nil), m.outcomes...)
}

// fakeDeliverer 直接实现 Deliverer
type fakeDeliverer struct {
	err   error
	calls []string
}

func (d *fakeDeliverer) Deliver(_ context.Context, _ *storage.Alias, destination string, _ *mailparse.InboundMessage) error {
	d.calls = append(d.calls, destination)
	return d.err
}

// fakeRecorder 直接实现 OutcomeRecorder
type fakeRecorder struct {
	outcomes []storage.Outcome
}

func (r *fakeRecorder) Record(_ context.Context, o storage.Outcome) {
	r.outcomes = append(r.outcomes, o)
}

var errTransport = errors.New("dial tcp 203.0.113.1:25: connection refused")

// testAliases 测试用的别名
func testAliases() map[string]*storage.Alias {
	owner := &storage.User{ID: 1, RealEmail: "alice@real.com"}
	return map[string]*storage.Alias{
		"news": {
			ID: 10, Address: "news", UserID: 1, Owner: owner,
			Rules: []storage.Rule{{ID: 1, AliasID: 10, Kind: storage.RuleForward}},
		},
		"spam-test": {
			ID: 11, Address: "spam-test", UserID: 1, Owner: owner,
			Rules: []storage.Rule{
				{ID: 2, AliasID: 11, Kind: storage.RuleForward, Destination: "bob@real.com"},
				{ID: 3, AliasID: 11, Kind: storage.RuleBlock},
			},
		},
		"orphan": {
			ID: 12, Address: "orphan",
			Rules: []storage.Rule{{ID: 4, AliasID: 12, Kind: storage.RuleForward}},
		},
	}
}
