package broker

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"
)

// MemoryBroker implements Broker in process memory for tests and
// single-process deployments. Lists are stored head first.
type MemoryBroker struct {
	mu     sync.Mutex
	lists  map[string][]string
	values map[string]memoryValue
	now    func() time.Time
}

type memoryValue struct {
	value     string
	expiresAt time.Time
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		lists:  make(map[string][]string),
		values: make(map[string]memoryValue),
		now:    time.Now,
	}
}

func (m *MemoryBroker) PushHead(_ context.Context, queue, item string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[queue] = append([]string{item}, m.lists[queue]...)
	return nil
}

func (m *MemoryBroker) PushTail(_ context.Context, queue, item string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[queue] = append(m.lists[queue], item)
	return nil
}

func (m *MemoryBroker) PopHead(_ context.Context, queue string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[queue]
	if len(l) == 0 {
		return "", false, nil
	}
	item := l[0]
	m.setList(queue, l[1:])
	return item, true, nil
}

func (m *MemoryBroker) PopTail(_ context.Context, queue string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.popTail(queue)
}

func (m *MemoryBroker) Transfer(_ context.Context, src, dst string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transfer(src, dst)
}

func (m *MemoryBroker) TransferExclusive(_ context.Context, src, dst string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.lists[dst]) > 0 {
		return "", false, fmt.Errorf("%w: %s", ErrNotEmpty, dst)
	}
	return m.transfer(src, dst)
}

func (m *MemoryBroker) Dump(_ context.Context, queue string, drain bool) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[queue]
	items := make([]string, 0, len(l))
	for i := len(l) - 1; i >= 0; i-- {
		items = append(items, l[i])
	}
	if drain {
		delete(m.lists, queue)
	}
	return items, nil
}

func (m *MemoryBroker) Len(_ context.Context, queue string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[queue])), nil
}

func (m *MemoryBroker) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := memoryValue{value: value}
	if ttl > 0 {
		v.expiresAt = m.now().Add(ttl)
	}
	m.values[key] = v
	return nil
}

func (m *MemoryBroker) Get(_ context.Context, key string, refresh time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.value(key)
	if !ok {
		return "", false, nil
	}
	if refresh > 0 {
		v.expiresAt = m.now().Add(refresh)
		m.values[key] = v
	}
	return v.value, true, nil
}

func (m *MemoryBroker) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.lists, k)
		delete(m.values, k)
	}
	return nil
}

func (m *MemoryBroker) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.lists {
		if ok, _ := path.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	for k := range m.values {
		if _, live := m.value(k); !live {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryBroker) Ping(context.Context) error { return nil }

func (m *MemoryBroker) Close() error { return nil }

// value returns a live key, evicting it if it has expired. Caller holds mu.
func (m *MemoryBroker) value(key string) (memoryValue, bool) {
	v, ok := m.values[key]
	if !ok {
		return memoryValue{}, false
	}
	if !v.expiresAt.IsZero() && !m.now().Before(v.expiresAt) {
		delete(m.values, key)
		return memoryValue{}, false
	}
	return v, true
}

// caller holds mu
func (m *MemoryBroker) popTail(queue string) (string, bool, error) {
	l := m.lists[queue]
	if len(l) == 0 {
		return "", false, nil
	}
	item := l[len(l)-1]
	m.setList(queue, l[:len(l)-1])
	return item, true, nil
}

// Empty lists cease to exist, as in Redis.
func (m *MemoryBroker) transfer(src, dst string) (string, bool, error) {
	item, ok, _ := m.popTail(src)
	if !ok {
		return "", false, nil
	}
	m.lists[dst] = append([]string{item}, m.lists[dst]...)
	return item, true, nil
}

func (m *MemoryBroker) setList(queue string, l []string) {
	if len(l) == 0 {
		delete(m.lists, queue)
		return
	}
	m.lists[queue] = l
}
