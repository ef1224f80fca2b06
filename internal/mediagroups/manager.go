package mediagroups

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultProcessDelay is the debounce window after the latest fragment of a group.
	DefaultProcessDelay = time.Second
	// DefaultRetention is how long a settled group is remembered.
	DefaultRetention = time.Hour
	// DefaultMaxGroupSize limits the number of fragments stored per group.
	DefaultMaxGroupSize = 10
)

// ErrClosed is returned by HandleFragment after Shutdown.
var ErrClosed = errors.New("mediagroups: manager is shut down")

// LatePolicy decides what happens to a fragment that arrives for a group
// which has already settled.
type LatePolicy int

const (
	// LateSplit starts a new group that settles on its own.
	LateSplit LatePolicy = iota
	// LateDrop ignores the fragment.
	LateDrop
)

// ParseLatePolicy maps "split" and "drop" to a LatePolicy.
func ParseLatePolicy(s string) (LatePolicy, error) {
	switch strings.ToLower(s) {
	case "", "split":
		return LateSplit, nil
	case "drop":
		return LateDrop, nil
	}
	return LateSplit, fmt.Errorf("mediagroups: unknown late fragment policy %q", s)
}

// Fragment is one inbound media message.
type Fragment struct {
	MessageID int
	MediaRef  string
	Caption   string
	OwnerID   int64
	ChatID    int64
	ArrivedAt time.Time
}

// Submission is a settled group handed to the ProcessFunc.
type Submission struct {
	GroupKey        string
	OwnerID         int64
	ChatID          int64
	SourceMessageID int
	MediaRefs       []string
	Caption         string
	ArrivedAt       time.Time
}

// ProcessFunc handles one settled submission.
type ProcessFunc func(ctx context.Context, sub Submission) error

// Options tune a Manager. Zero fields take the defaults.
type Options struct {
	Delay        time.Duration
	Retention    time.Duration
	MaxGroupSize int
	LatePolicy   LatePolicy
}

func (o Options) withDefaults() Options {
	if o.Delay <= 0 {
		o.Delay = DefaultProcessDelay
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.MaxGroupSize <= 0 {
		o.MaxGroupSize = DefaultMaxGroupSize
	}
	return o
}

type group struct {
	mu        sync.Mutex
	key       string
	fragments []Fragment
	// seen holds the message ids of this group and of every group it split from.
	seen      map[int]struct{}
	caption   string
	arrivedAt time.Time
	settled   bool
	debounce  *debouncer
	collect   *time.Timer
}

// Manager collects fragments into submissions keyed by media group id.
// Each group is handed to the ProcessFunc exactly once.
type Manager struct {
	ctx     context.Context
	handler ProcessFunc
	opts    Options
	logger  *zap.Logger

	groups sync.Map // map[string]*group

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup

	discarded atomic.Int64
}

// NewManager creates a manager whose handler runs with ctx.
func NewManager(ctx context.Context, handler ProcessFunc, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		ctx:     ctx,
		handler: handler,
		opts:    opts.withDefaults(),
		logger:  logger.With(zap.String("component", "mediagroups")),
	}
}

// HandleFragment adds f to the group named by groupKey and restarts the
// group's debounce window. An empty groupKey is a complete single-item
// submission and is processed synchronously.
func (m *Manager) HandleFragment(groupKey string, f Fragment) error {
	if f.ArrivedAt.IsZero() {
		f.ArrivedAt = time.Now()
	}
	if groupKey == "" {
		if m.isClosed() {
			return ErrClosed
		}
		return m.handler(m.ctx, Submission{
			OwnerID:         f.OwnerID,
			ChatID:          f.ChatID,
			SourceMessageID: f.MessageID,
			MediaRefs:       []string{f.MediaRef},
			Caption:         strings.TrimSpace(f.Caption),
			ArrivedAt:       f.ArrivedAt,
		})
	}

	for {
		if m.isClosed() {
			return ErrClosed
		}
		g := m.loadOrCreate(groupKey)

		g.mu.Lock()
		if g.settled {
			if g.hasSeen(f.MessageID) {
				g.mu.Unlock()
				m.logger.Debug("redelivered fragment for settled group ignored",
					zap.String("group", groupKey), zap.Int("message_id", f.MessageID))
				return nil
			}
			if m.opts.LatePolicy == LateDrop {
				g.mu.Unlock()
				m.logger.Warn("dropping fragment for settled group",
					zap.String("group", groupKey), zap.Int("message_id", f.MessageID))
				return nil
			}
			fresh := m.newGroup(groupKey)
			for id := range g.seen {
				fresh.seen[id] = struct{}{}
			}
			swapped := m.groups.CompareAndSwap(groupKey, g, fresh)
			g.mu.Unlock()
			if swapped {
				m.logger.Info("fragment arrived after settle, starting a new group",
					zap.String("group", groupKey), zap.Int("message_id", f.MessageID))
			}
			continue
		}
		m.addLocked(g, f)
		g.mu.Unlock()
		return nil
	}
}

func (m *Manager) loadOrCreate(key string) *group {
	if v, ok := m.groups.Load(key); ok {
		return v.(*group)
	}
	v, _ := m.groups.LoadOrStore(key, m.newGroup(key))
	return v.(*group)
}

func (m *Manager) newGroup(key string) *group {
	g := &group{
		key:       key,
		fragments: make([]Fragment, 0, m.opts.MaxGroupSize),
		seen:      make(map[int]struct{}, m.opts.MaxGroupSize),
	}
	g.debounce = newDebouncer(&g.mu, m.opts.Delay, func() func() { return m.settleLocked(g) })
	return g
}

func (m *Manager) addLocked(g *group, f Fragment) {
	if g.hasSeen(f.MessageID) {
		m.logger.Debug("duplicate fragment ignored",
			zap.String("group", g.key), zap.Int("message_id", f.MessageID))
		return
	}
	if len(g.fragments) >= m.opts.MaxGroupSize {
		m.logger.Warn("group limit reached, fragment dropped",
			zap.String("group", g.key), zap.Int("limit", m.opts.MaxGroupSize), zap.Int("message_id", f.MessageID))
		return
	}

	if len(g.fragments) == 0 {
		g.arrivedAt = f.ArrivedAt
	}
	g.fragments = append(g.fragments, f)
	if f.MessageID != 0 {
		g.seen[f.MessageID] = struct{}{}
	}
	if g.caption == "" {
		g.caption = strings.TrimSpace(f.Caption)
	}
	g.debounce.Reset()

	m.logger.Debug("fragment added",
		zap.String("group", g.key), zap.Int("message_id", f.MessageID), zap.Int("total", len(g.fragments)))
}

// hasSeen reports whether id was already collected under this key.
// Zero ids are never deduplicated.
func (g *group) hasSeen(id int) bool {
	if id == 0 {
		return false
	}
	_, ok := g.seen[id]
	return ok
}

// settleLocked marks g settled and returns the dispatch to run outside the
// lock. It returns nil if g has already settled or the manager is closed.
func (m *Manager) settleLocked(g *group) func() {
	if g.settled || len(g.fragments) == 0 {
		return nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.inflight.Add(1)
	m.mu.Unlock()

	g.settled = true
	g.debounce.Cancel()
	g.collect = time.AfterFunc(m.opts.Retention, func() {
		m.groups.CompareAndDelete(g.key, g)
	})

	sub := Submission{
		GroupKey:        g.key,
		OwnerID:         g.fragments[0].OwnerID,
		ChatID:          g.fragments[0].ChatID,
		SourceMessageID: g.fragments[0].MessageID,
		MediaRefs:       make([]string, len(g.fragments)),
		Caption:         g.caption,
		ArrivedAt:       g.arrivedAt,
	}
	for i, f := range g.fragments {
		sub.MediaRefs[i] = f.MediaRef
	}

	return func() {
		defer m.inflight.Done()
		m.logger.Info("group settled",
			zap.String("group", sub.GroupKey), zap.Int("fragments", len(sub.MediaRefs)))
		if err := m.handler(m.ctx, sub); err != nil {
			m.logger.Error("error processing group", zap.String("group", sub.GroupKey), zap.Error(err))
		}
	}
}

// Pending reports the number of groups still inside their debounce window.
func (m *Manager) Pending() int {
	n := 0
	m.groups.Range(func(_, value any) bool {
		g := value.(*group)
		g.mu.Lock()
		if !g.settled {
			n++
		}
		g.mu.Unlock()
		return true
	})
	return n
}

// Discarded reports how many unsettled groups Shutdown dropped.
func (m *Manager) Discarded() int64 {
	return m.discarded.Load()
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Shutdown stops every pending debounce and collection timer, discards
// unsettled groups and waits for running handlers to return.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	var dropped int64
	m.groups.Range(func(key, value any) bool {
		g := value.(*group)
		g.mu.Lock()
		g.debounce.Cancel()
		if g.collect != nil {
			g.collect.Stop()
		}
		if !g.settled {
			dropped++
		}
		g.mu.Unlock()
		m.groups.Delete(key)
		return true
	})
	m.discarded.Add(dropped)

	m.inflight.Wait()
	m.logger.Info("shutdown complete", zap.Int64("discarded_groups", dropped))
}
