package terminal

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"lia-terminal/internal/domain"
	"lia-terminal/internal/usecase/surface"
)

// Shell turns an input line into the invocation that runs it in dir.
type Shell interface {
	Invocation(line, dir string) domain.Invocation
}

// Config holds tab manager limits.
type Config struct {
	MaxTabs        int // default: 16
	MaxOutputLines int // default: 5000
	HistorySize    int // default: 500
	SeedSize       int // persisted entries preloaded into new tabs
	Shell          Shell
}

// Options wires a Manager. Store, Bus and Audit are optional.
type Options struct {
	Surface *surface.Surface
	Store   domain.HistoryStore
	Bus     domain.EventBus
	Audit   domain.AuditLogger
	Logger  *slog.Logger
}

// tab holds the runtime state of one terminal tab.
type tab struct {
	mu         sync.Mutex
	id         string
	title      string
	createdAt  time.Time
	lastActive time.Time
	busy       bool
	dir        *surface.DirState
	surface    *surface.Surface
	output     *lineBuffer
	history    *inputHistory
}

// Manager owns the terminal tabs. Each tab has its own working directory,
// output and history; they share the runner, audit log and event bus.
type Manager struct {
	mu     sync.Mutex
	tabs   map[string]*tab
	order  []string
	cfg    Config
	base   *surface.Surface
	store  domain.HistoryStore
	bus    domain.EventBus
	audit  domain.AuditLogger
	logger *slog.Logger
}

// NewManager creates a Manager with no tabs.
func NewManager(cfg Config, opts Options) *Manager {
	if cfg.MaxTabs <= 0 {
		cfg.MaxTabs = 16
	}
	if cfg.MaxOutputLines <= 0 {
		cfg.MaxOutputLines = 5000
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 500
	}
	if opts.Audit == nil {
		opts.Audit = domain.NopAuditLogger{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		tabs:   make(map[string]*tab),
		cfg:    cfg,
		base:   opts.Surface,
		store:  opts.Store,
		bus:    opts.Bus,
		audit:  opts.Audit,
		logger: opts.Logger,
	}
}

// OpenTab creates a tab positioned at the surface's current directory.
func (m *Manager) OpenTab(ctx context.Context) (*domain.TabInfo, error) {
	const op = "Manager.OpenTab"

	start, err := m.base.CurrentDirectory(ctx)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	dir, err := surface.NewDirState(start)
	if err != nil {
		return nil, domain.NewCausedError(op, domain.ErrDirectoryQuery, err)
	}

	now := time.Now()
	t := &tab{
		id:         m.newID(),
		title:      titleFor(start),
		createdAt:  now,
		lastActive: now,
		dir:        dir,
		surface:    m.base.WithWorkdir(dir),
		output:     newLineBuffer(m.cfg.MaxOutputLines),
		history:    newInputHistory(m.cfg.HistorySize),
	}
	for _, line := range m.seed(ctx) {
		t.history.Push(line)
	}

	m.mu.Lock()
	if len(m.tabs) >= m.cfg.MaxTabs {
		n := len(m.tabs)
		m.mu.Unlock()
		return nil, domain.NewSubSystemError("tab", op, domain.ErrLimitReached,
			fmt.Sprintf("%d/%d tabs open", n, m.cfg.MaxTabs))
	}
	m.tabs[t.id] = t
	m.order = append(m.order, t.id)
	m.mu.Unlock()

	info := t.info()
	ctx = domain.ContextWithTabID(ctx, t.id)
	m.emitEvent(ctx, domain.EventTabOpened, info)
	m.writeAudit(ctx, domain.AuditTabOpen, t.id, "open", map[string]string{"directory": start})
	m.logger.Info("tab opened", "tab_id", t.id, "directory", start)
	return &info, nil
}

// CloseTab removes a tab. The last remaining tab cannot be closed.
func (m *Manager) CloseTab(ctx context.Context, id string) error {
	const op = "Manager.CloseTab"

	m.mu.Lock()
	if _, ok := m.tabs[id]; !ok {
		m.mu.Unlock()
		return domain.NewSubSystemError("tab", op, domain.ErrNotFound, id)
	}
	if len(m.tabs) <= 1 {
		m.mu.Unlock()
		return domain.NewDomainError(op, domain.ErrLastTab, id)
	}
	m.removeLocked(id)
	m.mu.Unlock()

	ctx = domain.ContextWithTabID(ctx, id)
	m.emitEvent(ctx, domain.EventTabClosed, map[string]string{"id": id})
	m.writeAudit(ctx, domain.AuditTabClose, id, "close", nil)
	m.logger.Info("tab closed", "tab_id", id)
	return nil
}

// ListTabs returns every tab in the order they were opened.
func (m *Manager) ListTabs() []domain.TabInfo {
	m.mu.Lock()
	tabs := make([]*tab, 0, len(m.order))
	for _, id := range m.order {
		tabs = append(tabs, m.tabs[id])
	}
	m.mu.Unlock()

	infos := make([]domain.TabInfo, 0, len(tabs))
	for _, t := range tabs {
		infos = append(infos, t.info())
	}
	return infos
}

// Len returns the number of open tabs.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tabs)
}

// Tab returns the full state of one tab.
func (m *Manager) Tab(id string) (*domain.TabSnapshot, error) {
	t, err := m.get("Manager.Tab", id)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return &domain.TabSnapshot{
		TabInfo: t.infoLocked(),
		Output:  t.output.Lines(),
		History: t.history.Entries(),
	}, nil
}

// Output returns the output lines written since offset and the offset to
// pass on the next call.
func (m *Manager) Output(id string, since int64) ([]string, int64, error) {
	t, err := m.get("Manager.Output", id)
	if err != nil {
		return nil, 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.output.ReadFrom(since), t.output.TotalWritten(), nil
}

// Submit handles one input line the way the terminal prompt does: blank
// lines are ignored, "clear"/"cls" empty the output, "cd <path>" moves the
// tab and everything else runs through the shell. Only lookup and busy-tab
// problems are returned as errors; command failures end up in the result.
func (m *Manager) Submit(ctx context.Context, id, input string) (*domain.SubmitResult, error) {
	const op = "Manager.Submit"

	t, err := m.get(op, id)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(input)
	t.mu.Lock()
	dir, _ := t.dir.Get()
	if trimmed == "" {
		t.mu.Unlock()
		return &domain.SubmitResult{TabID: id, Kind: domain.SubmitNoop, Directory: dir}, nil
	}
	if t.busy {
		t.mu.Unlock()
		return nil, domain.NewSubSystemError("tab", op, domain.ErrInvalidInput, "a command is already running in tab "+id)
	}
	t.busy = true
	t.lastActive = time.Now()
	t.history.Push(trimmed)
	prompt := dir + "> " + input
	t.output.Append(prompt)
	t.mu.Unlock()

	ctx = domain.ContextWithTabID(ctx, id)
	res := &domain.SubmitResult{TabID: id, Prompt: prompt}
	exitCode := 0

	lower := strings.ToLower(trimmed)
	switch {
	case lower == "clear" || lower == "cls":
		res.Kind = domain.SubmitClear
		t.mu.Lock()
		t.output.Clear()
		t.mu.Unlock()
		m.emitEvent(ctx, domain.EventOutputCleared, nil)

	case strings.HasPrefix(lower, "cd "):
		res.Kind = domain.SubmitChangeDir
		newDir, err := t.surface.ChangeDirectory(ctx, trimmed[len("cd "):])
		if err != nil {
			res.Output = surface.ChangeDirectoryFailure(err)
			res.ErrorCode = domain.ErrorCodeOf(err)
			exitCode = 1
		} else {
			res.Output = newDir
		}

	default:
		res.Kind = domain.SubmitCommand
		cmd, err := t.surface.Execute(ctx, m.cfg.Shell.Invocation(trimmed, dir))
		res.Command = cmd
		switch {
		case err != nil:
			res.Output = surface.ExecuteFailure(err)
			res.ErrorCode = domain.ErrorCodeOf(err)
			exitCode = -1
		default:
			res.Output = t.surface.Render(cmd)
			exitCode = cmd.ExitCode
		}
	}

	t.mu.Lock()
	if res.Kind != domain.SubmitClear && strings.TrimSpace(res.Output) != "" {
		t.output.Append(res.Output)
	}
	res.Directory, _ = t.dir.Get()
	t.title = titleFor(res.Directory)
	t.busy = false
	t.lastActive = time.Now()
	t.mu.Unlock()

	m.record(ctx, domain.HistoryEntry{
		TabID:     id,
		Input:     trimmed,
		Directory: dir,
		ExitCode:  exitCode,
		CreatedAt: time.Now(),
	})
	return res, nil
}

// HistoryPrev steps the tab's history cursor back and returns the entry,
// like pressing arrow-up.
func (m *Manager) HistoryPrev(id string) (string, error) {
	t, err := m.get("Manager.HistoryPrev", id)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.history.Prev(), nil
}

// HistoryNext steps the cursor forward, like pressing arrow-down. Stepping
// past the newest entry returns "".
func (m *Manager) HistoryNext(id string) (string, error) {
	t, err := m.get("Manager.HistoryNext", id)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.history.Next(), nil
}

// PersistedHistory returns up to limit stored entries recorded by the tab.
func (m *Manager) PersistedHistory(ctx context.Context, id string, limit int) ([]domain.HistoryEntry, error) {
	const op = "Manager.PersistedHistory"
	if _, err := m.get(op, id); err != nil {
		return nil, err
	}
	if m.store == nil {
		return nil, domain.NewSubSystemError("history", op, domain.ErrDisabled, "history store not configured")
	}
	entries, err := m.store.ForTab(ctx, id, limit)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	return entries, nil
}

// ReapIdle closes tabs idle for longer than ttl. Busy tabs are skipped and
// the most recently active tab always survives.
func (m *Manager) ReapIdle(ctx context.Context, ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-ttl)

	m.mu.Lock()
	var newest string
	var newestAt time.Time
	idle := make(map[string]bool)
	for id, t := range m.tabs {
		t.mu.Lock()
		last, busy := t.lastActive, t.busy
		t.mu.Unlock()
		if newest == "" || last.After(newestAt) {
			newest, newestAt = id, last
		}
		if !busy && last.Before(cutoff) {
			idle[id] = true
		}
	}
	delete(idle, newest)
	var reaped []string
	for _, id := range m.order {
		if idle[id] {
			m.removeLocked(id)
			reaped = append(reaped, id)
		}
	}
	m.mu.Unlock()

	for _, id := range reaped {
		tctx := domain.ContextWithTabID(ctx, id)
		m.emitEvent(tctx, domain.EventTabClosed, map[string]string{"id": id, "reason": "idle"})
		m.writeAudit(tctx, domain.AuditTabClose, id, "reap", nil)
	}
	if len(reaped) > 0 {
		m.logger.Info("idle tabs reaped", "count", len(reaped), "ttl", ttl)
	}
	return len(reaped)
}

// --- internal ---

func (m *Manager) get(op, id string) (*tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tabs[id]
	if !ok {
		return nil, domain.NewSubSystemError("tab", op, domain.ErrNotFound, id)
	}
	return t, nil
}

func (m *Manager) removeLocked(id string) {
	delete(m.tabs, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// seed loads recent persisted inputs for a new tab. Failures leave the tab
// with an empty history.
func (m *Manager) seed(ctx context.Context) []string {
	if m.store == nil || m.cfg.SeedSize <= 0 {
		return nil
	}
	entries, err := m.store.Recent(ctx, m.cfg.SeedSize)
	if err != nil {
		m.logger.Warn("history seed failed", "error", err)
		return nil
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, e.Input)
	}
	return lines
}

func (m *Manager) record(ctx context.Context, entry domain.HistoryEntry) {
	if m.store == nil {
		return
	}
	if err := m.store.Append(ctx, entry); err != nil {
		m.logger.Warn("history append failed", "tab_id", entry.TabID, "code", string(domain.ErrorCodeOf(err)), "error", err)
	}
}

func (m *Manager) emitEvent(ctx context.Context, eventType domain.EventType, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ctx, domain.NewEvent(ctx, eventType, payload))
}

func (m *Manager) writeAudit(ctx context.Context, typ domain.AuditEventType, id, action string, detail map[string]string) {
	ev := domain.AuditEvent{
		Type:     typ,
		Actor:    domain.ClientFromContext(ctx),
		Resource: id,
		Action:   action,
		Outcome:  "success",
		Detail:   detail,
	}
	if err := m.audit.Log(ctx, ev); err != nil {
		m.logger.Warn("audit write failed", "type", string(typ), "error", err)
	}
}

func (m *Manager) newID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

func (t *tab) info() domain.TabInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.infoLocked()
}

func (t *tab) infoLocked() domain.TabInfo {
	dir, _ := t.dir.Get()
	return domain.TabInfo{
		ID:          t.id,
		Title:       t.title,
		Directory:   dir,
		CreatedAt:   t.createdAt,
		LastActive:  t.lastActive,
		HistoryLen:  t.history.Len(),
		OutputLines: t.output.Len(),
	}
}

func titleFor(dir string) string {
	if dir == "" {
		return "terminal"
	}
	return filepath.Base(dir)
}
