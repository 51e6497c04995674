package router

import (
	"context"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pomobot/internal/timer"
	kit "pomobot/internal/transport"
	logx "pomobot/pkg/logx"
)

const (
	msgUnknown = "Unknown command.\nAvailable commands: /start_pomo, /stop, /stats, /achievements, /export_stats."
	msgBusy    = "Busy, try again in a moment."
)

type Command struct {
	// Route is the bare command word, e.g. "start_pomo".
	Route       string
	Aliases     []string
	Description string
	Usage       string

	Timeout time.Duration // optional per-command override
	Handle  HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string

	Logger logx.Logger
}

// EnginePort is the slice of the timer engine the commands drive.
type EnginePort interface {
	Start(ctx context.Context, chatID int64) (timer.Result, error)
	Stop(ctx context.Context, chatID int64) (timer.Result, error)
	Statistics(ctx context.Context, chatID int64) (string, error)
	Achievements(ctx context.Context, chatID int64) (string, error)
	ExportStatistics(ctx context.Context, chatID int64) ([]byte, error)
}

// ReplyPort delivers command replies. Replies share the notifier queue with
// timer messages so a chat sees them in the order they were produced.
type ReplyPort interface {
	Send(ctx context.Context, chatID int64, text string) error
	SendDocument(ctx context.Context, chatID int64, name string, data []byte, caption string) error
}

type Config struct {
	Workers   int
	QueueSize int
	// Timeout bounds a handler when the command sets none.
	Timeout time.Duration
}

type CommandManager struct {
	cfg Config

	mu    sync.RWMutex
	cmds  map[string]*Command // route and aliases -> command
	order []Command
	menu  []kit.BotCommand

	log     logx.Logger
	engine  EnginePort
	reply   ReplyPort
	menuUpd kit.CommandMenuUpdater

	runMu   sync.Mutex
	running bool
	sup     *Supervisor
	queues  []chan func()
}

// NewCommandManager wires the dispatcher. menu may be nil when the transport
// has no command menu.
func NewCommandManager(cfg Config, log logx.Logger, engine EnginePort, reply ReplyPort, menu kit.CommandMenuUpdater) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &CommandManager{
		cfg:     cfg,
		cmds:    map[string]*Command{},
		log:     log.With(logx.String("comp", "telegram.router")),
		engine:  engine,
		reply:   reply,
		menuUpd: menu,
	}
}

// Supervisor returns the dispatcher's worker supervisor (nil if not running).
func (m *CommandManager) Supervisor() *Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

// SetRegistry replaces the command set. help is always injected.
func (m *CommandManager) SetRegistry(cmds []Command) {
	helper := Command{
		Route:       "help",
		Aliases:     []string{"h"},
		Description: "show available commands",
		Usage:       "/help",
		Handle: func(ctx context.Context, req *Request) error {
			return m.reply.Send(ctx, req.Chat.ChatID, m.helpText())
		},
	}
	cmds = append(cmds, helper)

	byName := map[string]*Command{}
	order := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		route := strings.ToLower(strings.TrimSpace(c.Route))
		if route == "" || strings.Contains(route, " ") || c.Handle == nil {
			continue
		}
		cc := c
		cc.Route = route
		byName[route] = &cc
		order = append(order, cc)
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			if _, exists := byName[a]; !exists {
				byName[a] = &cc
			}
		}
	}
	sort.SliceStable(order, func(i, j int) bool { return order[i].Route < order[j].Route })

	m.mu.Lock()
	m.cmds = byName
	m.order = order
	m.menu = buildTelegramMenuCommands(order)
	m.mu.Unlock()
}

func (m *CommandManager) lookup(word string) (Command, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cmds[strings.ToLower(word)]
	if !ok {
		return Command{}, false
	}
	return *c, true
}

func (m *CommandManager) commands() []Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Command(nil), m.order...)
}

// DispatchLoop consumes updates until ctx is done or updates is closed.
// Jobs for one chat always land on the same worker, so a chat's commands run
// in arrival order while different chats proceed in parallel.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := NewSupervisor(ctx,
		WithLogger(m.log),
		WithCancelOnError(false),
	)
	queues := make([]chan func(), m.cfg.Workers)
	for i := range queues {
		queues[i] = make(chan func(), m.cfg.QueueSize)
	}
	m.runMu.Lock()
	m.sup = sup
	m.queues = queues
	m.running = true
	m.runMu.Unlock()

	m.log.Info("command dispatcher started", logx.Int("workers", len(queues)), logx.Int("job_queue_cap", m.cfg.QueueSize))

	for i, q := range queues {
		idx, q := i, q
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-q:
					if !ok {
						return nil
					}
					m.runJob(idx, job)
				}
			}
		},
			WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			WithPublishFirstError(true),
			WithStopOnCleanExit(true),
		)
	}

	m.mu.RLock()
	menu := m.menu
	m.mu.RUnlock()
	if m.menuUpd != nil && len(menu) > 0 {
		sup.Go0("telegram.menu.update", func(c context.Context) {
			cctx, cancel := context.WithTimeout(c, 5*time.Second)
			defer cancel()
			if err := m.menuUpd.UpdateMenuCommands(cctx, menu); err != nil {
				m.log.Warn("menu update failed", logx.Err(err))
			}
		})
	}

	defer func() {
		m.runMu.Lock()
		m.running = false
		m.queues = nil
		for _, q := range queues {
			close(q)
		}
		m.runMu.Unlock()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.runMu.Lock()
		m.sup = nil
		m.runMu.Unlock()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				m.log.Info("updates channel closed")
				return nil
			}
			m.routeUpdate(ctx, up)
		}
	}
}

func (m *CommandManager) runJob(worker int, job func()) {
	if job == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (m *CommandManager) routeUpdate(ctx context.Context, up kit.Update) {
	if up.Kind == kit.UpdateMessage {
		m.routeMessage(ctx, up)
	}
}

func (m *CommandManager) routeMessage(ctx context.Context, up kit.Update) {
	if up.Message == nil {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		// Plain chatter in groups is not addressed to the bot.
		if !msg.IsGroup && text != "" {
			m.enqueueUnknown(ctx, msg)
		}
		return
	}

	parts := strings.Fields(text)
	if len(parts) == 0 {
		return
	}
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}

	cmd, ok := m.lookup(word)
	if !ok {
		m.enqueueUnknown(ctx, msg)
		return
	}
	m.enqueueCommand(ctx, up, cmd, parts[1:])
}

func (m *CommandManager) enqueueUnknown(ctx context.Context, msg *kit.Message) {
	chatID := msg.ChatID
	if !m.tryEnqueue(chatID, func() {
		if err := m.reply.Send(ctx, chatID, msgUnknown); err != nil {
			m.log.Warn("reply failed", logx.Int64("chat_id", chatID), logx.Err(err))
		}
	}) {
		m.log.Warn("command queue full", logx.Int64("chat_id", chatID))
	}
}

func (m *CommandManager) enqueueCommand(ctx context.Context, up kit.Update, cmd Command, args []string) {
	msg := up.Message
	rid := uuid.NewString()
	reqLog := m.log.With(
		logx.String("rid", rid),
		logx.Int64("chat_id", msg.ChatID),
		logx.Int64("from_id", msg.FromID),
		logx.String("cmd", cmd.Route),
	)
	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID:  msg.FromID,
		Command: cmd.Route,
		Args:    args,
		ReqID:   rid,
		Logger:  reqLog,
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = m.cfg.Timeout
	}
	final := Chain(
		cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(timeout),
	)

	if !m.tryEnqueue(msg.ChatID, func() { _ = final(ctx, req) }) {
		reqLog.Warn("command queue full")
		_ = m.reply.Send(ctx, msg.ChatID, msgBusy)
	}
}

// tryEnqueue places fn on the chat's worker queue without blocking.
func (m *CommandManager) tryEnqueue(chatID int64, fn func()) bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running || len(m.queues) == 0 {
		return false
	}
	q := m.queues[uint64(chatID)%uint64(len(m.queues))]
	select {
	case q <- fn:
		return true
	default:
		return false
	}
}
