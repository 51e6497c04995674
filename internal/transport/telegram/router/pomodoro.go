package router

import (
	"context"
	"fmt"

	"pomobot/internal/timer"
	logx "pomobot/pkg/logx"
)

const (
	msgAlreadyRunning = "Pomodoro timer is already running."
	msgNothingToStop  = "No active timer to stop."
	msgStopRaced      = "The timer had just moved to its next period, so nothing was stopped. Send /stop again to end it."
	msgFailed         = "Something went wrong, please try again later."
	msgExportCaption  = "Your Pomodoro statistics."
	msgWelcome        = "Hi! I am a Pomodoro timer. Send /start_pomo to begin a work period."
)

// PomodoroCommands returns the timer command set bound to the manager's engine.
func (m *CommandManager) PomodoroCommands() []Command {
	return []Command{
		{
			Route:       "start",
			Description: "introduction",
			Usage:       "/start",
			Handle:      m.handleWelcome,
		},
		{
			Route:       "start_pomo",
			Aliases:     []string{"pomo"},
			Description: "start a work/rest cycle",
			Usage:       "/start_pomo",
			Handle:      m.handleStart,
		},
		{
			Route:       "stop",
			Description: "stop the running timer",
			Usage:       "/stop",
			Handle:      m.handleStop,
		},
		{
			Route:       "stats",
			Description: "completed sessions and minutes",
			Usage:       "/stats",
			Handle:      m.handleStats,
		},
		{
			Route:       "achievements",
			Description: "unlocked achievements",
			Usage:       "/achievements",
			Handle:      m.handleAchievements,
		},
		{
			Route:       "export_stats",
			Aliases:     []string{"export"},
			Description: "download session history as CSV",
			Usage:       "/export_stats",
			Handle:      m.handleExport,
		},
	}
}

func (m *CommandManager) handleWelcome(ctx context.Context, req *Request) error {
	return m.reply.Send(ctx, req.Chat.ChatID, msgWelcome+"\n\n"+m.helpText())
}

func (m *CommandManager) handleStart(ctx context.Context, req *Request) error {
	res, err := m.engine.Start(ctx, req.Chat.ChatID)
	if err != nil {
		m.fail(ctx, req)
		return err
	}
	// The engine announces a started cycle itself.
	if res == timer.ResultAlreadyRunning {
		return m.reply.Send(ctx, req.Chat.ChatID, msgAlreadyRunning)
	}
	return nil
}

func (m *CommandManager) handleStop(ctx context.Context, req *Request) error {
	res, err := m.engine.Stop(ctx, req.Chat.ChatID)
	if err != nil {
		m.fail(ctx, req)
		return err
	}
	switch res {
	case timer.ResultNothingToStop:
		return m.reply.Send(ctx, req.Chat.ChatID, msgNothingToStop)
	case timer.ResultAlreadyHandled:
		return m.reply.Send(ctx, req.Chat.ChatID, msgStopRaced)
	}
	return nil
}

func (m *CommandManager) handleStats(ctx context.Context, req *Request) error {
	s, err := m.engine.Statistics(ctx, req.Chat.ChatID)
	if err != nil {
		m.fail(ctx, req)
		return err
	}
	return m.reply.Send(ctx, req.Chat.ChatID, s)
}

func (m *CommandManager) handleAchievements(ctx context.Context, req *Request) error {
	s, err := m.engine.Achievements(ctx, req.Chat.ChatID)
	if err != nil {
		m.fail(ctx, req)
		return err
	}
	return m.reply.Send(ctx, req.Chat.ChatID, s)
}

func (m *CommandManager) handleExport(ctx context.Context, req *Request) error {
	data, err := m.engine.ExportStatistics(ctx, req.Chat.ChatID)
	if err != nil {
		m.fail(ctx, req)
		return err
	}
	name := fmt.Sprintf("stats_%d.csv", req.Chat.ChatID)
	return m.reply.SendDocument(ctx, req.Chat.ChatID, name, data, msgExportCaption)
}

func (m *CommandManager) fail(ctx context.Context, req *Request) {
	if err := m.reply.Send(ctx, req.Chat.ChatID, msgFailed); err != nil {
		req.Logger.Warn("reply failed", logx.Err(err))
	}
}
