package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/spec-kit/support-chat/internal/chatapi"
	"github.com/spec-kit/support-chat/internal/compose"
	"github.com/spec-kit/support-chat/internal/config"
	"github.com/spec-kit/support-chat/internal/console"
	"github.com/spec-kit/support-chat/internal/domain"
	"github.com/spec-kit/support-chat/internal/socket"
	"github.com/spec-kit/support-chat/internal/widget"
)

var errUsage = errors.New("usage")

type customerSession struct {
	widget *widget.Widget
	out    *printer
}

func newCustomerSession(ctx context.Context, cfg config.ChatConfig, user domain.ParticipantRef, composeCfg compose.Config,
	manager *socket.Manager, api *chatapi.Client, out *printer, logger *zap.Logger) (session, error) {
	lastState := widget.StateClosed
	w := widget.New(widget.Config{
		User:           user,
		HistoryLimit:   cfg.HistoryLimit,
		RequestTimeout: cfg.RequestTimeout(),
		Compose:        composeCfg,
		OnChange: func(v widget.View) {
			if v.State != lastState {
				lastState = v.State
				out.Printf("-- chat %s (unread %d)\n", v.State, v.Unread)
			}
			if v.Conversation != nil {
				out.Transcript(v.Conversation.ID, v.Lines, v.Typing)
			}
		},
	}, widget.Dependencies{
		Socket:    manager,
		Listeners: manager.Listeners(),
		API:       api,
		Notifier:  out,
		Logger:    logger,
	})
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return &customerSession{widget: w, out: out}, nil
}

func (s *customerSession) Help() string {
	return "commands: /open /close /retry <nonce> /state /quit; any other line is sent"
}

func (s *customerSession) Handle(ctx context.Context, line string) error {
	cmd, args := splitCommand(line)
	switch cmd {
	case "":
		if err := s.widget.Keystroke(ctx, line); err != nil {
			return err
		}
		return s.widget.Send(ctx)
	case "/open":
		return s.widget.Open(ctx)
	case "/close":
		return s.widget.Close(ctx)
	case "/retry":
		if len(args) != 1 {
			return fmt.Errorf("%w: /retry <nonce>", errUsage)
		}
		return s.widget.Retry(ctx, args[0])
	case "/state":
		v, err := s.widget.View(ctx)
		if err != nil {
			return err
		}
		s.out.Printf("state=%s unread=%d connection=%s\n", v.State, v.Unread, v.Connection)
		return nil
	}
	return fmt.Errorf("unknown command %s", cmd)
}

func (s *customerSession) Stop() { s.widget.Stop() }

type staffSession struct {
	console *console.Console
	out     *printer
}

func newStaffSession(ctx context.Context, cfg config.ChatConfig, user domain.ParticipantRef, composeCfg compose.Config,
	manager *socket.Manager, api *chatapi.Client, out *printer, logger *zap.Logger) (session, error) {
	c := console.New(console.Config{
		User:           user,
		HistoryLimit:   cfg.HistoryLimit,
		RequestTimeout: cfg.RequestTimeout(),
		Compose:        composeCfg,
		OnChange: func(v console.View) {
			if v.Selected != nil {
				out.Transcript(v.Selected.ID, v.Lines, v.Typing)
			}
		},
	}, console.Dependencies{
		Socket:    manager,
		Listeners: manager.Listeners(),
		API:       api,
		Notifier:  out,
		Logger:    logger,
	})
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return &staffSession{console: c, out: out}, nil
}

func (s *staffSession) Help() string {
	return "commands: /list [status] [search] /select <id> /assign <id> <staffId> /status <id> <status> /staff /retry <nonce> /quit"
}

func (s *staffSession) Handle(ctx context.Context, line string) error {
	cmd, args := splitCommand(line)
	switch cmd {
	case "":
		if err := s.console.Keystroke(ctx, line); err != nil {
			return err
		}
		return s.console.Send(ctx)
	case "/list":
		params := chatapi.ListParams{Page: 1}
		if len(args) > 0 {
			params.Status = domain.ConversationStatus(args[0])
		}
		if len(args) > 1 {
			params.Search = strings.Join(args[1:], " ")
		}
		if err := s.console.LoadConversations(ctx, params); err != nil {
			return err
		}
		return s.printRows(ctx)
	case "/select":
		if len(args) != 1 {
			return fmt.Errorf("%w: /select <id>", errUsage)
		}
		return s.console.Select(ctx, args[0])
	case "/assign":
		if len(args) != 2 {
			return fmt.Errorf("%w: /assign <id> <staffId>", errUsage)
		}
		return s.console.Assign(ctx, args[0], args[1])
	case "/status":
		if len(args) != 2 {
			return fmt.Errorf("%w: /status <id> <status>", errUsage)
		}
		return s.console.UpdateStatus(ctx, args[0], domain.ConversationStatus(args[1]))
	case "/staff":
		if err := s.console.LoadStaff(ctx); err != nil {
			return err
		}
		v, err := s.console.View(ctx)
		if err != nil {
			return err
		}
		for _, p := range v.Staff {
			online := "offline"
			if p.Online {
				online = "online"
			}
			s.out.Printf("  %s  %s (%s)\n", p.ID, p.Name, online)
		}
		return nil
	case "/retry":
		if len(args) != 1 {
			return fmt.Errorf("%w: /retry <nonce>", errUsage)
		}
		return s.console.Retry(ctx, args[0])
	}
	return fmt.Errorf("unknown command %s", cmd)
}

func (s *staffSession) printRows(ctx context.Context) error {
	v, err := s.console.View(ctx)
	if err != nil {
		return err
	}
	for _, row := range v.Rows {
		assignee := "-"
		if row.Conversation.AssignedTo != nil {
			assignee = row.Conversation.AssignedTo.DisplayName()
		}
		s.out.Printf("  %s  %-8s %-12s unread=%d assigned=%s  %s\n",
			row.Conversation.ID, row.Conversation.Status, row.Conversation.Customer.DisplayName(),
			row.Unread, assignee, row.Preview)
	}
	if v.Pagination != nil {
		s.out.Printf("  page %d, %d total\n", v.Pagination.Page, v.Pagination.Total)
	}
	return nil
}

func (s *staffSession) Stop() { s.console.Stop() }

func splitCommand(line string) (string, []string) {
	if !strings.HasPrefix(line, "/") {
		return "", nil
	}
	fields := strings.Fields(line)
	return fields[0], fields[1:]
}
