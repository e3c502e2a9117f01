package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/spec-kit/support-chat/internal/auth"
	"github.com/spec-kit/support-chat/internal/chatapi"
	"github.com/spec-kit/support-chat/internal/compose"
	"github.com/spec-kit/support-chat/internal/config"
	"github.com/spec-kit/support-chat/internal/domain"
	"github.com/spec-kit/support-chat/internal/observability"
	"github.com/spec-kit/support-chat/internal/render"
	"github.com/spec-kit/support-chat/internal/socket"
)

func main() {
	mode := flag.String("mode", "customer", "customer or staff")
	userID := flag.String("user", "", "participant id")
	name := flag.String("name", "", "display name")
	mint := flag.Bool("mint", false, "mint a dev token with AUTH_JWT_SECRET when CHAT_TOKEN is empty")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := observability.NewLogger(config.LoggerConfig{Level: getLogLevel(cfg.Logger.Level)})
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	user := domain.ParticipantRef{ID: *userID, Name: *name, Role: domain.RoleCustomer}
	if *mode == "staff" {
		user.Role = domain.RoleStaff
	}
	if user.ID == "" {
		log.Fatal("-user is required")
	}

	if cfg.Chat.Token == "" && *mint {
		tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL())
		token, expires, err := tokens.GenerateToken(user)
		if err != nil {
			logger.Fatal("mint token", zap.Error(err))
		}
		logger.Info("minted dev token", zap.Time("expires_at", expires))
		cfg.Chat.Token = token
	}
	if cfg.Chat.Token == "" {
		log.Fatal("CHAT_TOKEN is empty; pass -mint for a dev token")
	}

	socketCfg, err := socket.ConfigFromChat(cfg.Chat)
	if err != nil {
		logger.Fatal("socket config", zap.Error(err))
	}
	metrics := observability.NewMetrics()
	manager := socket.NewManager(socketCfg, logger, metrics)
	defer manager.Disconnect()
	api := chatapi.New(chatapi.ConfigFromChat(cfg.Chat), logger, metrics)

	composeCfg := compose.Config{
		TypingIdle: cfg.Chat.TypingIdle(),
		AckTimeout: cfg.Chat.AckTimeout(),
		MaxResends: cfg.Chat.MaxResends,
	}
	out := &printer{w: os.Stdout, self: user.ID}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var sess session
	if user.Role.IsStaff() {
		sess, err = newStaffSession(ctx, cfg.Chat, user, composeCfg, manager, api, out, logger)
	} else {
		sess, err = newCustomerSession(ctx, cfg.Chat, user, composeCfg, manager, api, out, logger)
	}
	if err != nil {
		logger.Fatal("start session", zap.Error(err))
	}
	defer sess.Stop()

	out.Printf("connected as %s (%s). %s\n", user.DisplayName(), user.Role, sess.Help())
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line == "/quit" {
				return
			}
			if line == "" {
				continue
			}
			if err := sess.Handle(ctx, line); err != nil {
				out.Printf("! %v\n", err)
			}
		}
	}
}

// session is one chat surface driven from stdin.
type session interface {
	Handle(ctx context.Context, line string) error
	Help() string
	Stop()
}

// printer prints transcript lines that have not been printed yet.
type printer struct {
	mu      sync.Mutex
	w       io.Writer
	self    string
	thread  string
	printed map[string]bool
	typing  string
}

func (p *printer) Printf(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

// Transcript prints lines of thread not seen before; switching threads
// reprints from scratch.
func (p *printer) Transcript(thread string, lines []render.Line, typing []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if thread != p.thread || p.printed == nil {
		p.thread = thread
		p.printed = make(map[string]bool)
	}
	for _, l := range lines {
		key := l.MessageID
		if key == "" || l.Pending {
			continue
		}
		if p.printed[key] {
			continue
		}
		p.printed[key] = true
		fmt.Fprintf(p.w, "[%s] %s: %s\n", l.Time, l.Sender, l.Text)
	}
	for _, l := range lines {
		if l.Failed && !p.printed["failed:"+l.Nonce] {
			p.printed["failed:"+l.Nonce] = true
			fmt.Fprintf(p.w, "! not delivered: %q (/retry %s)\n", l.Text, l.Nonce)
		}
	}
	if now := strings.Join(typing, ", "); now != p.typing {
		p.typing = now
		if now != "" {
			fmt.Fprintf(p.w, "  (%s typing...)\n", now)
		}
	}
}

func (p *printer) Success(message string) { p.Printf("✓ %s\n", message) }
func (p *printer) Info(message string)    { p.Printf("i %s\n", message) }
func (p *printer) Error(message string)   { p.Printf("✗ %s\n", message) }

func getLogLevel(level string) string {
	// the terminal is shared with the transcript; keep info logs out of it
	if level == "" || level == "info" {
		return "warn"
	}
	return level
}
