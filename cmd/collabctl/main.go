package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/studiocdz/collaborative-editor/internal/domain"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/logging"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/wsclient"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

type Config struct {
	URL               string        `env:"COLLAB_URL,default=ws://localhost:3001/ws"`
	HTTPURL           string        `env:"COLLAB_HTTP_URL,default=http://localhost:3001"`
	ParticipantID     string        `env:"COLLAB_PARTICIPANT_ID"`
	Name              string        `env:"COLLAB_NAME,default=anonymous"`
	Color             string        `env:"COLLAB_COLOR"`
	ReconnectInterval time.Duration `env:"COLLAB_RECONNECT_INTERVAL,default=3s"`
	IdentityTimeout   time.Duration `env:"COLLAB_IDENTITY_TIMEOUT,default=10s"`
	PendingQueueSize  int           `env:"COLLAB_PENDING_QUEUE_SIZE,default=128"`
	LogLevel          string        `env:"LOG_LEVEL,default=warn"`
	LogPath           string        `env:"LOG_PATH,default=./logs/"`
}

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "collabctl: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}

	logger := logging.NewLogger(&logging.LoggerConfig{
		Logger:   "zerolog",
		Level:    cfg.LogLevel,
		Encoding: "json",
		FilePath: cfg.LogPath,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := newPrinter(os.Stdout)
	conn, err := wsclient.Dial(ctx, wsclient.Config{
		URL:               cfg.URL,
		Identity:          wsclient.Identity{ID: cfg.ParticipantID, Name: cfg.Name, Color: cfg.Color},
		ReconnectInterval: cfg.ReconnectInterval,
		IdentityTimeout:   cfg.IdentityTimeout,
		PendingQueueSize:  cfg.PendingQueueSize,
		OnStateChange: func(_, to domain.ConnState) {
			out.status(to)
		},
		Logger: logger,
	}, out)
	if err != nil {
		return exitRuntime, fmt.Errorf("could not join %s: %w", cfg.URL, err)
	}

	me := conn.Participant()
	out.linef("joined as %s (%s), type /help for commands", me.DisplayName, me.ID)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return leave(conn)

		case <-conn.Done():
			if err := conn.Err(); err != nil {
				return exitRuntime, err
			}
			return exitOK, nil

		case line, ok := <-lines:
			if !ok {
				return leave(conn)
			}
			done, err := execute(ctx, cfg, conn, out, strings.TrimSpace(line))
			if err != nil {
				out.linef("! %v", err)
			}
			if done {
				return leave(conn)
			}
		}
	}
}

func leave(conn *wsclient.Conn) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Leave(ctx); err != nil {
		return exitRuntime, fmt.Errorf("leave: %w", err)
	}
	return exitOK, nil
}

// execute runs one input line and reports whether the user asked to leave.
func execute(ctx context.Context, cfg Config, conn *wsclient.Conn, out *printer, line string) (bool, error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, conn.SendChat(ctx, line)
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/leave", "/quit":
		return true, nil

	case "/clear":
		return false, conn.Clear(ctx)

	case "/draw":
		point, err := parsePoint(arg)
		if err != nil {
			return false, err
		}
		return false, conn.SendDraw(ctx, point)

	case "/file":
		if arg == "" {
			return false, errors.New("usage: /file <path>")
		}
		return false, shareFile(ctx, cfg, conn, arg)

	case "/who":
		p := conn.Participant()
		out.linef("%s (%s) state=%s seq=%d", p.DisplayName, p.ID, conn.State(), conn.LastSeq())
		return false, nil

	case "/help":
		out.linef("/draw x y [size] [color]  /clear  /file <path>  /who  /leave")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command %s", cmd)
	}
}

func parsePoint(arg string) (domain.DrawPoint, error) {
	fields := strings.Fields(arg)
	if len(fields) < 2 {
		return domain.DrawPoint{}, errors.New("usage: /draw x y [size] [color]")
	}

	point := domain.DrawPoint{Size: 3, Tool: domain.ToolPen, Color: "#000000"}
	var err error
	if point.X, err = strconv.ParseFloat(fields[0], 64); err != nil {
		return point, fmt.Errorf("bad x: %w", err)
	}
	if point.Y, err = strconv.ParseFloat(fields[1], 64); err != nil {
		return point, fmt.Errorf("bad y: %w", err)
	}
	if len(fields) > 2 {
		if point.Size, err = strconv.ParseFloat(fields[2], 64); err != nil {
			return point, fmt.Errorf("bad size: %w", err)
		}
	}
	if len(fields) > 3 {
		point.Color = fields[3]
	}
	return point, nil
}

func shareFile(ctx context.Context, cfg Config, conn *wsclient.Conn, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	ref, err := wsclient.Upload(ctx, nil, cfg.HTTPURL, conn.Participant(), filepath.Base(path), f)
	if err != nil {
		return err
	}
	return conn.ShareFile(ctx, ref)
}
