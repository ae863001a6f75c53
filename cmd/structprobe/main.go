// structprobe logs in to a structure gateway, runs one action and prints
// the result as JSON.
//
// Usage:
//
//	structprobe -credential-file cred.txt block 10 64 -3
//	structprobe -credential "$TOKEN" fuel
//	structprobe -credential "$TOKEN" -watch 30s events
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rickgao/structlink/internal/api"
	"github.com/rickgao/structlink/internal/connection"
	"github.com/rickgao/structlink/internal/credential"
	"github.com/rickgao/structlink/internal/protocol"
	"github.com/rickgao/structlink/internal/router"
	"github.com/rickgao/structlink/internal/version"
)

const usage = `usage: structprobe [flags] <command> [args]

commands:
  block x y z          print the block at a position
  setblock x y z id    place a block
  sign x y z           print sign text
  inventory x y z      print container contents
  entities             list entities in the structure
  fuel                 print the fuel gauge
  events               print push events until -watch elapses
`

func main() {
	token := flag.String("credential", "", "credential token")
	tokenFile := flag.String("credential-file", "", "file holding the credential token")
	timeout := flag.Duration("timeout", 15*time.Second, "timeout for login and the action")
	watch := flag.Duration("watch", 30*time.Second, "how long the events command listens")
	retryMode := flag.Bool("retry", false, "retry out-of-fuel failures")
	verbose := flag.Bool("verbose", false, "debug logging")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	raw := *token
	if raw == "" && *tokenFile != "" {
		cred, err := credential.Load(*tokenFile)
		if err != nil {
			logger.Error("failed to load credential", "error", err)
			os.Exit(1)
		}
		raw = cred.Token
	}
	if raw == "" {
		logger.Error("one of -credential or -credential-file is required")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := connection.DefaultManagerConfig()
	cfg.RetryEnabled = *retryMode
	mgr := connection.NewManager(cfg, logger)
	if err := mgr.Start(ctx); err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		mgr.Stop(stopCtx)
	}()

	loginCtx, loginCancel := context.WithTimeout(ctx, *timeout)
	_, err := mgr.Login(loginCtx, raw)
	loginCancel()
	if err != nil {
		logger.Error("login failed", "kind", protocol.KindOf(err), "error", err)
		os.Exit(1)
	}

	var result any
	if flag.Arg(0) == "events" {
		result, err = collectEvents(ctx, mgr, *watch)
	} else {
		actionCtx, actionCancel := context.WithTimeout(ctx, *timeout)
		result, err = runCommand(actionCtx, api.NewClient(mgr, api.WithLogger(logger)), flag.Args())
		actionCancel()
	}
	if err != nil {
		logger.Error("command failed", "command", flag.Arg(0), "kind", protocol.KindOf(err), "error", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(result)
}

var errUsage = errors.New("bad arguments")

func runCommand(ctx context.Context, c *api.Client, args []string) (any, error) {
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "block":
		pos, err := parsePosition(rest)
		if err != nil {
			return nil, err
		}
		block, err := c.GetBlock(ctx, pos)
		if err != nil {
			return nil, err
		}
		return map[string]any{"name": block.Name, "raw": block.Raw}, nil

	case "setblock":
		if len(rest) != 4 {
			return nil, fmt.Errorf("%w: setblock needs x y z id", errUsage)
		}
		pos, err := parsePosition(rest[:3])
		if err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, c.SetBlock(ctx, pos, rest[3])

	case "sign":
		pos, err := parsePosition(rest)
		if err != nil {
			return nil, err
		}
		return c.GetSignText(ctx, pos)

	case "inventory":
		pos, err := parsePosition(rest)
		if err != nil {
			return nil, err
		}
		return c.GetInventory(ctx, pos)

	case "entities":
		return c.GetEntities(ctx)

	case "fuel":
		return c.GetFuel(ctx)
	}
	return nil, fmt.Errorf("%w: unknown command %q", errUsage, cmd)
}

func parsePosition(args []string) (protocol.Position, error) {
	if len(args) != 3 {
		return protocol.Position{}, fmt.Errorf("%w: expected x y z, got %d values", errUsage, len(args))
	}
	var v [3]int
	for i, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			return protocol.Position{}, fmt.Errorf("%w: coordinate %q: %v", errUsage, a, err)
		}
		v[i] = n
	}
	return protocol.Position{X: v[0], Y: v[1], Z: v[2]}, nil
}

type printedEvent struct {
	Name       string          `json:"name"`
	ReceivedAt time.Time       `json:"received_at"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// collectEvents gathers every notification until d elapses or the
// connection closes.
func collectEvents(ctx context.Context, mgr connection.Manager, d time.Duration) ([]printedEvent, error) {
	sub := mgr.Subscribe(router.TopicBlockUpdate, router.TopicTransact, router.TopicOutOfFuel, router.TopicError, router.TopicClose)
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	events := []printedEvent{}
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return events, nil
			}
			return events, err
		}
		pe := printedEvent{Name: ev.Name, ReceivedAt: ev.ReceivedAt, Raw: ev.Raw}
		if ev.Err != nil {
			pe.Error = ev.Err.Error()
		}
		events = append(events, pe)
		if ev.Name == router.TopicClose {
			return events, nil
		}
	}
}
