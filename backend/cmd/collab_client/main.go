package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/sanity-io/litter"

	"collabSync/backend/config"
	"collabSync/backend/internal/client"
	"collabSync/backend/internal/sequencer"
)

const usage = `commands:
  ins <pos> <text>              insert text at pos
  del <start> <end>             remove [start, end)
  ann <start> <end> <key=value> annotate [start, end); empty value clears the key
  undo                          drop the last edit not yet sent
  show                          print the local text
  pending                       list edits waiting for ack
  dump                          dump segments and pending edits
  quit`

func main() {
	cfg, err := config.LoadClient("collabClient")
	if err != nil {
		slog.Error("init config failed", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLevel(cfg.Log.Level)}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sq := sequencer.NewWSClient(cfg.Server.URL, cfg.DocID, logger)
	sess, err := client.Open(ctx, sq, client.Options{
		Heartbeat:           cfg.Session.Heartbeat,
		ReconnectBackoff:    cfg.Session.ReconnectBackoff,
		MaxReconnectBackoff: cfg.Session.MaxReconnectBackoff,
		CallTimeout:         cfg.Session.CallTimeout,
		Logger:              logger,
	})
	if err != nil {
		logger.Error("open session failed", "doc", cfg.DocID, "err", err)
		os.Exit(1)
	}
	defer sess.Close(context.Background())

	changes, err := sess.Subscribe(ctx)
	if err != nil {
		logger.Error("subscribe failed", "err", err)
		os.Exit(1)
	}
	go func() {
		for ch := range changes {
			fmt.Printf("[%s] seq=%d len=%d\n", ch.Kind, ch.Seq, ch.Len)
		}
	}()

	fmt.Println(usage)
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			quit, err := execute(ctx, sess, line)
			if err != nil {
				fmt.Println("error:", err)
			}
			if quit {
				return
			}
		}
	}
}

func execute(ctx context.Context, sess *client.Session, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	switch fields[0] {
	case "ins":
		if len(fields) < 3 {
			return false, fmt.Errorf("usage: ins <pos> <text>")
		}
		pos, err := strconv.Atoi(fields[1])
		if err != nil {
			return false, err
		}
		return false, sess.Insert(ctx, pos, strings.Join(fields[2:], " "), nil)
	case "del":
		start, end, err := parseRange(fields)
		if err != nil {
			return false, err
		}
		return false, sess.Remove(ctx, start, end)
	case "ann":
		start, end, err := parseRange(fields)
		if err != nil {
			return false, err
		}
		if len(fields) < 4 {
			return false, fmt.Errorf("usage: ann <start> <end> <key=value>")
		}
		key, value, _ := strings.Cut(fields[3], "=")
		props := map[string]any{key: value}
		if value == "" {
			props[key] = nil
		}
		return false, sess.Annotate(ctx, start, end, props)
	case "undo":
		return false, sess.Undo(ctx)
	case "show":
		text, err := sess.Text(ctx)
		if err != nil {
			return false, err
		}
		fmt.Printf("%q\n", text)
	case "pending":
		st, err := sess.State(ctx)
		if err != nil {
			return false, err
		}
		for _, p := range st.Pending {
			fmt.Printf("localSeq=%d kind=%s token=%s\n", p.LocalSeq, p.Kind, p.Token)
		}
	case "dump":
		st, err := sess.State(ctx)
		if err != nil {
			return false, err
		}
		litter.Dump(st)
	case "quit", "exit":
		return true, nil
	default:
		fmt.Println(usage)
	}
	return false, nil
}

func parseRange(fields []string) (int, int, error) {
	if len(fields) < 3 {
		return 0, 0, fmt.Errorf("usage: %s <start> <end>", fields[0])
	}
	start, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, err
	}
	end, err := strconv.Atoi(fields[2])
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}
