package main

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/pflag"

	"github.com/basket/go-fleet/internal/bus"
	"github.com/basket/go-fleet/internal/config"
	"github.com/basket/go-fleet/internal/events"
	"github.com/basket/go-fleet/internal/tui"
)

const tailReadLimit = 16 << 20

// frame is any server message: a raw envelope (event_type set) or a reply
// (type set).
type frame struct {
	Type       string            `json:"type"`
	EventType  string            `json:"event_type"`
	Events     []events.Envelope `json:"events"`
	CurrentSeq int64             `json:"current_seq"`
	Error      string            `json:"error"`
	Code       string            `json:"code"`
}

type tailOptions struct {
	url    string
	topics []string
	since  int64
}

func runTail(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("tail", pflag.ContinueOnError)
	url := fs.String("url", "", "WebSocket URL (default ws://<bind_addr>/ws)")
	topics := fs.StringArray("topic", nil, "topic to follow; repeatable (default all)")
	since := fs.Int64("since", -1, "replay envelopes after this seq before following")
	noReconnect := fs.Bool("no-reconnect", false, "exit when the connection drops")
	if done, code := parseFlags(fs, args, stderr); done {
		return code
	}
	for _, t := range *topics {
		if !bus.ValidTopic(t) {
			fmt.Fprintf(stderr, "tail: unknown topic %q (available: %s)\n", t, strings.Join(bus.AvailableTopics(), ", "))
			return 2
		}
	}

	opts := tailOptions{url: *url, topics: *topics, since: *since}
	if opts.url == "" {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(stderr, "config load: %v\n", err)
			return 1
		}
		opts.url = wsURL(cfg.BindAddr)
	}

	feed := tui.NewFeed(isTerminal(stdout))
	emit := func(env events.Envelope) {
		if line, ok := feed.Add(env); ok {
			fmt.Fprintln(stdout, line)
		}
	}

	backoff := time.Second
	for {
		err := tailOnce(ctx, opts, emit, stderr)
		if ctx.Err() != nil {
			fmt.Fprintln(stdout, feed.Summary())
			return 0
		}
		if *noReconnect {
			fmt.Fprintf(stderr, "tail: %v\n", err)
			return 1
		}
		fmt.Fprintf(stderr, "tail: disconnected (%v); reconnecting in %s\n", err, backoff)
		select {
		case <-ctx.Done():
			fmt.Fprintln(stdout, feed.Summary())
			return 0
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
		// Resume where the feed left off; the feed skips the overlap.
		opts.since = feed.HighSeq()
	}
}

func replayCommand(since int64) map[string]any {
	return map[string]any{
		"type":    "command",
		"command": "replay_events",
		"data":    map[string]any{"since_seq": since},
	}
}

// tailOnce follows one connection until it fails or ctx is done. With a
// since seq it pages replay_events until it reaches the server's current
// seq, holding live envelopes back so output stays in seq order.
func tailOnce(ctx context.Context, opts tailOptions, emit func(events.Envelope), stderr io.Writer) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, opts.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", opts.url, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(tailReadLimit)

	msgs := []any{map[string]any{"type": "handshake", "client_name": "fleetd-tail"}}
	if len(opts.topics) > 0 && !slices.Contains(opts.topics, bus.TopicAll) {
		msgs = append(msgs,
			map[string]any{"type": "subscribe", "topics": opts.topics},
			map[string]any{"type": "unsubscribe", "topics": []string{bus.TopicAll}},
		)
	}
	catchingUp := opts.since >= 0
	if catchingUp {
		msgs = append(msgs, replayCommand(opts.since))
	}
	for _, m := range msgs {
		if err := wsjson.Write(ctx, conn, m); err != nil {
			return fmt.Errorf("send: %w", err)
		}
	}

	var held []events.Envelope
	deliver := func(env events.Envelope) {
		if matchesTopics(env, opts.topics) {
			emit(env)
		}
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "tail done")
			}
			return err
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			fmt.Fprintf(stderr, "tail: bad frame: %v\n", err)
			continue
		}
		switch {
		case f.EventType != "":
			var env events.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				fmt.Fprintf(stderr, "tail: bad envelope: %v\n", err)
				continue
			}
			if catchingUp {
				held = append(held, env)
				continue
			}
			deliver(env)
		case f.Type == "replay":
			for _, env := range f.Events {
				deliver(env)
			}
			if !catchingUp {
				continue
			}
			if n := len(f.Events); n > 0 && f.Events[n-1].Seq < f.CurrentSeq {
				if err := wsjson.Write(ctx, conn, replayCommand(f.Events[n-1].Seq)); err != nil {
					return fmt.Errorf("send: %w", err)
				}
				continue
			}
			catchingUp = false
			slices.SortFunc(held, func(a, b events.Envelope) int { return cmp.Compare(a.Seq, b.Seq) })
			for _, env := range held {
				deliver(env)
			}
			held = nil
		case f.Type == "error":
			if catchingUp {
				return fmt.Errorf("replay: %s: %s", f.Code, f.Error)
			}
			fmt.Fprintf(stderr, "tail: server error %s: %s\n", f.Code, f.Error)
		}
	}
}

// matchesTopics filters replayed envelopes, which the server does not
// route by topic.
func matchesTopics(env events.Envelope, topics []string) bool {
	if len(topics) == 0 {
		return true
	}
	for _, t := range bus.TopicsFor(env) {
		if slices.Contains(topics, t) {
			return true
		}
	}
	return false
}

func wsURL(bindAddr string) string {
	addr := strings.TrimSpace(bindAddr)
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "ws://" + addr + "/ws"
}
