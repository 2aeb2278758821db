package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/nugget/tadpole/internal/llm"
	"github.com/nugget/tadpole/internal/usage"
)

// aggregateTimeout bounds the concurrent probe behind "tadpole tools".
const aggregateTimeout = 60 * time.Second

// openCLI loads the config and opens the app with logs on stderr so
// stdout carries only command output.
func openCLI(stderr io.Writer, opts options) (*app, error) {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	return openApp(cfg, configuredLogger(stderr, cfg))
}

// parseAsk splits "ask" arguments into an optional server id and the
// question text.
func parseAsk(args []string) (serverID, question string, err error) {
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-server" && i+1 < len(args):
			serverID = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-server="):
			serverID = strings.TrimPrefix(args[i], "-server=")
		default:
			words = append(words, args[i])
		}
	}
	question = strings.TrimSpace(strings.Join(words, " "))
	if question == "" {
		return "", "", fmt.Errorf("usage: tadpole ask [-server id] <question>")
	}
	return serverID, question, nil
}

// runAsk handles "tadpole ask". It runs one user turn against the
// selected server, or the one named with -server, and prints the final
// answer. With -o json the whole transcript is printed instead.
func runAsk(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	serverID, question, err := parseAsk(args)
	if err != nil {
		return err
	}

	a, err := openCLI(stderr, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	o, err := a.newOrchestrator("cli")
	if err != nil {
		return err
	}
	defer o.Close()

	if serverID != "" {
		if err := o.SelectServer(ctx, serverID); err != nil {
			// A known server that failed to connect still lets the
			// question run without tools.
			if _, lookupErr := a.dir.Get(serverID); lookupErr != nil {
				return lookupErr
			}
			a.logger.Warn("tool server connect failed", "server_id", serverID, "error", err)
		}
	}

	turnErr := o.Process(ctx, question)
	msgs := o.Conversation().Messages()

	if opts.output == "json" {
		if err := writeJSON(stdout, map[string]any{
			"conversation_id": o.ID(),
			"server_id":       o.ServerID(),
			"messages":        msgs,
		}); err != nil {
			return err
		}
	} else if answer, ok := finalAnswer(msgs); ok && turnErr == nil {
		fmt.Fprintln(stdout, answer)
	}

	if turnErr != nil {
		return fmt.Errorf("ask: %w", turnErr)
	}
	return nil
}

// finalAnswer returns the content of the last assistant message.
func finalAnswer(msgs []llm.Message) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleAssistant && len(msgs[i].ToolCalls) == 0 {
			return msgs[i].Content, true
		}
	}
	return "", false
}

// runServers handles "tadpole servers".
func runServers(_ context.Context, stdout, stderr io.Writer, opts options) error {
	a, err := openCLI(stderr, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	views := a.dir.Views()
	if opts.output == "json" {
		return writeJSON(stdout, views)
	}
	for _, v := range views {
		marker := " "
		if v.Active {
			marker = "*"
		}
		var flags []string
		if !v.Enabled {
			flags = append(flags, "disabled")
		}
		if v.BuiltIn {
			flags = append(flags, "builtin")
		}
		if n := len(v.DisabledTools); n > 0 {
			flags = append(flags, fmt.Sprintf("%d tool(s) off", n))
		}
		fmt.Fprintf(stdout, "%s %-24s %-28s %s", marker, v.ID, v.Name, v.URL)
		if len(flags) > 0 {
			fmt.Fprintf(stdout, "  [%s]", strings.Join(flags, ", "))
		}
		fmt.Fprintln(stdout)
	}
	return nil
}

// runTools handles "tadpole tools". Every enabled server is probed
// concurrently; unreachable servers are reported on stderr and left out.
func runTools(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	a, err := openCLI(stderr, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(ctx, aggregateTimeout)
	defer cancel()
	agg, err := a.dir.AggregateTools(ctx)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	if opts.output == "json" {
		return writeJSON(stdout, agg)
	}

	for i, st := range agg {
		if i > 0 {
			fmt.Fprintln(stdout)
		}
		fmt.Fprintf(stdout, "%s (%s)\n", st.Server.Name, st.Server.ID)
		if len(st.Tools) == 0 {
			fmt.Fprintln(stdout, "  no tools")
		}
		for _, d := range st.Tools {
			desc, _, _ := strings.Cut(d.Description, "\n")
			fmt.Fprintf(stdout, "  %-28s %s\n", d.Name, desc)
		}
	}
	return nil
}

// runUsage handles "tadpole usage [period]". Totals are broken down by
// model.
func runUsage(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	period := "today"
	if len(args) > 0 {
		period = args[0]
	}
	start, end, err := usage.ParsePeriod(period, time.Now())
	if err != nil {
		return fmt.Errorf("%w (expected one of %s)", err, strings.Join(usage.Periods, ", "))
	}

	a, err := openCLI(stderr, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	total, err := a.usage.Summary(ctx, start, end)
	if err != nil {
		return err
	}
	byModel, err := a.usage.SummaryByModel(ctx, start, end)
	if err != nil {
		return err
	}
	if opts.output == "json" {
		return writeJSON(stdout, map[string]any{"period": period, "total": total, "models": byModel})
	}

	fmt.Fprintf(stdout, "Usage (%s): %d requests, %d in / %d out\n", period, total.Requests, total.InputTokens, total.OutputTokens)
	models := slices.Sorted(maps.Keys(byModel))
	for _, m := range models {
		s := byModel[m]
		fmt.Fprintf(stdout, "  %-28s %6d requests  %10d in  %10d out\n", m, s.Requests, s.InputTokens, s.OutputTokens)
	}
	return nil
}
