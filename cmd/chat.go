package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"github.com/veldt/mcp-agent/internal/conn"
)

// runChat is the interactive session: each non-command line becomes one agent
// request, with a handful of inspection commands on the side.
func runChat(ctx context.Context, rt *runtime) error {
	historyFile := filepath.Join(os.TempDir(), ".mcp_agent_history")

	cfg := &readline.Config{
		Prompt:          "agent> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	}
	rl, err := readline.NewEx(cfg)
	if err != nil {
		return fmt.Errorf("failed to create readline instance: %w", err)
	}
	defer func() { _ = rl.Close() }()

	rt.log.Info("Interactive session started. Type 'help' for commands, or state a request.")
	fmt.Println()

	for {
		select {
		case <-ctx.Done():
			rt.log.Info("Session shutting down...")
			return nil
		default:
		}

		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				continue
			}
		} else if err == io.EOF {
			rt.log.Info("Goodbye!")
			return nil
		} else if err != nil {
			return fmt.Errorf("readline error: %w", err)
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if done, handled := handleCommand(ctx, rt, input); handled {
			if done {
				rt.log.Info("Goodbye!")
				return nil
			}
			fmt.Println()
			continue
		}

		res, err := runRequest(ctx, rt, input)
		if err != nil {
			rt.log.Error("Error: %v", err)
		} else {
			fmt.Println(res.Text)
		}
		fmt.Println()
	}
}

// handleCommand runs a session command. The second return reports whether the
// input was a command at all; the first whether the session should end.
func handleCommand(ctx context.Context, rt *runtime, input string) (bool, bool) {
	parts := strings.Fields(input)
	switch parts[0] {
	case "exit", "quit":
		return true, true

	case "help", "?":
		fmt.Println(`Commands:
  tools                     List available tools
  servers                   Show server connection status
  restart <server>          Reconnect a server
  enable <server>           Enable a server (persisted)
  disable <server>          Disable a server (persisted)
  enable-tool <server:tool>   Enable an individual tool (persisted)
  disable-tool <server:tool>  Disable an individual tool (persisted)
  resources                 Show tracked resources from earlier tool calls
  exit, quit                Leave the session

Anything else is sent to the agent as a request.`)
		return false, true

	case "tools":
		tools := rt.catalog.AvailableTools()
		if len(tools) == 0 {
			rt.log.Info("No tools available")
			return false, true
		}
		for _, t := range tools {
			fmt.Printf("  %-40s %s\n", t.QualifiedName, t.Description)
		}
		return false, true

	case "servers":
		for _, sc := range rt.manager.Connections() {
			line := fmt.Sprintf("  %-20s %-14s %d tools", sc.Config.Name, sc.Status, sc.ToolCount)
			if sc.Status == conn.StatusFailed && sc.Err != nil {
				line += "  (" + sc.Err.Error() + ")"
			}
			fmt.Println(line)
		}
		return false, true

	case "restart":
		if len(parts) < 2 {
			rt.log.Error("Usage: restart <server>")
			return false, true
		}
		if err := rt.manager.RestartServer(ctx, parts[1]); err != nil {
			rt.log.Error("Restart failed: %v", err)
		}
		return false, true

	case "enable", "disable":
		if len(parts) < 2 {
			rt.log.Error("Usage: %s <server>", parts[0])
			return false, true
		}
		if err := rt.manager.SetServerEnabled(ctx, parts[1], parts[0] == "enable"); err != nil {
			rt.log.Error("%v", err)
		}
		return false, true

	case "enable-tool", "disable-tool":
		if len(parts) < 2 {
			rt.log.Error("Usage: %s <server:tool>", parts[0])
			return false, true
		}
		rt.prefs.SetToolDisabled(parts[1], parts[0] == "disable-tool")
		return false, true

	case "resources":
		summary := rt.resources.Summary()
		if summary == "" {
			rt.log.Info("No tracked resources")
		} else {
			fmt.Print(summary)
		}
		return false, true
	}

	return false, false
}

// filterInput filters input characters for readline
func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}
