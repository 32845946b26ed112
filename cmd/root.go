package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/veldt/mcp-agent/internal/agent"
	"github.com/veldt/mcp-agent/internal/catalog"
	"github.com/veldt/mcp-agent/internal/config"
	"github.com/veldt/mcp-agent/internal/conn"
	"github.com/veldt/mcp-agent/internal/logger"
	"github.com/veldt/mcp-agent/internal/oauth"
	"github.com/veldt/mcp-agent/internal/planner"
	"github.com/veldt/mcp-agent/internal/proc"
)

var (
	version string

	configPath     string
	model          string
	baseURL        string
	apiKey         string
	maxIterations  int
	plannerTimeout time.Duration
	verbose        bool
	noColor        bool
	jsonRPC        bool
	chat           bool
	approveTools   bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mcp-agent [request]",
	Short: "LLM agent over MCP servers",
	Long: `mcp-agent connects to the MCP (Model Context Protocol) servers listed in its
configuration file, aggregates their tools into one catalog, and satisfies
requests by letting an LLM plan and execute tool calls iteratively.

Servers can be spawned as subprocesses (stdio transport) or reached over
websocket and streamable HTTP. HTTP servers that demand authorization are
handled with OAuth 2.1: metadata discovery, dynamic client registration and
a PKCE browser flow, with tokens persisted encrypted between sessions.

Run a single request by passing it as arguments, or start an interactive
session with --chat. During a run, Ctrl+C stops the agent gracefully; a
second Ctrl+C force-kills every spawned server process immediately.`,
	Args: cobra.ArbitraryArgs,
	RunE: runRoot,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// SetVersion sets the version for the application
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to the server configuration file (default: <user config dir>/mcp-agent/config.json)")
	rootCmd.Flags().StringVar(&model, "model", "", "Planner model name (required unless set via MCP_AGENT_MODEL)")
	rootCmd.Flags().StringVar(&baseURL, "base-url", "https://api.openai.com/v1", "OpenAI-compatible endpoint for the planner")
	rootCmd.Flags().StringVar(&apiKey, "api-key", "", "Planner API key (default: OPENAI_API_KEY)")
	rootCmd.Flags().IntVar(&maxIterations, "max-iterations", agent.DefaultMaxIterations, "Maximum planning iterations per request")
	rootCmd.Flags().DurationVar(&plannerTimeout, "planner-timeout", 2*time.Minute, "Timeout for a single planner call")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	rootCmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.Flags().BoolVar(&jsonRPC, "json-rpc", false, "Enable full JSON-RPC message logging")
	rootCmd.Flags().BoolVar(&chat, "chat", false, "Start an interactive chat session")
	rootCmd.Flags().BoolVar(&approveTools, "approve-tools", false, "Ask for confirmation before each tool call")

	rootCmd.AddCommand(newSelfUpdateCmd())
}

// configDir returns the application's directory under the user config dir.
func configDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "mcp-agent"), nil
}

func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// interrupts routes SIGINT to whichever run is active.
type interrupts struct {
	mu    sync.Mutex
	state *agent.RunState
}

func (i *interrupts) track(s *agent.RunState) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

func (i *interrupts) current() *agent.RunState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// runtime bundles the wired subsystems for a session.
type runtime struct {
	log       *logger.Logger
	manager   *conn.Manager
	catalog   *catalog.Catalog
	agent     *agent.Agent
	resources *catalog.ResourceTracker
	prefs     *config.Prefs
	ints      *interrupts
}

func runRoot(cmd *cobra.Command, args []string) error {
	log := logger.NewLogger(verbose, !noColor, jsonRPC)

	request := strings.TrimSpace(strings.Join(args, " "))
	if request == "" && !chat {
		return fmt.Errorf("provide a request as arguments, or use --chat")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	rt, cleanup, err := buildRuntime(ctx, log)
	if err != nil {
		return err
	}
	defer cleanup()

	setupSignalHandler(cancel, rt)

	if chat {
		return runChat(ctx, rt)
	}

	res, err := runRequest(ctx, rt, request)
	if err != nil {
		return err
	}
	fmt.Println(res.Text)
	return nil
}

// buildRuntime wires config, OAuth, supervision, the catalog and the planner
// into a ready agent. The returned cleanup shuts everything down.
func buildRuntime(ctx context.Context, log *logger.Logger) (*runtime, func(), error) {
	cfgPath, err := resolveConfigPath()
	if err != nil {
		return nil, nil, err
	}
	cfgFile, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}

	prefsPath, err := config.DefaultPrefsPath()
	if err != nil {
		prefsPath = ""
	}
	prefs := config.LoadPrefs(prefsPath)

	dir, err := configDir()
	if err != nil {
		return nil, nil, err
	}
	store, err := oauth.OpenStore(filepath.Join(dir, "tokens.enc"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open token store: %w", err)
	}
	authMgr := oauth.NewManager(store, nil, log)

	stop := make(chan struct{})
	store.StartSweeper(time.Hour, oauth.DefaultRetention, stop)

	sup := proc.NewSupervisor(log)
	cat := catalog.NewCatalog(prefs)
	manager := conn.NewManager(cat, sup, authMgr, prefs, log)

	resources := catalog.NewResourceTracker()
	resources.StartSweeper(5*time.Minute, stop)

	var approval catalog.ApprovalFunc
	if approveTools {
		approval = promptApproval(log)
	}
	executor := catalog.NewExecutor(cat, manager.Resolver(), approval, resources, log)

	pl, err := buildPlanner(log)
	if err != nil {
		return nil, nil, err
	}

	ag := agent.New(pl, cat, executor, resources, sup, log, agent.Options{
		MaxIterations:  maxIterations,
		PlannerTimeout: plannerTimeout,
	})

	manager.InitializeAll(ctx, cfgFile.Servers())

	rt := &runtime{
		log:       log,
		manager:   manager,
		catalog:   cat,
		agent:     ag,
		resources: resources,
		prefs:     prefs,
		ints:      &interrupts{},
	}
	cleanup := func() {
		close(stop)
		manager.Shutdown()
	}
	return rt, cleanup, nil
}

// buildPlanner constructs the LLM client from flags and environment.
func buildPlanner(log *logger.Logger) (planner.Planner, error) {
	m := model
	if m == "" {
		m = os.Getenv("MCP_AGENT_MODEL")
	}
	if m == "" {
		return nil, fmt.Errorf("no planner model configured: set --model or MCP_AGENT_MODEL")
	}
	key := apiKey
	if key == "" {
		key = os.Getenv("OPENAI_API_KEY")
	}
	return planner.NewClient(planner.Config{
		BaseURL: baseURL,
		APIKey:  key,
		Model:   m,
		Timeout: plannerTimeout,
	}, log)
}

// setupSignalHandler stops the active run on the first interrupt and
// force-kills all server subprocesses on the second.
func setupSignalHandler(cancel context.CancelFunc, rt *runtime) {
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		rt.log.Warning("Interrupt received, stopping (press Ctrl+C again to force-kill servers)")
		if state := rt.ints.current(); state != nil {
			state.Stop()
		}
		cancel()

		<-sigChan
		rt.log.Error("Second interrupt, emergency stop")
		rt.agent.EmergencyStop(rt.ints.current())
		os.Exit(1)
	}()
}

// runRequest executes one request with progress streamed to the log.
func runRequest(ctx context.Context, rt *runtime, request string) (agent.Result, error) {
	state := &agent.RunState{}
	rt.ints.track(state)
	defer rt.ints.track(nil)

	sink := agent.NewProgressSink()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for step := range sink.Steps() {
			printStep(rt.log, step)
		}
	}()

	res, err := rt.agent.Run(ctx, request, state, sink)
	sink.Close()
	<-done
	return res, err
}

func printStep(log *logger.Logger, step agent.ProgressStep) {
	switch step.Type {
	case agent.StepThinking:
		log.Info("%s", step.Title)
	case agent.StepToolCall:
		log.Info("→ %s", step.Title)
	case agent.StepToolResult:
		if step.Status == agent.StatusError {
			log.Error("✗ %s: %s", step.Title, step.Description)
		} else {
			log.Success("✓ %s", step.Title)
		}
	case agent.StepCompletion:
		if step.Status == agent.StatusError {
			log.Warning("%s", step.Title)
		} else {
			log.Success("%s", step.Title)
		}
	}
}

// promptApproval asks on stdin before each tool call.
func promptApproval(log *logger.Logger) catalog.ApprovalFunc {
	return func(call catalog.ToolCall) bool {
		fmt.Printf("Allow tool call %s? [y/N] ", call.Name)
		var answer string
		if _, err := fmt.Scanln(&answer); err != nil {
			return false
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		return answer == "y" || answer == "yes"
	}
}
