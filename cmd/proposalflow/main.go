package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	proposalflow "github.com/deepnoodle-ai/proposalflow"
	"github.com/deepnoodle-ai/proposalflow/nodes"
	"github.com/deepnoodle-ai/proposalflow/postgres"
	"github.com/fatih/color"
)

type cliOptions struct {
	ConfigFile   string
	ThreadID     string
	OwnerID      string
	DocumentID   string
	DocumentName string
	FeedbackType string
	Comments     string
	Edits        stringSlice
	Timeout      time.Duration
	Verbose      bool
	JSON         bool
}

func main() {
	opts := parseFlags()
	command := flag.Arg(0)
	if command == "" {
		flag.Usage()
		os.Exit(1)
	}

	config := DefaultConfig()
	if opts.ConfigFile != "" {
		loaded, err := LoadConfigFile(opts.ConfigFile)
		if err != nil {
			color.Red("Error: %v", err)
			os.Exit(1)
		}
		config = loaded
	}

	logger := proposalflow.NewJSONLogger()
	if opts.Verbose {
		logger = proposalflow.NewLoggerWithLevel(slog.LevelDebug)
	}

	ctx := context.Background()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	store, cleanup, err := buildStore(ctx, config)
	if err != nil {
		log.Fatalf("Failed to create checkpoint store: %v", err)
	}
	defer cleanup()

	pipeline := nodes.NewPipeline()
	pipeline.Router = proposalflow.RouterConfig{MinConfidence: config.MinConfidence}

	graph, err := nodes.BuildProposalGraph(pipeline)
	if err != nil {
		log.Fatalf("Failed to build proposal graph: %v", err)
	}

	engine, err := proposalflow.NewEngine(proposalflow.EngineOptions{
		Graph:       graph,
		Store:       store,
		Logger:      logger,
		MaxSteps:    config.MaxSteps,
		RetryBudget: config.RetryBudget,
		Namespace:   config.Namespace,
		AgentType:   config.AgentType,
	})
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}

	service, err := proposalflow.NewService(proposalflow.ServiceOptions{
		Engine: engine,
		Store:  store,
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("Failed to create service: %v", err)
	}

	switch command {
	case "start":
		runStart(ctx, service, config, opts)
	case "resume":
		runResume(ctx, service, opts)
	case "feedback":
		runFeedback(ctx, service, opts)
	case "status":
		runStatus(ctx, service, opts)
	case "state":
		runState(ctx, service, opts)
	default:
		color.Red("Error: unknown command %q", command)
		flag.Usage()
		os.Exit(1)
	}
}

func parseFlags() *cliOptions {
	opts := &cliOptions{}

	flag.StringVar(&opts.ConfigFile, "config", "", "Path to a YAML configuration file (optional)")
	flag.StringVar(&opts.ThreadID, "thread", "", "Thread identifier")
	flag.StringVar(&opts.OwnerID, "owner", "", "Owner identifier (required for start)")
	flag.StringVar(&opts.DocumentID, "doc", "", "Source document identifier (required for start)")
	flag.StringVar(&opts.DocumentName, "doc-name", "", "Source document display name")
	flag.StringVar(&opts.FeedbackType, "type", "", "Feedback type: approve, revise, or regenerate")
	flag.StringVar(&opts.Comments, "comments", "", "Free-form reviewer comments")
	flag.Var(&opts.Edits, "edit", "Targeted edit in format section=instruction (can be used multiple times)")
	flag.DurationVar(&opts.Timeout, "timeout", 0, "Command timeout (e.g., 30s, 5m)")
	flag.BoolVar(&opts.Verbose, "verbose", false, "Colorized debug-level logs instead of JSON")
	flag.BoolVar(&opts.JSON, "json", false, "Print the resulting state as JSON")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Proposal workflow CLI

Usage: %s [options] <command>

Commands:
  start     Start a new proposal thread (-owner, -doc required)
  resume    Resume an interrupted thread (-thread required; feedback flags optional)
  feedback  Stage reviewer feedback without resuming (-thread, -type required)
  status    Show a thread's interrupt status (-thread required)
  state     Print a thread's full state (-thread required)

Examples:
  # Start drafting a proposal for a requirements document
  %s -owner acct_42 -doc rfp-2026-018 -doc-name "Acme RFP" start

  # Approve at a review checkpoint and continue
  %s -thread thread_01h2x -type approve resume

  # Request targeted edits to two sections
  %s -thread thread_01h2x -type revise -edit pricing="show quarterly totals" -edit timeline="compress to 12 weeks" resume

Options:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()
	return opts
}

// stringSlice collects repeated flag values.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func buildStore(ctx context.Context, config *Config) (proposalflow.CheckpointStore, func(), error) {
	noop := func() {}
	switch config.Store.Kind {
	case "", "memory":
		return proposalflow.NewMemoryCheckpointStore(config.Namespace), noop, nil
	case "file":
		store, err := proposalflow.NewFileCheckpointStore(config.Store.DataDir, config.Namespace)
		return store, noop, err
	case "postgres":
		store, err := postgres.NewCheckpointStore(ctx, postgres.Options{
			DatabaseURL: config.Store.DatabaseURL,
			Namespace:   config.Namespace,
		})
		if err != nil {
			return nil, noop, err
		}
		return store, func() { store.Close() }, nil
	case "none":
		return proposalflow.NewNullCheckpointStore(), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown store kind %q", config.Store.Kind)
	}
}

func feedbackFromFlags(opts *cliOptions) (*proposalflow.FeedbackEnvelope, error) {
	if opts.FeedbackType == "" && opts.Comments == "" && len(opts.Edits) == 0 {
		return nil, nil
	}
	feedback := &proposalflow.FeedbackEnvelope{
		Type:     proposalflow.FeedbackType(opts.FeedbackType),
		Comments: opts.Comments,
	}
	for _, edit := range opts.Edits {
		parts := strings.SplitN(edit, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid edit %q, use section=instruction", edit)
		}
		if feedback.SpecificEdits == nil {
			feedback.SpecificEdits = map[proposalflow.SectionKind]string{}
		}
		feedback.SpecificEdits[proposalflow.SectionKind(parts[0])] = parts[1]
	}
	return feedback, nil
}

func runStart(ctx context.Context, service *proposalflow.Service, config *Config, opts *cliOptions) {
	outcome, err := service.Start(ctx, proposalflow.StartRequest{
		ThreadID:       opts.ThreadID,
		OwnerID:        opts.OwnerID,
		DocumentID:     opts.DocumentID,
		DocumentName:   opts.DocumentName,
		MaxRefinements: config.MaxRefinements,
	})
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	showOutcome(outcome, opts)
}

func runResume(ctx context.Context, service *proposalflow.Service, opts *cliOptions) {
	feedback, err := feedbackFromFlags(opts)
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	outcome, err := service.Resume(ctx, proposalflow.ResumeRequest{
		ThreadID: opts.ThreadID,
		Feedback: feedback,
	})
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	showOutcome(outcome, opts)
}

func runFeedback(ctx context.Context, service *proposalflow.Service, opts *cliOptions) {
	feedback, err := feedbackFromFlags(opts)
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	if feedback == nil {
		color.Red("Error: feedback requires -type, -comments, or -edit")
		os.Exit(1)
	}
	if err := service.SubmitFeedback(ctx, proposalflow.FeedbackRequest{
		ThreadID: opts.ThreadID,
		Feedback: feedback,
	}); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	color.Green("Feedback staged on thread %s", opts.ThreadID)
}

func runStatus(ctx context.Context, service *proposalflow.Service, opts *cliOptions) {
	view, err := service.GetInterruptStatus(ctx, opts.ThreadID)
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	if opts.JSON {
		printJSON(view)
		return
	}
	if !view.Interrupted {
		color.Green("Thread %s is not awaiting input", view.ThreadID)
		return
	}
	color.Yellow("Thread %s is awaiting review", view.ThreadID)
	if view.Payload != nil {
		color.White("At: %s (%s)", view.Payload.NodeID, view.Payload.Reason)
		color.Cyan("Question: %s", view.Payload.Question)
	}
	if view.Pending != nil {
		color.White("Pending feedback: %s (%s)", view.Pending.Type, view.Processing)
	}
}

func runState(ctx context.Context, service *proposalflow.Service, opts *cliOptions) {
	state, err := service.GetState(ctx, opts.ThreadID)
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	printJSON(state)
}

func showOutcome(outcome *proposalflow.Outcome, opts *cliOptions) {
	switch outcome.Status {
	case proposalflow.RunStatusCompleted:
		color.Green("Thread %s completed", outcome.State.ThreadID)
	case proposalflow.RunStatusInterrupted:
		color.Yellow("Thread %s paused for review", outcome.State.ThreadID)
		if outcome.Interrupt != nil {
			color.Cyan("Question: %s", outcome.Interrupt.Question)
			color.White("Answer with: %s -thread %s -type approve resume",
				os.Args[0], outcome.State.ThreadID)
		}
	}
	if opts.JSON {
		printJSON(outcome.State)
		return
	}
	for _, phase := range []proposalflow.Phase{
		proposalflow.PhaseDocument, proposalflow.PhaseResearch, proposalflow.PhaseIntelligence,
		proposalflow.PhaseSolution, proposalflow.PhaseConnections, proposalflow.PhaseDrafting,
		proposalflow.PhaseReview, proposalflow.PhaseFinalize,
	} {
		if status, ok := outcome.State.Phases[phase]; ok {
			fmt.Printf("  %-13s %s\n", phase, status)
		}
	}
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("Error formatting output: %v\n", err)
		return
	}
	fmt.Println(string(data))
}
