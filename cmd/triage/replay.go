package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relaydesk/triage/internal/composer"
	"github.com/relaydesk/triage/internal/config"
	"github.com/relaydesk/triage/internal/escalation"
	"github.com/relaydesk/triage/internal/intent"
	"github.com/relaydesk/triage/internal/metrics"
	"github.com/relaydesk/triage/internal/pipeline"
	"github.com/relaydesk/triage/internal/sink"
	"github.com/relaydesk/triage/internal/store"
)

// replayLine is one transcript entry: a customer message addressed to a
// conversation.
type replayLine struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

var replayCmd = &cobra.Command{
	Use:   "replay <transcript.jsonl>",
	Short: "Replay a message transcript through the pipeline",
	Long: `Replay runs a JSONL transcript of customer messages through an
in-process pipeline against an in-memory store and prints each decision
plus a final KPI snapshot. Useful for tuning thresholds offline before
changing production configuration.

Each line is a JSON object: {"conversation_id": "c1", "text": "..."}`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplay(args[0])
	},
}

func runReplay(path string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Log)

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening transcript: %w", err)
	}
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolver, err := buildResolver(cfg.Knowledge, logger)
	if err != nil {
		return err
	}

	aggregator := metrics.NewAggregator(cfg.Metrics.Buffer, cfg.Metrics.Window, logger)
	go aggregator.Run(ctx)

	logSink := sink.NewLogSink(logger)
	orch, err := pipeline.NewOrchestrator(pipeline.Options{
		Store:      store.NewMemoryStore(),
		Classifier: intent.NewClassifier(cfg.Engine.FrustrationTurns),
		Resolver:   resolver,
		Engine:     escalation.NewEngine(cfg.Engine),
		Composer:   composer.New(),
		Aggregator: aggregator,
		EscSink:    logSink,
		EventSink:  logSink,
		Timeouts:   cfg.Pipeline,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	lineNo := 0
	handled := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var line replayLine
		if err := json.Unmarshal(raw, &line); err != nil {
			printWarning("line %d: skipping malformed entry: %v", lineNo, err)
			continue
		}
		if line.ConversationID == "" || line.Text == "" {
			printWarning("line %d: conversation_id and text are required", lineNo)
			continue
		}

		res, err := orch.Handle(ctx, line.ConversationID, line.Text)
		if err != nil {
			if errors.Is(err, pipeline.ErrConversationClosed) {
				printWarning("line %d: conversation %s is closed, message discarded", lineNo, line.ConversationID)
				continue
			}
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		handled++

		outcome := string(res.Decision.Outcome)
		if res.Decision.Reason != "" {
			outcome += " (" + string(res.Decision.Reason) + ")"
		}
		printStep("%s [%s] %s → %s", line.ConversationID, res.Intent.Label, truncate(line.Text, 48), outcome)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading transcript: %w", err)
	}

	snap := aggregator.Snapshot(ctx)
	printSuccess("replayed %d messages", handled)
	printStatus("Automation rate", "%.1f%%", snap.AutomationRate*100)
	printStatus("Auto-resolved", "%d", snap.ByOutcome[escalation.OutcomeAutoResolve])
	printStatus("Auto-approved", "%d", snap.ByOutcome[escalation.OutcomeAutoApprove])
	printStatus("Escalated", "%d", snap.ByOutcome[escalation.OutcomeEscalate])
	printStatus("p95 latency", "%s", snap.DurationP95)

	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
