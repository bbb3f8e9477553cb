package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/queryflow/api"
	"github.com/BaSui01/queryflow/config"
	"github.com/BaSui01/queryflow/internal/metrics"
	"github.com/BaSui01/queryflow/types"
	"github.com/BaSui01/queryflow/workflow"
)

// runQuery executes one query against the local pipeline, without a
// server. Review checkpoints still go through the engine's suspend/resume
// protocol; only the prompt/answer loop here is blocking.
func runQuery(args []string) {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	interactive := fs.Bool("interactive", false, "Pause for review at database and table selection")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: queryflow query [--config path] [--interactive] \"question\"")
		os.Exit(1)
	}
	query := strings.Join(fs.Args(), " ")

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	// Keep stdout for results; route logs to stderr at warn level.
	logCfg := zap.NewProductionConfig()
	logCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	logCfg.OutputPaths = []string{"stderr"}
	logger, err := logCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	srv := NewServer(cfg, logger)
	srv.collector = metrics.NewCollector("queryflow", logger)
	if err := srv.initPipeline(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init pipeline: %v\n", err)
		os.Exit(1)
	}

	mode := types.ModeAsk
	if *interactive {
		mode = types.ModeInteractive
	}

	ctx := context.Background()
	started := time.Now()
	sess, events, err := srv.sessions.Start(ctx, query, mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start query: %v\n", err)
		os.Exit(1)
	}
	defer srv.sessions.Remove(sess.ID)

	stdin := bufio.NewReader(os.Stdin)
	for {
		var final *workflow.Event
		for ev := range events {
			switch ev.Type {
			case workflow.EventStateUpdate:
				if ev.State != nil {
					fmt.Fprintf(os.Stderr, "... %s\n", api.StepLabel(ev.State.CurrentStep))
				}
			case workflow.EventHITLRequest, workflow.EventFinal, workflow.EventCancelled:
				e := ev
				final = &e
			}
		}

		if final == nil || final.Type != workflow.EventHITLRequest {
			break
		}
		payload, err := promptFeedback(stdin, final.Checkpoint)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Aborted: %v\n", err)
			os.Exit(1)
		}
		next, outcome, err := srv.sessions.Feedback(ctx, sess.ID, payload)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Feedback rejected: %v\n", err)
			os.Exit(1)
		}
		if outcome != nil && outcome.AutoApproved {
			fmt.Fprintln(os.Stderr, "No net change; selection approved as-is.")
		}
		if next == nil {
			break
		}
		events = next
	}

	state := sess.Snapshot()
	if state == nil {
		fmt.Fprintln(os.Stderr, "No result produced.")
		os.Exit(1)
	}
	resp := api.Summarize(state, sess.Status(), time.Since(started))
	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render result: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
	if sess.Status() == workflow.StatusFailed {
		os.Exit(1)
	}
}

// promptFeedback displays a pending review and reads one decision from
// the terminal. An empty line or "approve" approves, "reject" rejects,
// and a comma-separated list replaces the selection.
func promptFeedback(stdin *bufio.Reader, cp *workflow.Checkpoint) (types.FeedbackPayload, error) {
	if cp == nil || cp.State == nil || cp.State.PendingReview == nil {
		return types.FeedbackPayload{}, fmt.Errorf("suspended without a pending review")
	}
	review := cp.State.PendingReview

	fmt.Fprintf(os.Stderr, "\nReview %s:\n", review.Type)
	for _, item := range review.Items {
		fmt.Fprintf(os.Stderr, "  - %s\n", item)
	}
	fmt.Fprint(os.Stderr, "approve / reject / comma-separated replacement [approve]: ")

	line, err := stdin.ReadString('\n')
	if err != nil {
		return types.FeedbackPayload{}, err
	}
	line = strings.TrimSpace(line)

	payload := types.FeedbackPayload{CheckpointID: cp.ID}
	switch strings.ToLower(line) {
	case "", "approve", "y", "yes":
		payload.Action = types.ActionApprove
	case "reject", "n", "no":
		payload.Action = types.ActionReject
	default:
		payload.Action = types.ActionModify
		for _, item := range strings.Split(line, ",") {
			if item = strings.TrimSpace(item); item != "" {
				payload.SuggestedItems = append(payload.SuggestedItems, item)
			}
		}
		payload.ApprovedItems = []string{}
	}
	return payload, nil
}
