package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fission-ai/orc/internal/agent"
	"github.com/fission-ai/orc/internal/automerge"
	"github.com/fission-ai/orc/internal/broker"
	"github.com/fission-ai/orc/internal/config"
	"github.com/fission-ai/orc/internal/fileutil"
	orclog "github.com/fission-ai/orc/internal/log"
	"github.com/fission-ai/orc/internal/model"
	"github.com/fission-ai/orc/internal/orchestrator"
	"github.com/fission-ai/orc/internal/resume"
	"github.com/fission-ai/orc/internal/state"
	"github.com/fission-ai/orc/internal/workspace"
)

// runMain is the root command's RunE: it resolves repo/task, loads
// config, builds every component the Iteration Controller needs, and
// drives a run to completion (specification §4.6, §6). When
// orchestrator.session_mode is set, it keeps re-entering the controller
// loop for a fresh run after every completion instead of exiting, the
// literal behavior the original's ui_enabled-by-omitted-task toggle
// implied, carrying forward only the Telegram update offset.
func runMain(cmd *cobra.Command, args []string) error {
	repoPath, task, err := resolveRepoAndTask(args)
	if err != nil {
		return err
	}
	if flagResumeRunID != "" && task != "" {
		return fmt.Errorf("--resume-run-id and an explicit task prompt are mutually exclusive")
	}

	cfg, cfgPath, err := loadAndValidateConfig(repoPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Printf("\nreceived %s, stopping after the current agent call...\n", sig)
		cancel()
	}()

	resumeRunID := flagResumeRunID
	var telegramOffset int64

	for {
		offset, err := runSession(ctx, repoPath, cfgPath, cfg, task, resumeRunID, telegramOffset)
		if err != nil {
			return err
		}
		if !cfg.Orchestrator.SessionMode {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		// A fresh session iteration always starts a brand new run and
		// waits on the broker for its task; --resume-run-id only applies
		// to the invocation that started the process.
		task = ""
		resumeRunID = ""
		telegramOffset = offset
	}
}

// runSession drives exactly one run to completion and returns the
// run's final Telegram update offset so a session_mode caller can seed
// the next run without replaying already-delivered messages.
func runSession(ctx context.Context, repoPath, cfgPath string, cfg *config.Config, task, resumeRunID string, seedTelegramOffset int64) (int64, error) {
	logsRoot := fileutil.LogsRoot(repoPath)
	if err := fileutil.EnsureDir(logsRoot); err != nil {
		return 0, fmt.Errorf("creating logs_root: %w", err)
	}
	// .orc is orc's own state; keep it out of the user's git status.
	selfIgnore := filepath.Join(fileutil.OrcDir(repoPath), ".gitignore")
	if _, err := os.Stat(selfIgnore); os.IsNotExist(err) {
		_ = os.WriteFile(selfIgnore, []byte("*\n"), 0644)
	}

	runID, resumed, err := resolveRunIDFor(logsRoot, repoPath, task, resumeRunID, cfg)
	if err != nil {
		return 0, err
	}

	store, err := state.Open(logsRoot, runID, repoPath)
	if err != nil {
		return 0, fmt.Errorf("opening state store: %w", err)
	}
	defer store.Close()

	if err := store.Update(func(r *model.Run) {
		if r.ConfigPath == "" {
			r.ConfigPath = cfgPath
		}
		if r.ProjectID == "" {
			r.ProjectID = state.ProjectID(repoPath)
		}
		if r.OrchestratorMode == "" {
			if len(cfg.Agents.Reviewers) > 1 {
				r.OrchestratorMode = model.ModeMulti
			} else {
				r.OrchestratorMode = model.ModeSingle
			}
		}
		if !resumed && seedTelegramOffset != 0 && r.TelegramUpdateOffset == 0 {
			r.TelegramUpdateOffset = seedTelegramOffset
		}
	}); err != nil {
		return 0, err
	}

	diagLog := orclog.New(os.Stderr)

	ws := workspace.NewManager(repoPath, workspace.Options{
		WorkspaceBase:      logsRoot,
		BranchPrefix:       cfg.Orchestrator.BranchPrefix,
		BranchNameLength:   cfg.Orchestrator.BranchNameLength,
		BranchSuffixLength: cfg.Orchestrator.BranchSuffixLength,
		UseGitWorktree:     cfg.Orchestrator.UseGitWorktree,
	})

	var tg *broker.TelegramClient
	if cfg.Telegram.Enabled {
		allowed := make(map[int64]bool, len(cfg.Telegram.AllowedUserIDs))
		for _, id := range cfg.Telegram.AllowedUserIDs {
			allowed[id] = true
		}
		tg = &broker.TelegramClient{
			BotToken:       cfg.Telegram.BotToken,
			ChatID:         cfg.Telegram.ChatID,
			AllowedUserIDs: allowed,
			PollTimeoutSec: cfg.Telegram.PollIntervalSec,
		}
	}

	brk := &broker.Broker{
		Dir:          store.Dir(),
		Store:        store,
		Telegram:     tg,
		PollInterval: cfg.Orchestrator.UI.PollInterval.Duration(),
	}

	reviewers, executors, err := buildAgentHandles(cfg)
	if err != nil {
		return 0, err
	}

	var merger orchestrator.Merger
	if cfg.Orchestrator.AutoMergeOnApproval {
		// Merge-conflict executor turns share the executor family's own
		// transcript file, so a merge's conflict-resolution calls read like
		// a continuation of that candidate's EXECUTE turns.
		mergeLog, err := os.OpenFile(filepath.Join(store.Dir(), "executor_family.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return 0, fmt.Errorf("opening executor family log for auto-merge: %w", err)
		}
		defer mergeLog.Close()

		merger = &automerge.Engine{
			RepoPath:              repoPath,
			TargetBranch:          cfg.Orchestrator.MergeTargetBranch,
			Dirty:                 automerge.DirtyPolicy(cfg.Orchestrator.DirtyMainPolicy),
			DirtyCommitMessage:    cfg.Orchestrator.DirtyMainCommitMessage,
			MergeCommitMessage:    cfg.Orchestrator.MergeCommitMessage,
			DeleteBranchOnMerge:   cfg.Orchestrator.DeleteBranchOnMerge == nil || *cfg.Orchestrator.DeleteBranchOnMerge,
			DeleteWorktreeOnMerge: cfg.Orchestrator.DeleteWorktreeOnMerge == nil || *cfg.Orchestrator.DeleteWorktreeOnMerge,
			Workspaces:            ws,
			Log:                   mergeLog,
		}
	}

	ctrl := &orchestrator.Controller{
		Store:      store,
		Workspaces: ws,
		Broker:     brk,
		Reviewers:  reviewers,
		Executors:  executors,
		Cfg:        cfg,
		Log:        diagLog,
		Merge:      merger,
	}
	defer ctrl.Close()

	if resumed {
		run := store.Run()
		entry, _ := resume.InferEntry(run)
		ctrl.ResumeEntry = entry
		fmt.Printf("resuming run %s at stage %s (entry: %s)\n", runID, run.Stage, entry)
	} else if task == "" {
		fmt.Printf("starting run %s, awaiting a task from the broker\n", runID)
	} else {
		fmt.Printf("starting run %s\n", runID)
	}

	if err := ctrl.Run(ctx, task); err != nil {
		fmt.Fprintf(os.Stderr, "run failed: %s\n", err)
		if model.CleanupPolicy(cfg.Orchestrator.Cleanup) == model.CleanupAlways {
			if cerr := ws.CleanupRun(runID); cerr != nil {
				fmt.Fprintf(os.Stderr, "workspace cleanup failed: %s\n", cerr)
			}
		}
		return 0, err
	}

	run := store.Run()
	if run.Approved {
		fmt.Printf("approved: %s\n", run.HandoffSummary)
	} else {
		fmt.Println("run finished without approval")
	}

	switch model.CleanupPolicy(cfg.Orchestrator.Cleanup) {
	case model.CleanupAlways:
		err = ws.CleanupRun(runID)
	case model.CleanupOnSuccess:
		if run.Approved {
			err = ws.CleanupRun(runID)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "workspace cleanup failed: %s\n", err)
	}

	return run.TelegramUpdateOffset, nil
}

// resolveRunIDFor implements specification §4.8's startup rule: an explicit
// --resume-run-id is validated and used as-is; otherwise, if no task was
// given and resume_on_start is enabled, the logs root is scanned for a
// resumable run; otherwise a fresh run id is minted.
func resolveRunIDFor(logsRoot, repoPath, task, resumeRunID string, cfg *config.Config) (runID string, resumed bool, err error) {
	if resumeRunID != "" {
		if _, err := resume.ValidateResumeID(logsRoot, resumeRunID, repoPath); err != nil {
			return "", false, err
		}
		return resumeRunID, true, nil
	}

	if task == "" && cfg.Orchestrator.ResumeOnStart != nil && *cfg.Orchestrator.ResumeOnStart {
		found, err := resume.FindResumable(logsRoot, repoPath)
		if err != nil {
			return "", false, err
		}
		if found != "" {
			return found, true, nil
		}
	}

	return uuid.NewString(), false, nil
}

func buildAgentHandles(cfg *config.Config) (reviewers, executors []orchestrator.AgentHandle, err error) {
	familyAClient := &agent.FamilyAClient{DefaultCommand: cfg.Codex.Command}
	familyBClient := &agent.FamilyBClient{DefaultCommand: cfg.ClaudeCode.Command}

	clientFor := func(family string) (agent.Client, error) {
		switch model.AgentFamily(family) {
		case model.FamilyA:
			return familyAClient, nil
		case model.FamilyB:
			return familyBClient, nil
		default:
			return nil, fmt.Errorf("unknown agent family %q", family)
		}
	}

	for _, e := range cfg.Agents.Reviewers {
		client, cerr := clientFor(e.Family)
		if cerr != nil {
			return nil, nil, cerr
		}
		reviewers = append(reviewers, orchestrator.AgentHandle{
			Spec:   specFromEntry(e, model.RoleReviewer),
			Client: client,
		})
	}
	for _, e := range cfg.Agents.Executors {
		client, cerr := clientFor(e.Family)
		if cerr != nil {
			return nil, nil, cerr
		}
		executors = append(executors, orchestrator.AgentHandle{
			Spec:   specFromEntry(e, model.RoleExecutor),
			Client: client,
		})
	}
	return reviewers, executors, nil
}

func specFromEntry(e config.AgentEntry, role model.AgentRole) model.AgentSpec {
	return model.AgentSpec{
		ID:             e.ID,
		Family:         model.AgentFamily(e.Family),
		Role:           role,
		Command:        e.Command,
		Model:          e.Model,
		ReasoningLevel: e.ReasoningLevel,
		Verbosity:      e.Verbosity,
		SandboxMode:    e.SandboxMode,
		AllowedTools:   e.AllowedTools,
		MaxTurns:       e.MaxTurns,
	}
}
