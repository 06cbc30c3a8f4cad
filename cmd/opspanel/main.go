package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/user/opspanel/internal/api"
	"github.com/user/opspanel/internal/config"
	"github.com/user/opspanel/internal/db"
	"github.com/user/opspanel/internal/execmon"
	"github.com/user/opspanel/internal/hub"
	"github.com/user/opspanel/internal/server"
	"github.com/user/opspanel/internal/template"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.PrintToken {
		fmt.Printf("token: %s\n", cfg.Token)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer database.Close()

	templates, err := template.NewRegistry(cfg.TemplatesDir)
	if err != nil {
		slog.Error("failed to load job templates", "dir", cfg.TemplatesDir, "error", err)
		os.Exit(1)
	}

	h := hub.New(cfg.Token)
	jobRepo := db.NewJobRepo(database.SQL())
	downloadRepo := db.NewDownloadRepo(database.SQL())

	monitors := execmon.NewRegistry(execmon.RegistryConfig{
		Transport: &execmon.WSTransport{Token: cfg.Token},
		OnChange: func(jobID string, snap execmon.Snapshot) {
			h.BroadcastJobState(hub.JobStateMessage{
				JobID:           jobID,
				State:           snap.State.String(),
				TotalTasks:      snap.Summary.TotalTasks,
				CompletedTasks:  snap.Summary.CompletedTasks,
				FailedTasks:     snap.Summary.FailedTasks,
				OkCount:         snap.Summary.OkCount,
				ChangedCount:    snap.Summary.ChangedCount,
				FailedCount:     snap.Summary.FailedCount,
				TerminalMessage: snap.TerminalMessage,
			})
			if !snap.State.IsTerminal() {
				return
			}
			job := &db.Job{
				ID:              jobID,
				Status:          snap.State.String(),
				TerminalMessage: snap.TerminalMessage,
				TotalTasks:      snap.Summary.TotalTasks,
				CompletedTasks:  snap.Summary.CompletedTasks,
				FailedTasks:     snap.Summary.FailedTasks,
				OkCount:         snap.Summary.OkCount,
				ChangedCount:    snap.Summary.ChangedCount,
				FailedCount:     snap.Summary.FailedCount,
				StartedAt:       snap.StartedAt,
				EndedAt:         snap.EndedAt,
			}
			if err := jobRepo.RecordResult(context.Background(), job); err != nil {
				slog.Warn("failed to persist job result", "job", jobID, "error", err)
			}
		},
		OnEvent: func(jobID string, ev execmon.LogEvent) {
			h.BroadcastJobLog(jobID, hub.JobLogLine{
				Kind:    ev.Kind.String(),
				Message: ev.Message,
				Task:    ev.TaskName,
			})
		},
		OnPoll: func(downloadID string, status execmon.PollStatus) {
			h.BroadcastDownloadStatus(downloadID, status.State().String(), status.Message)
			if err := downloadRepo.UpdateProgress(context.Background(), downloadID,
				status.State().String(), metaInt64(status, "downloaded_bytes"), metaInt64(status, "size_bytes")); err != nil {
				slog.Warn("failed to persist download progress", "download", downloadID, "error", err)
			}
		},
	})
	defer monitors.Close()

	h.SetOnCancel(func(jobID string) {
		ctrl := monitors.Lookup(jobID)
		if ctrl == nil {
			return
		}
		if err := ctrl.Cancel(); err != nil {
			slog.Debug("cancel request ignored", "job", jobID, "error", err)
		}
	})

	go h.Run(ctx)

	router := api.NewRouter(database.SQL(), api.Options{
		Templates:    templates,
		Monitors:     monitors,
		BackendURL:   cfg.BackendURL,
		PollInterval: cfg.PollInterval(),
		Token:        cfg.Token,
	})

	srv := server.New(cfg, h, router)
	if err := srv.Start(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// metaInt64 pulls a numeric field out of a poll status metadata map.
// JSON numbers decode as float64.
func metaInt64(status execmon.PollStatus, key string) int64 {
	v, ok := status.Metadata[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}
