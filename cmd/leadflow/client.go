package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"leadflow/internal/agent"
	"leadflow/internal/config"
	"leadflow/internal/domain"
)

// Timers live in the serving process, so schedule and cancel go through its API.

func newScheduleCommand() *cobra.Command {
	var (
		server, user, company, data string
		delay                       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "schedule <task-type>",
		Short: "Schedule a task on a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskType, err := domain.ParseTaskType(args[0])
			if err != nil {
				return err
			}
			var payload map[string]any
			if err := json.Unmarshal([]byte(data), &payload); err != nil {
				return fmt.Errorf("--data: %w", err)
			}
			body, err := json.Marshal(map[string]any{
				"task_type":  taskType,
				"delay_ms":   delay.Milliseconds(),
				"data":       payload,
				"user_id":    user,
				"company_id": company,
			})
			if err != nil {
				return err
			}
			out, err := call(cmd.Context(), http.MethodPost, server+"/api/tasks", body, http.StatusAccepted)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "leadflow server URL")
	cmd.Flags().StringVar(&user, "user", "", "owning user id")
	cmd.Flags().StringVar(&company, "company", "", "owning company id")
	cmd.Flags().StringVar(&data, "data", "{}", "task payload as a JSON object")
	cmd.Flags().DurationVar(&delay, "delay", 0, "delay before the task runs")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("company")
	return cmd
}

func newCancelCommand() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task armed on a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := call(cmd.Context(), http.MethodDelete, server+"/api/tasks/"+args[0], nil, http.StatusNoContent); err != nil {
				return err
			}
			fmt.Println("cancelled", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "leadflow server URL")
	return cmd
}

func newPingCommand(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Call the remote agent API once without recording status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			// one call only: no store is opened
			agents := agent.NewService(agent.Options{Client: agentClient(cfg.Agent), Name: cfg.Agent.Name})
			res := agents.PingTest(cmd.Context())
			if err := json.NewEncoder(os.Stdout).Encode(res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("agent ping failed: %s", res.Error)
			}
			return nil
		},
	}
}

func call(ctx context.Context, method, url string, body []byte, want int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != want {
		return nil, fmt.Errorf("%s %s: HTTP %d: %s", method, url, resp.StatusCode, strings.TrimSpace(string(out)))
	}
	return out, nil
}
