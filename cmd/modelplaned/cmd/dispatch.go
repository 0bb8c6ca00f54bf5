package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/modelplane/modelplane/internal/adapter"
	"github.com/modelplane/modelplane/internal/registry"
	"github.com/modelplane/modelplane/internal/selector"
	"github.com/modelplane/modelplane/internal/storage"
)

var (
	dispatchTaskID    string
	dispatchTaskType  string
	dispatchPriority  string
	dispatchMaxTokens int
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch [prompt]",
	Short: "submit one task through the failover coordinator and print the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := loadDocument(configPath)
		if err != nil {
			return err
		}

		pm := storage.NewPathManager()
		dbPath, err := pm.GetStoreDatabasePath()
		if err != nil {
			return err
		}
		store, err := storage.Open(dbPath)
		if err != nil {
			return err
		}
		defer store.Close()

		pl, err := buildPlane(doc, store, prometheus.NewRegistry())
		if err != nil {
			return err
		}

		if dispatchTaskID == "" {
			dispatchTaskID = uuid.NewString()
		}

		task := selector.Task{ID: dispatchTaskID, Type: dispatchTaskType, Priority: selector.Priority(strings.ToLower(dispatchPriority))}
		req := adapter.Request{Prompt: args[0], TaskID: dispatchTaskID, MaxTokens: dispatchMaxTokens}

		outcome, err := pl.coord.Execute(context.Background(), task, selector.Constraints{}, req)
		if err != nil {
			return fmt.Errorf("dispatch failed after %d model(s): %w", len(outcome.ModelsTried), err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			TaskID      string   `json:"task_id"`
			ModelID     string   `json:"model_id"`
			ModelsTried []string `json:"models_tried"`
			Failovers   int      `json:"failovers"`
			Content     string   `json:"content"`
			Cost        float64  `json:"cost"`
		}{
			TaskID:      dispatchTaskID,
			ModelID:     string(outcome.ModelID),
			ModelsTried: modelIDsToStrings(outcome.ModelsTried),
			Failovers:   outcome.Failovers,
			Content:     outcome.Result.Response.Content,
			Cost:        outcome.Result.Response.Cost,
		})
	},
}

func modelIDsToStrings(ids []registry.ModelID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func init() {
	dispatchCmd.Flags().StringVar(&dispatchTaskID, "task-id", "", "task id (generated if omitted)")
	dispatchCmd.Flags().StringVar(&dispatchTaskType, "type", "text-generation", "task type, drives capability inference in the selector")
	dispatchCmd.Flags().StringVar(&dispatchPriority, "priority", "medium", "task priority: critical, high, medium, low, background")
	dispatchCmd.Flags().IntVar(&dispatchMaxTokens, "max-tokens", 1024, "max tokens requested from the model")
	dispatchCmd.Flags().StringVar(&bedrockRegion, "bedrock-region", bedrockRegion, "AWS region for the Bedrock adapter")
	rootCmd.AddCommand(dispatchCmd)
}
