package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	gojson "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/mealsync/internal/models"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <entity-type> <entity-id> <create|update|delete>",
	Short: "Record a local edit and queue it for upload",
	Long: `Record a local edit and queue it for upload.

The payload is read from --payload, or from stdin when --payload is "-".
Deletes take no payload.

Example usage:
  mealsync enqueue MEAL meal-1 create --payload '{"name":"Soup"}'
  cat plan.json | mealsync enqueue MEAL_PLAN plan-7 update --payload -
  mealsync enqueue SHOPPING_LIST_ITEM item-3 delete`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		entityType, err := models.FromToken(args[0])
		if err != nil {
			return err
		}
		entityID := args[1]
		op := models.Operation(args[2])
		if !op.Valid() {
			return fmt.Errorf("unknown operation %q", args[2])
		}

		var payload json.RawMessage
		if op != models.OperationDelete {
			payload, err = readPayload(cmd)
			if err != nil {
				return err
			}
		}

		ctx := cmd.Context()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if op == models.OperationDelete {
			err = a.repo.DeleteLocalEntity(ctx, entityType, entityID)
		} else {
			err = a.repo.SaveLocalEntity(ctx, &models.LocalEntity{
				EntityType: entityType,
				EntityID:   entityID,
				Payload:    payload,
				UpdatedAt:  nowMillis(),
			})
		}
		if err != nil {
			return err
		}

		id, err := a.queue.Enqueue(ctx, entityType, entityID, op, payload)
		if err != nil {
			return err
		}
		if id == 0 {
			fmt.Println("Queued edit cancelled out: entity never reached the server")
			return nil
		}
		fmt.Printf("Queued record %d\n", id)
		return nil
	},
}

func readPayload(cmd *cobra.Command) (json.RawMessage, error) {
	raw, _ := cmd.Flags().GetString("payload")
	if raw == "" {
		return nil, fmt.Errorf("--payload is required for create and update")
	}
	data := []byte(raw)
	if raw == "-" {
		var err error
		data, err = io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
	}
	if !gojson.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show queued records and counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		retry, _ := cmd.Flags().GetBool("retry-failed")

		ctx := cmd.Context()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if retry {
			n, err := a.queue.RetryFailed(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Re-armed %d failed records\n", n)
		}

		records, err := a.queue.List(ctx)
		if err != nil {
			return err
		}
		stats, err := a.queue.Stats(ctx)
		if err != nil {
			return err
		}

		enc := gojson.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"stats": stats, "records": records})
	},
}

var wipeCmd = &cobra.Command{
	Use:   "wipe",
	Short: "Delete all local entities, queued edits, sync metadata and conflict history",
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("refusing to wipe local data without --yes")
		}

		ctx := cmd.Context()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.repo.WipeLocalData(ctx); err != nil {
			return err
		}
		fmt.Println("Local sync data wiped")
		return nil
	},
}

func init() {
	enqueueCmd.Flags().String("payload", "", `Entity JSON, or "-" to read stdin`)
	queueCmd.Flags().Bool("retry-failed", false, "Re-arm parked records before listing")
	wipeCmd.Flags().Bool("yes", false, "Confirm the wipe")

	rootCmd.AddCommand(enqueueCmd, queueCmd, wipeCmd)
}
