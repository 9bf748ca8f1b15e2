package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/courier/pkg/activity"
	"github.com/cuemby/courier/pkg/admin"
	"github.com/cuemby/courier/pkg/anomaly"
	"github.com/cuemby/courier/pkg/engine"
	"github.com/cuemby/courier/pkg/events"
	"github.com/cuemby/courier/pkg/log"
	"github.com/cuemby/courier/pkg/types"
)

// Queue commands
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage queues",
}

// withAdmin connects to storage and runs fn against the admin surface
func withAdmin(cmd *cobra.Command, fn func(ctx context.Context, svc *admin.Service) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		Output:     os.Stderr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	actLogger := activity.NewLogger(anomaly.NewDefaultRegistry(), thresholdsFrom(cfg))
	eng := engine.New(store, actLogger, events.NewBus(cfg.Events.SubscriberBuffer), cfg)
	return fn(ctx, admin.New(store, eng, cfg))
}

var queueCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a new queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		queueType, _ := cmd.Flags().GetString("type")
		ackTimeout, _ := cmd.Flags().GetInt("ack-timeout")
		maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
		retention, _ := cmd.Flags().GetInt64("retention")
		description, _ := cmd.Flags().GetString("description")

		return withAdmin(cmd, func(ctx context.Context, svc *admin.Service) error {
			q, err := svc.CreateQueue(ctx, admin.CreateQueueRequest{
				Name:              args[0],
				Type:              types.QueueType(queueType),
				AckTimeoutSeconds: ackTimeout,
				MaxAttempts:       maxAttempts,
				RetentionSeconds:  retention,
				Description:       description,
			})
			if err != nil {
				return err
			}
			fmt.Printf("✓ Queue '%s' created (type=%s ack_timeout=%ds max_attempts=%d)\n",
				q.Name, q.Type, q.AckTimeoutSeconds, q.MaxAttempts)
			return nil
		})
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queues with their depths",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(ctx context.Context, svc *admin.Service) error {
			infos, err := svc.ListQueues(ctx)
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Println("No queues defined.")
				return nil
			}

			fmt.Printf("%-24s %-12s %8s %12s %8s %10s\n",
				"NAME", "TYPE", "QUEUED", "PROCESSING", "DEAD", "ARCHIVED")
			for _, info := range infos {
				fmt.Printf("%-24s %-12s %8d %12d %8d %10d\n",
					info.Name, info.Type,
					info.Counts.Queued, info.Counts.Processing,
					info.Counts.Dead, info.Counts.Archived)
			}
			return nil
		})
	},
}

var queueGetCmd = &cobra.Command{
	Use:   "get NAME",
	Short: "Show a queue definition and its depths",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(ctx context.Context, svc *admin.Service) error {
			info, err := svc.GetQueue(ctx, args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		})
	},
}

var queueUpdateCmd = &cobra.Command{
	Use:   "update NAME",
	Short: "Update a queue's mutable fields",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := admin.UpdateQueueRequest{}
		if cmd.Flags().Changed("ack-timeout") {
			v, _ := cmd.Flags().GetInt("ack-timeout")
			req.AckTimeoutSeconds = &v
		}
		if cmd.Flags().Changed("max-attempts") {
			v, _ := cmd.Flags().GetInt("max-attempts")
			req.MaxAttempts = &v
		}
		if cmd.Flags().Changed("retention") {
			v, _ := cmd.Flags().GetInt64("retention")
			req.RetentionSeconds = &v
		}
		if cmd.Flags().Changed("description") {
			v, _ := cmd.Flags().GetString("description")
			req.Description = &v
		}

		return withAdmin(cmd, func(ctx context.Context, svc *admin.Service) error {
			q, err := svc.UpdateQueue(ctx, args[0], req)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Queue '%s' updated (ack_timeout=%ds max_attempts=%d)\n",
				q.Name, q.AckTimeoutSeconds, q.MaxAttempts)
			return nil
		})
	},
}

var queueRenameCmd = &cobra.Command{
	Use:   "rename OLD NEW",
	Short: "Rename a queue and every reference to it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(ctx context.Context, svc *admin.Service) error {
			if err := svc.RenameQueue(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("✓ Queue '%s' renamed to '%s'\n", args[0], args[1])
			return nil
		})
	},
}

var queueDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a queue definition",
	Long: `Delete a queue definition. A queue still holding messages is refused
unless --force is given, in which case all messages are cleared first.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		return withAdmin(cmd, func(ctx context.Context, svc *admin.Service) error {
			if err := svc.DeleteQueue(ctx, args[0], force, ""); err != nil {
				return err
			}
			fmt.Printf("✓ Queue '%s' deleted\n", args[0])
			return nil
		})
	},
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge NAME",
	Short: "Remove every message but keep the queue definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(ctx context.Context, svc *admin.Service) error {
			n, err := svc.PurgeQueue(ctx, args[0], "")
			if err != nil {
				return err
			}
			fmt.Printf("✓ Queue '%s' purged (%d messages removed)\n", args[0], n)
			return nil
		})
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate broker metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(ctx context.Context, svc *admin.Service) error {
			m, err := svc.GetMetrics(ctx)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(m, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		})
	},
}

var queueExportCmd = &cobra.Command{
	Use:   "export NAME",
	Short: "Dump every message in a queue as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(ctx context.Context, svc *admin.Service) error {
			msgs, err := svc.Engine().Export(ctx, args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(msgs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		})
	},
}

var queueImportCmd = &cobra.Command{
	Use:   "import NAME FILE",
	Short: "Insert previously exported messages into a queue",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[1], err)
		}
		var msgs []*types.Message
		if err := json.Unmarshal(data, &msgs); err != nil {
			return fmt.Errorf("failed to parse %s: %w", args[1], err)
		}

		return withAdmin(cmd, func(ctx context.Context, svc *admin.Service) error {
			ids, err := svc.Engine().Import(ctx, args[0], msgs, "")
			if err != nil {
				return err
			}
			fmt.Printf("✓ Imported %d messages into '%s'\n", len(ids), args[0])
			return nil
		})
	},
}

func init() {
	queueCmd.AddCommand(queueCreateCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueGetCmd)
	queueCmd.AddCommand(queueUpdateCmd)
	queueCmd.AddCommand(queueRenameCmd)
	queueCmd.AddCommand(queueDeleteCmd)
	queueCmd.AddCommand(queuePurgeCmd)
	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueExportCmd)
	queueCmd.AddCommand(queueImportCmd)

	queueCreateCmd.Flags().String("type", "standard", "Queue type (standard, unlogged, partitioned)")
	queueCreateCmd.Flags().Int("ack-timeout", 0, "Visibility timeout in seconds (default 30)")
	queueCreateCmd.Flags().Int("max-attempts", 0, "Delivery attempts before dead-letter (default 3)")
	queueCreateCmd.Flags().Int64("retention", 0, "Retention window in seconds (0 = keep forever)")
	queueCreateCmd.Flags().String("description", "", "Queue description")

	queueUpdateCmd.Flags().Int("ack-timeout", 0, "Visibility timeout in seconds")
	queueUpdateCmd.Flags().Int("max-attempts", 0, "Delivery attempts before dead-letter")
	queueUpdateCmd.Flags().Int64("retention", 0, "Retention window in seconds")
	queueUpdateCmd.Flags().String("description", "", "Queue description")

	queueDeleteCmd.Flags().Bool("force", false, "Clear all messages before deleting")
}
