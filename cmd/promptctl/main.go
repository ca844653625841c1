package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"upscale-worker/internal/config"
	"upscale-worker/internal/models"
	"upscale-worker/internal/store"
)

var (
	cfg config.Config
	st  store.Backend
)

var rootCmd = &cobra.Command{
	Use:   "promptctl",
	Short: "Inspect and feed the prompt_queue lease table",
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		if cfg, err = config.Load(); err != nil {
			return err
		}
		st, err = store.Open(cmd.Context(), cfg.StoreDriver, cfg.DatabaseURL)
		return err
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		if st != nil {
			st.Close()
		}
	},
	SilenceUsage: true,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := st.Migrate(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("migrations applied")
		return nil
	},
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue prompt",
	Short: "Add a pending prompt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, _ := cmd.Flags().GetString("params")
		url, _ := cmd.Flags().GetString("url")
		selector, _ := cmd.Flags().GetString("selector")
		job, err := st.Enqueue(cmd.Context(), store.EnqueueParams{
			Prompt:      args[0],
			Params:      params,
			CallbackURL: url,
			Selector:    selector,
		})
		if err != nil {
			return err
		}
		fmt.Printf("prompt enqueued: %d\n", job.ID)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get id",
	Short: "Show one prompt row",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q", args[0])
		}
		job, err := st.GetJob(cmd.Context(), id)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count prompts by status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		counts, err := st.CountByStatus(cmd.Context())
		if err != nil {
			return err
		}
		for _, s := range models.Statuses {
			fmt.Printf("%-10s %d\n", s, counts[s])
		}
		return nil
	},
}

var reclaimCmd = &cobra.Command{
	Use:   "reclaim",
	Short: "Return expired leases to pending",
	RunE: func(cmd *cobra.Command, _ []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan <= 0 {
			olderThan = cfg.LeaseDuration
		}
		n, err := st.ReclaimExpired(cmd.Context(), olderThan)
		if err != nil {
			return err
		}
		fmt.Printf("reclaimed %d leases older than %s\n", n, olderThan)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().String("params", "", "JSON object of processing parameters")
	enqueueCmd.Flags().String("url", "", "callback base URL")
	enqueueCmd.Flags().String("selector", "", "restrict to workers started with this SELECTOR")
	reclaimCmd.Flags().Duration("older-than", 0, "lease age to reclaim (default LEASE_DURATION)")

	rootCmd.AddCommand(migrateCmd, enqueueCmd, getCmd, statsCmd, reclaimCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
