package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gustycube/sslinspect/internal/queue"
	"github.com/gustycube/sslinspect/internal/target"
)

func newSeedCmd() *cobra.Command {
	var (
		targetsFile string
		addr        string
		key         string
	)

	c := &cobra.Command{
		Use:   "seed",
		Short: "Push targets onto the Redis work queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = os.Getenv("REDIS_QUEUE_ADDR")
			}
			if addr == "" {
				return errors.New("--redis or REDIS_QUEUE_ADDR is required")
			}
			targets, err := target.ReadFile(targetsFile)
			if err != nil {
				return err
			}

			q, err := queue.NewRedis(addr, key)
			if err != nil {
				return err
			}
			defer q.Close()

			log := newLogger()
			defer log.Sync()

			for _, t := range targets {
				if err := q.Seed(cmd.Context(), t); err != nil {
					return fmt.Errorf("seed %s: %w", t, err)
				}
				log.Debugw("seeded", "target", t.String())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d targets into %s\n", len(targets), key)
			return nil
		},
	}
	c.Flags().StringVar(&targetsFile, "targets", "", "path to newline-separated targets")
	c.Flags().StringVar(&addr, "redis", "", "redis address (default $REDIS_QUEUE_ADDR)")
	c.Flags().StringVar(&key, "key", queue.DefaultKey, "redis list key")
	_ = c.MarkFlagRequired("targets")
	return c
}
