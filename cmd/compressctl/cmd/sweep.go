package cmd

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/mesmeriz2/PDF-compressor/internal/jobs"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "保持期限切れのジョブとファイルを回収する",
	RunE: func(cmd *cobra.Command, args []string) error {
		sweeper := jobs.NewSweeper(st, fileSvc, cfg.Retention, log.Default())
		removed, err := sweeper.SweepOnce(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("removed %d expired jobs\n", removed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
