package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "ジョブと関連ファイルを削除する",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		now := time.Now().UTC()

		job, err := st.Get(ctx, args[0])
		if err != nil {
			return err
		}

		if err := fileSvc.Remove(fileSvc.UploadPath(job.StoredName)); err != nil {
			return err
		}
		if job.ResultFile != nil {
			inUse, err := st.ResultInUse(ctx, *job.ResultFile, job.ID, now)
			if err != nil {
				return err
			}
			if !inUse {
				if err := fileSvc.Remove(fileSvc.ResultPath(*job.ResultFile)); err != nil {
					return err
				}
			}
		}

		if err := st.Delete(ctx, job.ID); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", job.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}
