package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesmeriz2/PDF-compressor/internal/jobs"
)

var (
	listStatus  string
	listSession string
	listLimit   int
	listJSON    bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "ジョブを一覧表示する",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := jobs.ListFilter{
			UserSession: listSession,
			Limit:       listLimit,
		}
		if listStatus != "" {
			status := jobs.Status(listStatus)
			if !status.Valid() {
				return fmt.Errorf("不明なステータスです: %s", listStatus)
			}
			filter.Status = status
		}

		list, err := st.List(context.Background(), filter)
		if err != nil {
			return err
		}

		if listJSON {
			b, _ := json.MarshalIndent(list, "", "  ")
			fmt.Println(string(b))
			return nil
		}
		for _, j := range list {
			fmt.Printf("%s  %-10s  progress=%.0f%%  retries=%d  file=%q  err=%q\n",
				j.ID, j.Status, j.Progress*100, j.RetryCount, j.OriginalName, j.ErrorMessage)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "", "ステータスで絞り込む (queued|running|completed|failed|cancelled)")
	listCmd.Flags().StringVar(&listSession, "session", "", "セッションIDで絞り込む")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "最大件数")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "JSONで出力する")
	rootCmd.AddCommand(listCmd)
}
