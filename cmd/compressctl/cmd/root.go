// Package cmd は compressctl のサブコマンド群です。
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mesmeriz2/PDF-compressor/internal/config"
	"github.com/mesmeriz2/PDF-compressor/internal/files"
	"github.com/mesmeriz2/PDF-compressor/internal/jobs"
)

var (
	cfg     *config.Config
	st      *jobs.Store
	fileSvc *files.Service
)

var rootCmd = &cobra.Command{
	Use:   "compressctl",
	Short: "PDF圧縮ジョブの照会・削除・回収を行う運用ツール",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if st != nil {
			return nil
		}
		c, err := config.Load()
		if err != nil {
			return err
		}
		cfg = c

		s, err := jobs.NewStore(cfg.DatabasePath)
		if err != nil {
			return err
		}
		st = s

		f, err := files.NewService(cfg.UploadDir, cfg.ResultDir, cfg.TempDir, cfg.MaxUploadSize)
		if err != nil {
			return err
		}
		fileSvc = f
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if st == nil {
			return nil
		}
		return st.Close()
	},
}

// Execute はルートコマンドを実行します。
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
