// Package main は圧縮ジョブを直接操作する運用CLIのエントリーポイントです。
package main

import "github.com/mesmeriz2/PDF-compressor/cmd/compressctl/cmd"

func main() {
	cmd.Execute()
}
