// Command propsite は不動産サイトのリード獲得APIとエッジキャッシュプロキシを提供する。
//
//	propsite serve        APIサーバー（デフォルト）
//	propsite worker       レート制限ログのクリーンアップ
//	propsite migrate      データベースマイグレーション
//	propsite edge         オフライン対応のエッジキャッシュプロキシ
//	propsite healthcheck  Dockerヘルスチェック
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/propsite/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
