// ルートポリシー表を管理するコマンドのエントリポイント。
// Gatewayを再デプロイせずにSQLiteに保存されたポリシー表を入れ替えるために使う。
//
//	policyctl -db /data/policy.db -import configs/policy.yaml
//	policyctl -db /data/policy.db -export > policy.yaml
//	policyctl -check configs/policy.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/nao1215/shopgate/pkg/policy"
)

// errUsage はフラグの組み合わせが不正な場合のエラー。
var errUsage = errors.New("-db と -import/-export のいずれか、または -check を指定してください")

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if err := run(context.Background(), os.Args[1:], os.Stdout, logger); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		logger.Fatal().Err(err).Msg("policyctlの実行に失敗")
	}
}

// run はフラグを解釈してポリシー表の検証・取り込み・書き出しを行う。
func run(ctx context.Context, args []string, stdout io.Writer, logger zerolog.Logger) error {
	fset := flag.NewFlagSet("policyctl", flag.ContinueOnError)
	dbPath := fset.String("db", "", "ポリシー表を保存するSQLiteファイル")
	importPath := fset.String("import", "", "取り込むYAMLファイル")
	export := fset.Bool("export", false, "保存されているポリシー表をYAMLで標準出力に書き出す")
	checkPath := fset.String("check", "", "検証のみを行うYAMLファイル")
	if err := fset.Parse(args); err != nil {
		return errUsage
	}

	if *checkPath != "" {
		t, err := policy.LoadYAML(*checkPath)
		if err != nil {
			return err
		}
		logger.Info().Str("file", *checkPath).Int("public", len(t.Public)).Int("tiers", len(t.Tiers)).Msg("ポリシー表は有効です")
		return nil
	}

	if *dbPath == "" || (*importPath == "") == !*export {
		return errUsage
	}

	db, err := policy.OpenSQLite(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	store := policy.NewStore(db, logger)
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	if *importPath != "" {
		t, err := policy.LoadYAML(*importPath)
		if err != nil {
			return err
		}
		if err := store.Replace(ctx, t); err != nil {
			return err
		}
		n, err := store.Count(ctx)
		if err != nil {
			return err
		}
		logger.Info().Str("file", *importPath).Str("db", *dbPath).Int("rules", n).Msg("ポリシー表を取り込みました")
		return nil
	}

	t, err := store.Load(ctx)
	if err != nil {
		return err
	}
	return policy.WriteYAML(stdout, t)
}
