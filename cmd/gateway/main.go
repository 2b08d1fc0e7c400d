// API Gatewayサービスのエントリポイント。
// 全てのリクエストをルートポリシー表とBearerトークンで認可し、内部サービスへ転送する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/nao1215/shopgate/internal/gateway"
)

func main() {
	// .envは開発環境向けの任意ファイル
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger := newLogger()
		logger.Fatal().Err(err).Msg(".envの読み込みに失敗")
	}

	logger := newLogger()

	cfg, err := gateway.LoadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("設定の読み込みに失敗")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	table, err := gateway.LoadPolicy(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("ルートポリシー表の読み込みに失敗")
	}

	server := gateway.NewServer(cfg, table, logger)

	logger.Info().Str("port", cfg.Port).Int("upstreams", len(cfg.Upstreams)).Msg("Gatewayサービスを起動します")
	if err := server.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Gatewayサービスの起動に失敗")
	}
}

// newLogger はLOG_LEVELとLOG_FORMATからロガーを生成する。
// LOG_FORMATが"console"の場合は人間向けの形式、それ以外はJSONで出力する。
func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL")))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "console") {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("service", "gateway").Logger()
}
