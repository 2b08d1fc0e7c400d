package gateway

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nao1215/shopgate/pkg/policy"
)

// LoadPolicy は設定に従ってルートポリシー表を読み込む。
// POLICY_DBが指定されていればSQLiteから読み込み、テーブルが空の場合は
// POLICY_FILEまたは組み込みの表で初期化する。POLICY_DBが無くPOLICY_FILEが
// 指定されていればYAMLから読み込み、どちらも無ければ組み込みの表を使う。
func LoadPolicy(ctx context.Context, cfg *Config, logger zerolog.Logger) (*policy.Table, error) {
	if cfg.PolicyDB != "" {
		return loadPolicyDB(ctx, cfg, logger)
	}
	if cfg.PolicyFile != "" {
		t, err := policy.LoadYAML(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("source", cfg.PolicyFile).Msg("ルートポリシー表をYAMLから読み込みました")
		return t, nil
	}
	t := policy.Default()
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("組み込みのルートポリシー表が不正: %w", err)
	}
	logger.Info().Str("source", "default").Msg("組み込みのルートポリシー表を使用します")
	return t, nil
}

// loadPolicyDB はSQLiteからルートポリシー表を読み込む。
func loadPolicyDB(ctx context.Context, cfg *Config, logger zerolog.Logger) (*policy.Table, error) {
	db, err := policy.OpenSQLite(cfg.PolicyDB)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	store := policy.NewStore(db, logger)
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}

	n, err := store.Count(ctx)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		seed := policy.Default()
		source := "default"
		if cfg.PolicyFile != "" {
			if seed, err = policy.LoadYAML(cfg.PolicyFile); err != nil {
				return nil, err
			}
			source = cfg.PolicyFile
		}
		if err := store.Replace(ctx, seed); err != nil {
			return nil, err
		}
		logger.Info().Str("source", source).Str("db", cfg.PolicyDB).Msg("ルートポリシー表を初期化しました")
	}

	t, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("db", cfg.PolicyDB).Msg("ルートポリシー表をデータベースから読み込みました")
	return t, nil
}
