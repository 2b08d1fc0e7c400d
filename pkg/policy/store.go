package policy

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // SQLiteドライバ

	"github.com/nao1215/shopgate/pkg/migration"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	kindPublic = "public"
	kindRole   = "role"
)

// OpenSQLite はポリシー表を保存するSQLiteデータベースを開く。
// pathに":memory:"を指定した場合は接続を1本に制限する。
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// Store はroute_policiesテーブルに保存されたポリシー表を読み書きする。
type Store struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
	// logger はマイグレーションのログ出力先。
	logger zerolog.Logger
}

// NewStore は新しいStoreを生成する。
func NewStore(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Migrate はroute_policiesテーブルを作成する。
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := migration.Run(ctx, s.db, migrations, "migrations", s.logger); err != nil {
		return fmt.Errorf("ポリシーテーブルのマイグレーションに失敗: %w", err)
	}
	return nil
}

// Count は保存されているルールの件数を返す。
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM route_policies").Scan(&n); err != nil {
		return 0, fmt.Errorf("ルール件数の取得に失敗: %w", err)
	}
	return n, nil
}

// Load はpriority順にルールを読み込みポリシー表を組み立てる。
// 連続する同じロール・拒否ステータスの行が1つの階層になる。
func (s *Store) Load(ctx context.Context) (*Table, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, role, deny_status, pattern, exact
		FROM route_policies
		ORDER BY priority
	`)
	if err != nil {
		return nil, fmt.Errorf("ルールの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	t := &Table{}
	for rows.Next() {
		var (
			kind, role, pattern string
			denyStatus          int
			exact               bool
		)
		if err := rows.Scan(&kind, &role, &denyStatus, &pattern, &exact); err != nil {
			return nil, fmt.Errorf("ルールの読み取りに失敗: %w", err)
		}

		rule := Rule{Pattern: pattern, Exact: exact}
		switch kind {
		case kindPublic:
			t.Public = append(t.Public, rule)
		case kindRole:
			r := ParseRole(role)
			last := len(t.Tiers) - 1
			if last < 0 || t.Tiers[last].Role != r || t.Tiers[last].DenyStatus != denyStatus {
				t.Tiers = append(t.Tiers, Tier{Role: r, DenyStatus: denyStatus})
				last++
			}
			t.Tiers[last].Rules = append(t.Tiers[last].Rules, rule)
		default:
			return nil, fmt.Errorf("不明なルール種別です: %q", kind)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ルールの読み取りに失敗: %w", err)
	}

	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("保存されているポリシーが不正です: %w", err)
	}
	return t, nil
}

// Replace は保存されているポリシー表を1トランザクションで置き換える。
func (s *Store) Replace(ctx context.Context, t *Table) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("ポリシーが不正です: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "DELETE FROM route_policies"); err != nil {
		return fmt.Errorf("既存ルールの削除に失敗: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO route_policies (id, priority, kind, role, deny_status, pattern, exact)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("INSERT文の準備に失敗: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	priority := 0
	insert := func(kind string, role Role, denyStatus int, rule Rule) error {
		priority++
		_, err := stmt.ExecContext(ctx, uuid.New().String(), priority, kind, string(role), denyStatus, rule.Pattern, rule.Exact)
		return err
	}

	for _, rule := range t.Public {
		if err := insert(kindPublic, RoleNone, 0, rule); err != nil {
			return fmt.Errorf("公開ルールの保存に失敗: %w", err)
		}
	}
	for _, tier := range t.Tiers {
		for _, rule := range tier.Rules {
			if err := insert(kindRole, tier.Role, tier.DenyStatus, rule); err != nil {
				return fmt.Errorf("%sルールの保存に失敗: %w", tier.Role, err)
			}
		}
	}

	return tx.Commit()
}
