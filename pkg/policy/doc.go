// Package policy はリクエストパスごとに必要なロールを決めるルートポリシー表を提供する。
//
// 表は認証不要の公開ルールと、ロールごとの階層（既定ではADMIN、USERの順）から成り、
// 公開ルール、各階層のルールの順に評価して最初に一致したものを採用する。
// どのルールにも一致しないパスは「有効なトークンがあれば可」となる。
//
// 表は組み込みの既定値のほか、YAMLファイルやSQLiteのテーブルから読み込める。
package policy
