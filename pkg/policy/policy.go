package policy

import (
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/nao1215/shopgate/pkg/token"
)

// Role はルートが要求するロール名。空文字列はロール要件なしを表す。
type Role string

const (
	// RoleNone はロール要件が無いことを表す。
	RoleNone Role = ""
	// RoleAdmin は管理者ロール。
	RoleAdmin Role = "ADMIN"
	// RoleUser は一般ユーザーロール。
	RoleUser Role = "USER"
)

// rolePrefix はロール名に付くことがある接頭辞。ADMINとROLE_ADMINは同じロールとして扱う。
const rolePrefix = "ROLE_"

// ParseRole は設定値をロールに正規化する。前後の空白とROLE_接頭辞を取り除き大文字にする。
func ParseRole(s string) Role {
	s = strings.ToUpper(strings.TrimSpace(s))
	return Role(strings.TrimPrefix(s, rolePrefix))
}

// SatisfiedBy はロール集合がこのロールの要件を満たすかを返す。
// 比較は大文字小文字を区別せず、NAMEとROLE_NAMEのどちらも一致とみなす。
func (r Role) SatisfiedBy(roles token.Roles) bool {
	if r == RoleNone {
		return true
	}
	want := string(r)
	for name := range roles {
		if strings.EqualFold(name, want) || strings.EqualFold(name, rolePrefix+want) {
			return true
		}
	}
	return false
}

// Rule はパスパターン1件。
type Rule struct {
	// Pattern は照合するパス。末尾のスラッシュの有無は区別しない。
	Pattern string `yaml:"pattern"`
	// Exact がtrueの場合はパターンと同じパスのみに一致し、配下のパスには一致しない。
	Exact bool `yaml:"exact,omitempty"`
}

// Matches はパスがルールに一致するかを返す。
// パターンpに対して、p、p/、p/配下のパスに一致する。Exactの場合はpとp/のみ。
func (r Rule) Matches(p string) bool {
	base := strings.TrimSuffix(r.Pattern, "/")
	if p == base || p == base+"/" {
		return true
	}
	if r.Exact {
		return false
	}
	return strings.HasPrefix(p, base+"/")
}

// Tier は同じロールを要求するルールの集まり。
type Tier struct {
	// Role はこの階層のルールに一致したパスが要求するロール。
	Role Role `yaml:"role"`
	// DenyStatus はロールが不足している場合に返すHTTPステータス（401または403）。
	DenyStatus int `yaml:"deny_status"`
	// Rules は評価順に並んだルール。
	Rules []Rule `yaml:"rules"`
}

// Table はルートポリシー表。読み込み後は変更しないこと。
type Table struct {
	// Public はトークン無しで通過できるパス。
	Public []Rule `yaml:"public"`
	// Tiers は評価順に並んだロール階層。
	Tiers []Tier `yaml:"tiers"`
}

// Requirement はパスに対する照合結果。
type Requirement struct {
	// Bypass がtrueの場合はトークンの検証自体を行わない。
	Bypass bool
	// Role は要求されるロール。RoleNoneの場合は有効なトークンのみを要求する。
	Role Role
	// DenyStatus はロール不足時に返すHTTPステータス。
	DenyStatus int
	// Pattern は一致したルールのパターン。どれにも一致しない場合は空文字列。
	Pattern string
}

// Match はパスに一致する最初のルールから要件を求める。
// 公開ルール、各階層のルールの順に評価する。pathはNormalizePath済みであること。
func (t *Table) Match(p string) Requirement {
	for _, rule := range t.Public {
		if rule.Matches(p) {
			return Requirement{Bypass: true, Pattern: rule.Pattern}
		}
	}
	for _, tier := range t.Tiers {
		for _, rule := range tier.Rules {
			if rule.Matches(p) {
				return Requirement{
					Role:       tier.Role,
					DenyStatus: tier.DenyStatus,
					Pattern:    rule.Pattern,
				}
			}
		}
	}
	return Requirement{}
}

// NormalizePath は照合用にパスを正規化する。
// "."や".."、連続したスラッシュを解決し、元のパスの末尾スラッシュは維持する。
func NormalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	cleaned := path.Clean(p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// Validate は表の内容を検証し、ロール名と拒否ステータスを正規化する。
// DenyStatusが0の場合、ADMINは401、それ以外は403とする。
func (t *Table) Validate() error {
	var errs []error
	for i, rule := range t.Public {
		if err := validatePattern(rule.Pattern); err != nil {
			errs = append(errs, fmt.Errorf("public[%d]: %w", i, err))
		}
	}
	for i := range t.Tiers {
		tier := &t.Tiers[i]
		tier.Role = ParseRole(string(tier.Role))
		if tier.Role == RoleNone {
			errs = append(errs, fmt.Errorf("tiers[%d]: roleが指定されていません", i))
		}
		if tier.DenyStatus == 0 {
			tier.DenyStatus = defaultDenyStatus(tier.Role)
		}
		if tier.DenyStatus != http.StatusUnauthorized && tier.DenyStatus != http.StatusForbidden {
			errs = append(errs, fmt.Errorf("tiers[%d]: deny_statusは401か403を指定してください: %d", i, tier.DenyStatus))
		}
		for j, rule := range tier.Rules {
			if err := validatePattern(rule.Pattern); err != nil {
				errs = append(errs, fmt.Errorf("tiers[%d].rules[%d]: %w", i, j, err))
			}
		}
	}
	return errors.Join(errs...)
}

func validatePattern(p string) error {
	if p == "" {
		return errors.New("patternが空です")
	}
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("patternは/で始めてください: %q", p)
	}
	return nil
}

func defaultDenyStatus(r Role) int {
	if r == RoleAdmin {
		return http.StatusUnauthorized
	}
	return http.StatusForbidden
}
