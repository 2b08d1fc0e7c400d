package token

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Roles はトークンが持つロール名の集合。
// JSONの配列表現とカンマ区切り文字列表現の両方からデコードできる。
type Roles map[string]struct{}

// NewRoles は指定されたロール名から集合を生成する。
// 前後の空白は取り除き、空文字列は無視する。
func NewRoles(names ...string) Roles {
	r := make(Roles, len(names))
	for _, n := range names {
		r.add(n)
	}
	return r
}

func (r Roles) add(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	r[name] = struct{}{}
}

// Has は集合に指定された名前がそのまま含まれるかを返す。大文字小文字は区別する。
func (r Roles) Has(name string) bool {
	_, ok := r[name]
	return ok
}

// Len は集合の要素数を返す。
func (r Roles) Len() int {
	return len(r)
}

// Slice はロール名を昇順に並べたスライスを返す。
func (r Roles) Slice() []string {
	out := make([]string, 0, len(r))
	for name := range r {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// UnmarshalJSON はrolesクレームをデコードする。
//
//   - null: 空集合
//   - 配列: nullでない各要素を文字列化する（文字列以外はJSON表記のまま）
//   - 文字列: カンマで分割する
//   - 数値・真偽値: その表記を1要素とする
//
// オブジェクトはエラーとする。
func (r *Roles) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	set := make(Roles)

	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		// 空集合
	case data[0] == '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return fmt.Errorf("rolesクレームの配列を解析できません: %w", err)
		}
		for _, item := range items {
			name, ok, err := stringify(item)
			if err != nil {
				return err
			}
			if ok {
				set.add(name)
			}
		}
	case data[0] == '"':
		var joined string
		if err := json.Unmarshal(data, &joined); err != nil {
			return fmt.Errorf("rolesクレームの文字列を解析できません: %w", err)
		}
		for _, part := range strings.Split(joined, ",") {
			set.add(part)
		}
	case data[0] == '{':
		return fmt.Errorf("rolesクレームにオブジェクトは指定できません")
	default:
		set.add(string(data))
	}

	*r = set
	return nil
}

// MarshalJSON はロール集合を昇順の配列としてエンコードする。
func (r Roles) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Slice())
}

// stringify は配列要素を文字列に変換する。nullの場合はokがfalseになる。
func stringify(raw json.RawMessage) (string, bool, error) {
	raw = bytes.TrimSpace(raw)
	if bytes.Equal(raw, []byte("null")) {
		return "", false, nil
	}
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false, fmt.Errorf("rolesクレームの要素を解析できません: %w", err)
		}
		return s, true, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", false, fmt.Errorf("rolesクレームの要素を解析できません: %w", err)
	}
	return buf.String(), true, nil
}
