package policy

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadYAML はYAMLファイルからポリシー表を読み込む。
func LoadYAML(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ポリシーファイルの読み込みに失敗: %w", err)
	}
	t, err := ParseYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// ParseYAML はYAMLからポリシー表を生成し、Validateで検証する。
// 未知のキーはエラーとする。
func ParseYAML(data []byte) (*Table, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var t Table
	if err := dec.Decode(&t); err != nil && err != io.EOF {
		return nil, fmt.Errorf("ポリシーのデコードに失敗: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("ポリシーが不正です: %w", err)
	}
	return &t, nil
}

// WriteYAML はポリシー表をYAMLとして書き出す。
func WriteYAML(w io.Writer, t *Table) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(t); err != nil {
		return fmt.Errorf("ポリシーのエンコードに失敗: %w", err)
	}
	return enc.Close()
}
