package converter

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// đ 不是组合字符，NFD 无法拆开，需要单独替换
var dReplacer = strings.NewReplacer("đ", "d", "Đ", "d")

// Normalize 去掉声调符号、转小写并合并空白，用于匹配固定的电台关键词
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = dReplacer.Replace(folded)
	folded = strings.ToLower(folded)
	return strings.Join(strings.Fields(folded), " ")
}
