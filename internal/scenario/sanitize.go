package scenario

import "strings"

// sanitizer softens harsh behavioural wording in participant instructions so
// that hosted models do not refuse the generation request.
var sanitizer = strings.NewReplacer(
	"高圧的", "直接的なコミュニケーションスタイル",
	"威圧的", "強いリーダーシップ",
	"詰める", "確認する",
	"追い込む", "明確化を求める",
	"責任追及", "状況確認",
	"丸投げ", "委任",
	"忖度", "配慮",
	"都合の悪い", "困難な",
	"せいにする", "について確認する",
	"委縮", "慎重",
	"しどろもどろ", "丁寧に説明",
	"苛立ち", "関心を持ち",
	"強い口調", "明確な言葉",
	"気が重い", "慎重に検討",
)

// Sanitize rewrites harsh expressions in s into neutral equivalents.
func Sanitize(s string) string {
	return sanitizer.Replace(s)
}
