package router

import "github.com/BaSui01/costflow/types"

// =============================================================================
// 🎯 复杂度评分
// =============================================================================
// 评分是任务类型、负载规模与意图形态的确定性函数——相同输入
// 永远得到相同分数，绝不是黑盒。回退重试复用原始分数以避免震荡。

// 任务类型基础分
var taskBaseScore = map[string]int{
	"embedding":  10,
	"embeddings": 10,
	"intent":     15,
	"parse":      15,
	"completion": 35,
	"chat":       40,
	"codegen":    60,
	"refactor":   55,
}

const defaultBaseScore = 30

// ComplexityScore 计算请求复杂度（0-100）。
// intent 可为 nil；提供时用意图形态细化评分。
func ComplexityScore(taskType string, payloadSize int, intent *types.StructuredIntent) int {
	score, ok := taskBaseScore[taskType]
	if !ok {
		score = defaultBaseScore
	}

	// 负载规模分档
	switch {
	case payloadSize < 1<<10:
		// +0
	case payloadSize < 4<<10:
		score += 10
	case payloadSize < 16<<10:
		score += 20
	case payloadSize < 64<<10:
		score += 30
	default:
		score += 40
	}

	if intent != nil {
		if intent.MultiStep {
			score += 10
		}
		if intent.EntityNum > 5 {
			score += 5
		}
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}
