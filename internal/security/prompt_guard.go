package security

import (
	"regexp"
	"strings"
	"unicode"
)

// PromptFilteredPlaceholder は検出したパターンを置き換える文字列。
const PromptFilteredPlaceholder = "[filtered]"

const (
	promptUnsafeWarnings  = 3
	promptMaxCharRun      = 50
	promptMaxWordRepeats  = 10
	promptMinRepeatedWord = 4
)

type promptPattern struct {
	name string
	re   *regexp.Regexp
}

// promptPatterns は指示の上書きやプロンプト漏洩を狙う典型的な表現。
var promptPatterns = []promptPattern{
	{"instruction override", regexp.MustCompile(`(?i)\b(ignore|disregard|forget)\s+(all\s+)?(the\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules|directions)`)},
	{"role reassignment", regexp.MustCompile(`(?i)\byou\s+are\s+now\b`)},
	{"persona override", regexp.MustCompile(`(?i)\bpretend\s+(to\s+be|you\s+are)\b`)},
	{"prompt disclosure", regexp.MustCompile(`(?i)\b(reveal|show|print|repeat|output)\s+(me\s+)?(your|the)\s+(system\s+)?(prompt|instructions)`)},
	{"jailbreak mode", regexp.MustCompile(`(?i)\b(DAN|developer|jailbreak)\s+mode\b`)},
	{"fake system tag", regexp.MustCompile(`(?i)\[\s*(system|inst)\s*\]|<\|?\s*(system|im_start)\s*\|?>`)},
	{"sql drop", regexp.MustCompile(`(?i)\bdrop\s+table\b`)},
	{"sql union", regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b`)},
}

// PromptGuardResult はチャットメッセージの検査結果。
type PromptGuardResult struct {
	IsSafe    bool
	Sanitized string
	Warnings  []string
}

// GuardPrompt はチャットメッセージを検査し、危険な表現を伏字にする。
// 1つのパターン一致だけでは拒否せず、警告が3種類以上重なった場合か、
// 伏字化の結果が空になった場合にのみIsSafe=falseとする。
func GuardPrompt(message string) PromptGuardResult {
	sanitized := message
	var warnings []string

	for _, p := range promptPatterns {
		if p.re.MatchString(sanitized) {
			sanitized = p.re.ReplaceAllString(sanitized, PromptFilteredPlaceholder)
			warnings = append(warnings, "pattern: "+p.name)
		}
	}

	if longestRun(message) > promptMaxCharRun {
		warnings = append(warnings, "spam: repeated characters")
	}
	if hasRepeatedWord(message) {
		warnings = append(warnings, "spam: repeated words")
	}

	sanitized = strings.TrimSpace(sanitized)

	return PromptGuardResult{
		IsSafe:    len(warnings) < promptUnsafeWarnings && sanitized != "",
		Sanitized: sanitized,
		Warnings:  warnings,
	}
}

// hasRepeatedWord は4文字以上の同じ単語が10回を超えて出現するかを判定する。
func hasRepeatedWord(message string) bool {
	counts := make(map[string]int)
	words := strings.FieldsFunc(strings.ToLower(message), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		if len([]rune(w)) < promptMinRepeatedWord {
			continue
		}
		counts[w]++
		if counts[w] > promptMaxWordRepeats {
			return true
		}
	}
	return false
}
