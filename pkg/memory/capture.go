package memory

import (
	"regexp"
	"strings"
)

// capturePattern maps a surface cue in a chat turn to a memory
// classification. Patterns cover English and Chinese phrasing; the first
// matching pattern per sentence wins, so order is specific-to-generic.
type capturePattern struct {
	re         *regexp.Regexp
	memoryType MemoryType
	importance float64
}

var capturePatterns = []capturePattern{
	{regexp.MustCompile(`(?i)(我(的)?名字叫|我叫|我姓|my name is|call me)`), TypeProfile, 0.8},
	{regexp.MustCompile(`(?i)(我是|我今年|我住在|我来自|i am a|i'm a|i live in|i work (as|at)|i'm from)`), TypeProfile, 0.7},
	{regexp.MustCompile(`(?i)(我喜欢|我爱|我讨厌|我不喜欢|我更喜欢|我常|我习惯|i (really )?(like|love|hate|prefer|enjoy)|i don'?t like|i usually)`), TypePreference, 0.6},
	{regexp.MustCompile(`(?i)(记得|提醒我|别忘了|我要在|我打算|我计划|remind me|don'?t forget|i need to|i plan to|i have to)`), TypeTask, 0.55},
	{regexp.MustCompile(`(?i)(昨天|今天|上周|刚才|我去了|我见了|yesterday|today i|last week i|i went|i met)`), TypeEpisodic, 0.5},
	{regexp.MustCompile(`(?i)(^|[^\p{Han}\w])(我|i )`), TypeSemantic, 0.45},
}

var sentenceSplit = regexp.MustCompile(`[。！？!?\n]+|\. `)

// extractCandidates derives memory candidates from one chat turn. Purely
// heuristic and local: the conversational capture path must never wait on
// a network call.
func extractCandidates(msg ChatMessage) []MemoryRecord {
	const (
		minSentence = 4
		maxSentence = 300
		maxPerTurn  = 3
	)

	scope := ScopeShared
	if msg.PersonaID != "" {
		scope = ScopePersona
	}

	var out []MemoryRecord
	for _, sentence := range sentenceSplit.Split(msg.Content, -1) {
		sentence = strings.TrimSpace(sentence)
		if len([]rune(sentence)) < minSentence || len([]rune(sentence)) > maxSentence {
			continue
		}
		for _, p := range capturePatterns {
			if !p.re.MatchString(sentence) {
				continue
			}
			out = append(out, MemoryRecord{
				PersonaID:  msg.PersonaID,
				Scope:      scope,
				Content:    sentence,
				Role:       msg.Role,
				MemoryType: p.memoryType,
				Source:     SourceAutoExtract,
				Importance: p.importance,
				Strength:   0.5,
			})
			break
		}
		if len(out) >= maxPerTurn {
			break
		}
	}
	return out
}
