package classifier

import (
	"strings"
	"unicode"

	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning"
)

// Package classifier assigns a RequestType to a query by keyword matching.
//
// Classification is deterministic and performs no I/O. It gates the expensive
// work that follows: only monitoring queries trigger telemetry collection.
//
// Matching rules:
//   - the query is lower-cased and split into letter/digit tokens
//   - keywords are compared to whole tokens, never raw substrings
//   - keywords of stemMinRunes runes or more also match as token prefixes,
//     which covers plurals and inflected forms ("monitor" → "monitoring",
//     "ошибк" → "ошибки"); forms whose stem changes, such as the genitive
//     plural "ошибок", are listed separately
//   - multi-word keywords match consecutive tokens
//
// Decision order: monitoring, question, analysis, other. A query that hits
// both monitoring and question keywords is monitoring.

const stemMinRunes = 5

var monitoringKeywords = []string{
	// English
	"error", "bug", "bugs", "issue", "problem", "crash", "fail", "fails", "failed",
	"failing", "failure", "down", "outage", "slow", "slowly", "slower",
	"performance", "monitor", "status", "health", "healthy", "check", "log", "logs",
	"metric", "alert", "warning", "critical", "service", "server", "system", "api",
	"database", "db", "cpu", "memory", "ram", "disk", "network", "latency",
	"usage", "load", "loaded", "overloaded", "uptime", "throughput", "traffic",
	"timeout", "exception", "incident", "degraded",
	// Russian
	"ошибк", "ошибка", "ошибок", "баг", "проблем", "сбой", "сбои", "сбоев", "упал", "падени",
	"медленн", "производительн", "мониторинг", "статус", "здоровье", "провер",
	"лог", "логи", "логов", "метрик", "сервер", "систем", "нагрузк", "загружен",
	"загрузк", "памят", "процессор", "диск", "диска", "диске", "сеть", "сети",
	"трафик", "база", "базы",
	// Spanish
	"servidor", "memoria", "rendimiento", "lento", "caída", "errores",
	// German
	"fehler", "speicher", "leistung", "langsam", "ausfall",
}

var questionKeywords = []string{
	// English
	"what", "how", "why", "when", "where", "who", "which", "explain", "tell me",
	"help", "guide", "tutorial", "example", "show", "demonstrate", "describe",
	"define",
	// Russian
	"что", "как", "почему", "зачем", "когда", "где", "кто", "какой", "какая",
	"какие", "объясни", "расскажи", "помоги", "покажи",
	// Spanish
	"qué", "cómo", "cuándo", "dónde", "quién", "explica",
	// German
	"wie", "warum", "wann", "wer", "erkläre",
}

var analysisKeywords = []string{
	"analyz", "analys", "review", "investigate", "compare", "audit", "assess",
	"evaluate", "анализ", "проанализируй", "сравни", "оцени", "análisis",
	"analizar", "analysieren", "vergleiche",
}

// Result explains a classification.
type Result struct {
	Type            reasoning.RequestType `json:"type"`
	MonitoringScore int                   `json:"monitoring_score"`
	QuestionScore   int                   `json:"question_score"`
	AnalysisScore   int                   `json:"analysis_score"`
	Matched         []string              `json:"matched,omitempty"`
}

// Classifier matches queries against fixed keyword sets.
type Classifier struct {
	monitoring []keyword
	question   []keyword
	analysis   []keyword
}

type keyword struct {
	text   string
	tokens []string
	stem   bool
}

// New builds a Classifier over the built-in multilingual keyword sets.
func New() *Classifier {
	return &Classifier{
		monitoring: compile(monitoringKeywords),
		question:   compile(questionKeywords),
		analysis:   compile(analysisKeywords),
	}
}

var defaultClassifier = New()

// Classify classifies query with the built-in keyword sets.
func Classify(query string) reasoning.RequestType {
	return defaultClassifier.Classify(query)
}

// Classify returns the RequestType of query.
func (c *Classifier) Classify(query string) reasoning.RequestType {
	return c.Explain(query).Type
}

// Explain returns the RequestType of query with per-category scores.
func (c *Classifier) Explain(query string) Result {
	tokens := Tokenize(query)
	res := Result{Type: reasoning.RequestOther}
	if len(tokens) == 0 {
		return res
	}

	var m []string
	res.MonitoringScore, m = score(c.monitoring, tokens)
	res.Matched = append(res.Matched, m...)
	res.QuestionScore, m = score(c.question, tokens)
	res.Matched = append(res.Matched, m...)
	res.AnalysisScore, m = score(c.analysis, tokens)
	res.Matched = append(res.Matched, m...)

	switch {
	case res.MonitoringScore > 0:
		res.Type = reasoning.RequestMonitoring
	case res.QuestionScore > 0 || strings.ContainsAny(query, "?¿"):
		res.Type = reasoning.RequestQuestion
	case res.AnalysisScore > 0:
		res.Type = reasoning.RequestAnalysis
	}
	return res
}

// Tokenize lower-cases s and splits it into letter/digit tokens.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// MatchAny reports whether any of keywords occurs in tokens under the
// classifier's matching rules.
func MatchAny(tokens []string, keywords ...string) bool {
	n, _ := score(compile(keywords), tokens)
	return n > 0
}

func compile(words []string) []keyword {
	out := make([]keyword, 0, len(words))
	for _, w := range words {
		toks := Tokenize(w)
		if len(toks) == 0 {
			continue
		}
		out = append(out, keyword{
			text:   w,
			tokens: toks,
			stem:   len(toks) == 1 && len([]rune(toks[0])) >= stemMinRunes,
		})
	}
	return out
}

func score(keywords []keyword, tokens []string) (int, []string) {
	n := 0
	var matched []string
	for _, kw := range keywords {
		if kw.matches(tokens) {
			n++
			matched = append(matched, kw.text)
		}
	}
	return n, matched
}

func (k keyword) matches(tokens []string) bool {
	if len(k.tokens) > 1 {
		for i := 0; i+len(k.tokens) <= len(tokens); i++ {
			if equalSeq(tokens[i:i+len(k.tokens)], k.tokens) {
				return true
			}
		}
		return false
	}
	want := k.tokens[0]
	for _, t := range tokens {
		if t == want || (k.stem && strings.HasPrefix(t, want)) {
			return true
		}
	}
	return false
}

func equalSeq(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
