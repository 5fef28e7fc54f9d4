package prompt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kubilitics/kubilitics-reasoner/internal/llm/types"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning"
)

type promptManagerImpl struct {
	maxContextChars int
}

// NewPromptManager creates a PromptManager. maxContextChars bounds the
// rendered caller context; zero means 2000.
func NewPromptManager(maxContextChars int) PromptManager {
	if maxContextChars <= 0 {
		maxContextChars = 2000
	}
	return &promptManagerImpl{maxContextChars: maxContextChars}
}

// ─── Planning ─────────────────────────────────────────────────────────────────

const planningSystemPrompt = `You are the planning stage of an operations assistant. Decide which telemetry must be collected to answer the user's request.

RULES:
- Choose only identifiers from the catalogue below
- Choose the smallest set that answers the request
- Reply with exactly one JSON object and nothing else

CATALOGUE:
{{.Catalogue}}

REPLY FORMAT:
{
  "user_intent": "one sentence describing what the user wants",
  "analysis_plan": "how the collected data will answer the request",
  "data_requirements": ["cpu_metrics", "memory_metrics"],
  "target_services": ["service names mentioned by the user"],
  "priority": "low|medium|high"
}`

const planningUserTemplate = `REQUEST TYPE: {{.RequestType}}
SERVICE: {{.Service}}

USER REQUEST:
{{.Query}}
{{.History}}{{.Context}}`

// ─── Feedback ─────────────────────────────────────────────────────────────────

const feedbackUserTemplate = `USER REQUEST (answer this first and directly):
{{.Query}}

REQUEST TYPE: {{.RequestType}}
SERVICE: {{.Service}}
{{.History}}{{.Data}}`

const feedbackFramingBase = `You are an operations assistant. Answer the user's request above.

RULES:
- The user's literal request takes priority over everything else in this conversation
- Use only the data provided; never invent measurements
- If some data sources were unavailable, say which ones and what could not be checked
- Answer in the language of the user's request

REPLY FORMAT (exactly one JSON object):
{
  "answer": "direct answer to the request",
  "confidence": 0.0,
  "recommendations": ["short actionable recommendation"],
  "action_plan": ["ordered next step"]
}
confidence is a number between 0 and 1.`

var feedbackFraming = map[reasoning.RequestType]string{
	reasoning.RequestMonitoring: feedbackFramingBase + `

MONITORING:
- Reference every analyzed data source by name with concrete values
- Point out anomalies, trends and likely causes`,

	reasoning.RequestQuestion: feedbackFramingBase + `

GENERAL QUESTION:
- No telemetry was collected; answer from general knowledge
- Do not mention metrics, logs or system state`,

	reasoning.RequestAnalysis: feedbackFramingBase + `

ANALYSIS:
- Structure the answer as observations followed by conclusions`,
}

// ─── promptManagerImpl methods ────────────────────────────────────────────────

func (m *promptManagerImpl) PlanningMessages(in PlanningInput) []types.Message {
	system := strings.ReplaceAll(planningSystemPrompt, "{{.Catalogue}}", renderCatalogue())

	user := planningUserTemplate
	user = strings.ReplaceAll(user, "{{.RequestType}}", string(in.RequestType))
	user = strings.ReplaceAll(user, "{{.Service}}", orNone(in.ServiceID))
	user = strings.ReplaceAll(user, "{{.Query}}", in.Query)
	user = strings.ReplaceAll(user, "{{.History}}", section("CONVERSATION SO FAR", in.History))
	user = strings.ReplaceAll(user, "{{.Context}}", section("CALLER CONTEXT", m.renderContext(in.Context)))

	return []types.Message{
		{Role: types.RoleSystem, Content: system},
		{Role: types.RoleUser, Content: user},
	}
}

func (m *promptManagerImpl) FeedbackMessages(in FeedbackInput) []types.Message {
	user := feedbackUserTemplate
	user = strings.ReplaceAll(user, "{{.Query}}", in.Query)
	user = strings.ReplaceAll(user, "{{.RequestType}}", string(in.RequestType))
	user = strings.ReplaceAll(user, "{{.Service}}", orNone(in.ServiceID))
	user = strings.ReplaceAll(user, "{{.History}}", section("CONVERSATION SO FAR", in.History))
	user = strings.ReplaceAll(user, "{{.Data}}", renderData(in))

	framing, ok := feedbackFraming[in.RequestType]
	if !ok {
		framing = feedbackFramingBase
	}

	return []types.Message{
		{Role: types.RoleUser, Content: user},
		{Role: types.RoleSystem, Content: framing},
	}
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func renderCatalogue() string {
	var sb strings.Builder
	for _, e := range reasoning.Catalogue() {
		fmt.Fprintf(&sb, "- %s (%s, %s): %s\n", e.ID, e.Category, e.Source, e.Description)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderData(in FeedbackInput) string {
	if in.CollectionSkipped || (len(in.Analyzed) == 0 && len(in.Unavailable) == 0) {
		return ""
	}

	var sb strings.Builder
	if in.AnalysisPlan != "" {
		sb.WriteString("\nANALYSIS PLAN:\n")
		sb.WriteString(in.AnalysisPlan)
		sb.WriteString("\n")
	}
	if len(in.Analyzed) > 0 {
		sb.WriteString("\nANALYZED DATA SOURCES:\n")
		for _, d := range in.Analyzed {
			fmt.Fprintf(&sb, "### %s\n%s\n", d.ID, d.Summary)
		}
	}
	if in.SystemStatus != "" {
		fmt.Fprintf(&sb, "\nTHRESHOLD CHECK (system status: %s):\n", in.SystemStatus)
		if len(in.Findings) == 0 {
			sb.WriteString("- no thresholds exceeded\n")
		}
		for _, f := range in.Findings {
			fmt.Fprintf(&sb, "- %s\n", f)
		}
	}
	if len(in.Unavailable) > 0 {
		sb.WriteString("\nUNAVAILABLE DATA SOURCES (could not be checked):\n")
		for _, f := range in.Unavailable {
			fmt.Fprintf(&sb, "- %s: %s\n", f.ID, f.Reason)
		}
	}
	return sb.String()
}

func (m *promptManagerImpl) renderContext(ctx map[string]any) string {
	if len(ctx) == 0 {
		return ""
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		v, err := json.Marshal(ctx[k])
		if err != nil {
			v = []byte(fmt.Sprint(ctx[k]))
		}
		fmt.Fprintf(&sb, "%s: %s\n", k, v)
	}
	return truncate(strings.TrimRight(sb.String(), "\n"), m.maxContextChars)
}

func section(title, body string) string {
	if strings.TrimSpace(body) == "" {
		return ""
	}
	return "\n" + title + ":\n" + body + "\n"
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
