package prompt_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-reasoner/internal/llm/types"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/prompt"
)

func TestPlanningMessagesListCatalogue(t *testing.T) {
	pm := prompt.NewPromptManager(0)
	msgs := pm.PlanningMessages(prompt.PlanningInput{
		Query:       "Check CPU",
		RequestType: reasoning.RequestMonitoring,
		ServiceID:   "svc-1",
		Context:     map[string]any{"region": "eu-west-1"},
	})
	require.Len(t, msgs, 2)
	assert.Equal(t, types.RoleSystem, msgs[0].Role)
	for _, e := range reasoning.Catalogue() {
		assert.Contains(t, msgs[0].Content, string(e.ID))
	}
	assert.Contains(t, msgs[1].Content, "REQUEST TYPE: monitoring")
	assert.Contains(t, msgs[1].Content, "Check CPU")
	assert.Contains(t, msgs[1].Content, `region: "eu-west-1"`)
	assert.NotContains(t, msgs[1].Content, "{{.")
}

func TestFeedbackMessagesPutUserRequestFirst(t *testing.T) {
	pm := prompt.NewPromptManager(0)
	msgs := pm.FeedbackMessages(prompt.FeedbackInput{
		Query:       "Check CPU and memory",
		RequestType: reasoning.RequestMonitoring,
		Analyzed:    []prompt.SourceData{{ID: reasoning.CPUMetrics, Summary: "avg 42%"}},
		Unavailable: []prompt.SourceFailure{{ID: reasoning.MemoryMetrics, Reason: "structural mismatch"}},
	})
	require.Len(t, msgs, 2)
	assert.Equal(t, types.RoleUser, msgs[0].Role)
	assert.True(t, strings.HasPrefix(msgs[0].Content, "USER REQUEST"))
	assert.Equal(t, types.RoleSystem, msgs[1].Role)

	body := msgs[0].Content
	analyzed := strings.Index(body, "ANALYZED DATA SOURCES")
	unavailable := strings.Index(body, "UNAVAILABLE DATA SOURCES")
	require.NotEqual(t, -1, analyzed)
	require.NotEqual(t, -1, unavailable)
	assert.Less(t, analyzed, unavailable)
	assert.Contains(t, body, "cpu_metrics")
	assert.Contains(t, body, "memory_metrics: structural mismatch")
}

func TestFeedbackMessagesQuestionHasNoDataSections(t *testing.T) {
	pm := prompt.NewPromptManager(0)
	msgs := pm.FeedbackMessages(prompt.FeedbackInput{
		Query:             "What is the capital of France?",
		RequestType:       reasoning.RequestQuestion,
		CollectionSkipped: true,
	})
	assert.NotContains(t, msgs[0].Content, "DATA SOURCES")
	assert.Contains(t, msgs[1].Content, "Do not mention metrics")
}

func TestContextIsTruncated(t *testing.T) {
	pm := prompt.NewPromptManager(20)
	msgs := pm.PlanningMessages(prompt.PlanningInput{
		Query:   "q",
		Context: map[string]any{"blob": strings.Repeat("x", 500)},
	})
	assert.NotContains(t, msgs[1].Content, strings.Repeat("x", 100))
	assert.Contains(t, msgs[1].Content, "…")
}

func TestFeedbackMessagesListThresholdFindings(t *testing.T) {
	pm := prompt.NewPromptManager(0)
	msgs := pm.FeedbackMessages(prompt.FeedbackInput{
		Query:        "Is the disk filling up?",
		RequestType:  reasoning.RequestMonitoring,
		Analyzed:     []prompt.SourceData{{ID: reasoning.DiskMetrics, Summary: "last 95%"}},
		SystemStatus: "warning",
		Findings:     []string{"[warning] disk_metrics used_percent at 95.00 (threshold 90.00)"},
	})
	body := msgs[0].Content
	check := strings.Index(body, "THRESHOLD CHECK (system status: warning)")
	require.NotEqual(t, -1, check)
	assert.Less(t, strings.Index(body, "ANALYZED DATA SOURCES"), check)
	assert.Contains(t, body, "used_percent at 95.00")

	msgs = pm.FeedbackMessages(prompt.FeedbackInput{
		Query:        "Is the disk filling up?",
		RequestType:  reasoning.RequestMonitoring,
		Analyzed:     []prompt.SourceData{{ID: reasoning.DiskMetrics, Summary: "last 40%"}},
		SystemStatus: "ok",
	})
	assert.Contains(t, msgs[0].Content, "no thresholds exceeded")
}
