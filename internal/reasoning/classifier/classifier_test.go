package classifier_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/classifier"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		query string
		want  reasoning.RequestType
	}{
		{"Check CPU and memory usage trends for the last 24 hours", reasoning.RequestMonitoring},
		{"What is the capital of France?", reasoning.RequestQuestion},
		{"Why is the payments service so slow?", reasoning.RequestMonitoring},
		{"Сервер сильно загружен, что происходит?", reasoning.RequestMonitoring},
		{"Есть ли ошибки в логах?", reasoning.RequestMonitoring},
		{"Как приготовить борщ?", reasoning.RequestQuestion},
		{"Explain dependency injection", reasoning.RequestQuestion},
		{"Analyze the quarterly sales report", reasoning.RequestAnalysis},
		{"Compare these two proposals", reasoning.RequestAnalysis},
		{"Good morning", reasoning.RequestOther},
		{"", reasoning.RequestOther},
		{"   ", reasoning.RequestOther},
		{"Is it raining?", reasoning.RequestQuestion},
		{"¿Por qué el servidor está lento", reasoning.RequestMonitoring},
		{"Warum ist der Speicher voll", reasoning.RequestMonitoring},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.Equal(t, tt.want, classifier.Classify(tt.query))
		})
	}
}

func TestClassifyMatchesWholeTokens(t *testing.T) {
	// "capital" contains "api" and "rapid" contains "api" only as substrings.
	assert.Equal(t, reasoning.RequestOther, classifier.Classify("capital rapid"))
	assert.Equal(t, reasoning.RequestMonitoring, classifier.Classify("the api returns 500"))
}

func TestClassifyStemsInflectedForms(t *testing.T) {
	assert.Equal(t, reasoning.RequestMonitoring, classifier.Classify("monitoring dashboards"))
	assert.Equal(t, reasoning.RequestMonitoring, classifier.Classify("много ошибок"))
	assert.Equal(t, reasoning.RequestMonitoring, classifier.Classify("история сбоев"))
}

func TestExplainMonitoringWinsOverlap(t *testing.T) {
	res := classifier.New().Explain("How do I check the health of the database?")
	assert.Equal(t, reasoning.RequestMonitoring, res.Type)
	assert.Positive(t, res.MonitoringScore)
	assert.Positive(t, res.QuestionScore)
	assert.Contains(t, res.Matched, "health")
	assert.Contains(t, res.Matched, "how")
}

func TestClassifyMultiWordKeyword(t *testing.T) {
	assert.Equal(t, reasoning.RequestQuestion, classifier.Classify("tell me a joke"))
	assert.Equal(t, reasoning.RequestOther, classifier.Classify("me tell"))
}

func TestClassifyDeterministic(t *testing.T) {
	q := "Disk latency on node-3 looks odd"
	first := classifier.Classify(q)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, classifier.Classify(q))
	}
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"cpu", "load", "24h"}, classifier.Tokenize("CPU-load (24h)!"))
}
