package planner

import (
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/classifier"
)

// fallbackRule maps category keywords onto requirement identifiers.
type fallbackRule struct {
	category string
	keywords []string
	ids      []reasoning.RequirementID
}

var fallbackRules = []fallbackRule{
	{
		category: "cpu",
		keywords: []string{"cpu", "processor", "процессор", "load", "нагрузк", "загрузк"},
		ids:      []reasoning.RequirementID{reasoning.CPUMetrics},
	},
	{
		category: "memory",
		keywords: []string{"memory", "память", "памят", "ram", "swap", "heap", "oom", "memoria", "speicher"},
		ids:      []reasoning.RequirementID{reasoning.MemoryMetrics},
	},
	{
		category: "disk",
		keywords: []string{"disk", "disks", "диск", "диска", "диске", "storage", "хранилищ", "io", "iops", "volume"},
		ids:      []reasoning.RequirementID{reasoning.DiskMetrics},
	},
	{
		category: "network",
		keywords: []string{"network", "сеть", "сети", "traffic", "трафик", "connection", "latency", "bandwidth", "packet", "dns"},
		ids:      []reasoning.RequirementID{reasoning.NetworkMetrics},
	},
	{
		category: "errors",
		keywords: []string{"error", "ошибк", "ошибок", "сбоев", "log", "logs", "лог", "логи", "логах", "exception", "crash", "stacktrace", "fehler", "errores"},
		ids:      []reasoning.RequirementID{reasoning.ErrorLogs},
	},
	{
		category: "performance",
		keywords: []string{"performance", "производительн", "slow", "slowly", "медленн", "тормоз", "rendimiento", "lento", "langsam"},
		ids:      []reasoning.RequirementID{reasoning.PerformanceLogs, reasoning.CPUMetrics, reasoning.MemoryMetrics},
	},
	{
		category: "server",
		keywords: []string{"server", "сервер", "загружен", "loaded", "overloaded", "servidor"},
		ids:      []reasoning.RequirementID{reasoning.CPUMetrics, reasoning.MemoryMetrics, reasoning.DiskMetrics, reasoning.NetworkMetrics},
	},
}

// baselineRequirements is used when no category matches.
var baselineRequirements = []reasoning.RequirementID{reasoning.CPUMetrics, reasoning.MemoryMetrics}

// FallbackRequirements derives requirements from query keywords. The result
// is never empty and is ordered by catalogue position.
func FallbackRequirements(query string) ([]reasoning.RequirementID, []string) {
	tokens := classifier.Tokenize(query)
	seen := map[reasoning.RequirementID]bool{}
	var ids []reasoning.RequirementID
	var categories []string

	for _, rule := range fallbackRules {
		if !classifier.MatchAny(tokens, rule.keywords...) {
			continue
		}
		categories = append(categories, rule.category)
		for _, id := range rule.ids {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}

	if len(ids) == 0 {
		ids = append(ids, baselineRequirements...)
	}
	reasoning.SortRequirementIDs(ids)
	return ids, categories
}
