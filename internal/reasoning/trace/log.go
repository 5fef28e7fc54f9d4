package trace

import (
	"go.uber.org/zap"
)

// Log writes summary to logger: one entry for the session, one per phase and
// one per step at debug level.
func Log(logger *zap.Logger, summary Summary) {
	if logger == nil {
		return
	}
	log := logger.With(zap.String("session_id", summary.SessionID))

	log.Info("reasoning trace",
		zap.String("request_type", string(summary.RequestType)),
		zap.String("final_phase", string(summary.FinalPhase)),
		zap.Int("total_steps", summary.TotalSteps),
		zap.Int64("execution_time_ms", summary.ExecutionTimeMs),
		zap.Float64("confidence", summary.ConfidenceScore),
		zap.Any("fallbacks", summary.Fallbacks),
		zap.Any("timeouts", summary.Timeouts))

	for _, p := range summary.Phases {
		log.Info("reasoning phase",
			zap.String("phase", string(p.Phase)),
			zap.Time("started_at", p.StartedAt),
			zap.Int64("duration_ms", p.DurationMs),
			zap.Int("steps", p.StepsCount),
			zap.Float64("confidence", p.Confidence))
	}

	if !log.Core().Enabled(zap.DebugLevel) {
		return
	}
	for i, s := range summary.Steps {
		fields := []zap.Field{
			zap.Int("index", i),
			zap.String("phase", string(s.Phase)),
			zap.String("kind", s.Kind),
			zap.String("description", s.Description),
			zap.Int64("duration_ms", s.DurationMs),
		}
		if s.Confidence != nil {
			fields = append(fields, zap.Float64("confidence", *s.Confidence))
		}
		log.Debug("reasoning step", fields...)
	}
}

// LogOutcome writes the recommendations and action plan of an answer.
func LogOutcome(logger *zap.Logger, sessionID string, recommendations, actionPlan []string) {
	if logger == nil || (len(recommendations) == 0 && len(actionPlan) == 0) {
		return
	}
	logger.Info("reasoning outcome",
		zap.String("session_id", sessionID),
		zap.Strings("recommendations", recommendations),
		zap.Strings("action_plan", actionPlan))
}
