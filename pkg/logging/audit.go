package logging

import "context"

// Auditor writes audit records: one entry per security- or cost-relevant
// action, under the "audit" logger name. Only metadata goes here; message
// content never does.
type Auditor struct {
	logger *Logger
}

// NewAuditor derives an audit logger from base.
func NewAuditor(base *Logger) *Auditor {
	return &Auditor{logger: base.Named("audit")}
}

// Info records action at info level.
func (a *Auditor) Info(ctx context.Context, action string, fields map[string]interface{}) {
	a.record(ctx, INFO, action, fields)
}

// Warn records action at warn level.
func (a *Auditor) Warn(ctx context.Context, action string, fields map[string]interface{}) {
	a.record(ctx, WARN, action, fields)
}

func (a *Auditor) record(ctx context.Context, level Level, action string, fields map[string]interface{}) {
	if a == nil {
		return
	}
	entry := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		entry[k] = v
	}
	entry["action"] = action
	a.logger.WithContext(ctx).log(level, action, entry)
}
