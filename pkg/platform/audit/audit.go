// Package audit names the audit events emitted by trust-core services and logs
// them through slog with a stable shape: the event name as message plus
// "event", "log_type=audit" and, when present, "request_id" and "client_ip".
package audit

import (
	"context"
	"log/slog"

	"quickex/pkg/requestcontext"
)

type Event string

const (
	// Registry events
	EventUsernameClaimed             Event = "username_claimed"
	EventUsernameTransferred         Event = "username_transferred"
	EventUsernameReleased            Event = "username_released"
	EventUsernameTransferRecovered   Event = "username_transfer_recovered"
	EventUsernameTransferInterrupted Event = "username_transfer_interrupted"

	// Alert events
	EventReportIngested    Event = "scam_report_ingested"
	EventReportRateLimited Event = "scam_report_rate_limited"
	EventRiskTierChanged   Event = "risk_tier_changed"
)

// Log writes an audit record. A nil logger drops the event.
func Log(ctx context.Context, logger *slog.Logger, event Event, attrs ...any) {
	if logger == nil {
		return
	}
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		attrs = append(attrs, "request_id", requestID)
	}
	if ip := requestcontext.ClientIP(ctx); ip != "" {
		attrs = append(attrs, "client_ip", ip)
	}
	args := append(attrs, "event", string(event), "log_type", "audit")
	logger.InfoContext(ctx, string(event), args...)
}
