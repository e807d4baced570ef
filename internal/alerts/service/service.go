package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"quickex/internal/alerts/metrics"
	"quickex/internal/alerts/models"
	"quickex/internal/alerts/scoring"
	"quickex/internal/alerts/signals"
	"quickex/internal/alerts/store"
	rlmodels "quickex/internal/ratelimit/models"
	dErrors "quickex/pkg/domain-errors"
	"quickex/pkg/platform/audit"
	"quickex/pkg/platform/sentinel"
	"quickex/pkg/requestcontext"
)

const DefaultRecomputeAttempts = 8

// Store persists reports and aggregates.
type Store interface {
	Record(ctx context.Context, r models.Report) (store.StoreResult, error)
	ListReports(ctx context.Context, subject models.Subject) iter.Seq2[models.Report, error]
	GetAggregate(ctx context.Context, subject models.Subject) (models.Aggregate, error)
	PutAggregate(ctx context.Context, agg models.Aggregate, expected int64) (models.Aggregate, error)
}

// Limiter spends one submission for a reporter key.
type Limiter interface {
	Allow(ctx context.Context, key string) (*rlmodels.RateLimitResult, error)
}

// IngestResult is the outcome of a successful ingest.
type IngestResult struct {
	Report      models.Report
	Created     bool
	Aggregate   models.Aggregate
	TierChanged bool
}

// Service ingests scam reports and maintains per-subject risk aggregates.
// Recomputes of one subject are serialized by the aggregate's conditional write.
type Service struct {
	store             Store
	policy            scoring.Policy
	limiter           Limiter
	publisher         signals.Publisher
	logger            *slog.Logger
	metrics           *metrics.Metrics
	recomputeAttempts int
}

type Option func(*Service)

func WithPolicy(p scoring.Policy) Option {
	return func(s *Service) {
		s.policy = p
	}
}

// WithLimiter enables per-reporter rate limiting.
func WithLimiter(l Limiter) Option {
	return func(s *Service) {
		s.limiter = l
	}
}

func WithPublisher(p signals.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithRecomputeAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.recomputeAttempts = n
		}
	}
}

func New(st Store, opts ...Option) *Service {
	s := &Service{
		store:             st,
		policy:            scoring.DefaultPolicy(),
		publisher:         signals.Nop{},
		recomputeAttempts: DefaultRecomputeAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s
}

// Ingest validates and records a report, then recomputes its subject's aggregate.
// Re-submitting the same (reporter, subject) updates the report instead of adding one.
func (s *Service) Ingest(ctx context.Context, req models.IngestRequest) (*IngestResult, error) {
	req.Normalize()
	subject, err := req.Validate()
	if err != nil {
		s.metrics.IncrementReport("invalid")
		return nil, err
	}
	if err := s.checkLimit(ctx, req.ReporterID); err != nil {
		return nil, err
	}

	recorded, err := s.store.Record(ctx, models.Report{
		Subject:     subject,
		ReporterID:  req.ReporterID,
		Reason:      models.ReasonCode(req.ReasonCode),
		EvidenceRef: req.EvidenceRef,
		CreatedAt:   requestcontext.Now(ctx),
	})
	if err != nil {
		s.metrics.IncrementReport("error")
		return nil, s.storeErr(err, "failed to record report")
	}

	agg, previous, err := s.recompute(ctx, subject)
	if err != nil {
		s.metrics.IncrementReport("error")
		return nil, err
	}

	if recorded.Created {
		s.metrics.IncrementReport("created")
	} else {
		s.metrics.IncrementReport("updated")
	}
	audit.Log(ctx, s.logger, audit.EventReportIngested,
		"subject", subject.Key(),
		"reason_code", recorded.Report.Reason,
		"report_id", recorded.Report.ID,
		"created", recorded.Created,
		"tier", agg.Tier,
	)

	changed := agg.Tier != previous
	if changed {
		s.tierChanged(ctx, agg, previous)
	}
	return &IngestResult{
		Report:      recorded.Report,
		Created:     recorded.Created,
		Aggregate:   agg,
		TierChanged: changed,
	}, nil
}

// checkLimit fails open when the limiter itself errors.
func (s *Service) checkLimit(ctx context.Context, reporterID string) error {
	if s.limiter == nil {
		return nil
	}
	res, err := s.limiter.Allow(ctx, rlmodels.ReporterKey(reporterID))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.metrics.IncrementReport("error")
			return dErrors.Transient(ctxErr, "rate limit check timed out")
		}
		s.metrics.IncrementLimiterFailOpen()
		s.logger.WarnContext(ctx, "reporter rate limit unavailable, admitting report", "error", err)
		return nil
	}
	if !res.Allowed {
		s.metrics.IncrementReport("rate_limited")
		audit.Log(ctx, s.logger, audit.EventReportRateLimited,
			"limit", res.Limit,
			"retry_after", res.RetryAfter,
		)
		return dErrors.New(dErrors.CodeRateLimited,
			fmt.Sprintf("too many reports; retry after %d seconds", res.RetryAfter))
	}
	return nil
}

// Recompute rebuilds subject's aggregate from its reports.
func (s *Service) Recompute(ctx context.Context, subject models.Subject) (models.Aggregate, error) {
	parsed, err := models.ParseSubject(string(subject.Type), subject.Value)
	if err != nil {
		return models.Aggregate{}, err
	}
	agg, previous, err := s.recompute(ctx, parsed)
	if err != nil {
		return models.Aggregate{}, err
	}
	if agg.Tier != previous {
		s.tierChanged(ctx, agg, previous)
	}
	return agg, nil
}

// recompute reads the aggregate version before listing reports so a report
// recorded mid-computation forces a retry through the conditional write.
func (s *Service) recompute(ctx context.Context, subject models.Subject) (models.Aggregate, models.Tier, error) {
	for range s.recomputeAttempts {
		previous := models.TierClean
		var expected int64
		current, err := s.store.GetAggregate(ctx, subject)
		switch {
		case err == nil:
			previous = current.Tier
			expected = current.Version
		case errors.Is(err, sentinel.ErrNotFound):
		default:
			return models.Aggregate{}, "", s.storeErr(err, "failed to read risk aggregate")
		}

		result, err := s.policy.Score(s.store.ListReports(ctx, subject))
		if err != nil {
			return models.Aggregate{}, "", s.storeErr(err, "failed to list reports")
		}

		next := models.Aggregate{
			Subject:      subject,
			ReportCount:  result.ReportCount,
			Score:        result.Score.InexactFloat64(),
			Tier:         result.Tier,
			ReasonCounts: result.ReasonCounts,
			LastUpdated:  requestcontext.Now(ctx),
		}
		stored, err := s.store.PutAggregate(ctx, next, expected)
		if err == nil {
			return stored, previous, nil
		}
		if !errors.Is(err, sentinel.ErrConflict) {
			return models.Aggregate{}, "", s.storeErr(err, "failed to store risk aggregate")
		}
		s.metrics.IncrementRecomputeConflict()
	}
	return models.Aggregate{}, "", dErrors.New(dErrors.CodeConflict, "risk aggregate is being updated concurrently")
}

func (s *Service) tierChanged(ctx context.Context, agg models.Aggregate, previous models.Tier) {
	s.metrics.IncrementTierChange(string(agg.Tier))
	audit.Log(ctx, s.logger, audit.EventRiskTierChanged,
		"subject", agg.Subject.Key(),
		"previous_tier", previous,
		"tier", agg.Tier,
		"score", agg.Score,
	)
	event := signals.Event{
		Subject:      agg.Subject,
		PreviousTier: previous,
		Tier:         agg.Tier,
		Score:        agg.Score,
		ReportCount:  agg.ReportCount,
		OccurredAt:   agg.LastUpdated,
		RequestID:    requestcontext.RequestID(ctx),
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.metrics.IncrementSignalPublishFailure()
		s.logger.ErrorContext(ctx, "failed to publish risk signal",
			"subject", agg.Subject.Key(),
			"tier", agg.Tier,
			"error", err,
		)
	}
}

// Query returns the last computed aggregate. Unreported subjects are clean.
func (s *Service) Query(ctx context.Context, subject models.Subject) (models.Aggregate, error) {
	parsed, err := models.ParseSubject(string(subject.Type), subject.Value)
	if err != nil {
		return models.Aggregate{}, err
	}
	agg, err := s.store.GetAggregate(ctx, parsed)
	if errors.Is(err, sentinel.ErrNotFound) {
		return models.ZeroAggregate(parsed), nil
	}
	if err != nil {
		return models.Aggregate{}, s.storeErr(err, "failed to read risk aggregate")
	}
	return agg, nil
}

func (s *Service) storeErr(err error, msg string) error {
	switch {
	case dErrors.IsDomain(err):
		return err
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.New(dErrors.CodeConflict, "report was modified concurrently")
	default:
		return dErrors.Transient(err, msg)
	}
}
