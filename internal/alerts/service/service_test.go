package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"quickex/internal/alerts/models"
	"quickex/internal/alerts/signals"
	"quickex/internal/alerts/store"
	"quickex/internal/ratelimit/limiter"
	rlmodels "quickex/internal/ratelimit/models"
	"quickex/internal/ratelimit/store/bucket"
	"quickex/internal/storage"
	dErrors "quickex/pkg/domain-errors"
	"quickex/pkg/platform/sentinel"
	"quickex/pkg/requestcontext"
)

const addrA1 = "GA7QYNF7SOWQ3GLR2BGMZEHXAVIRZA4KVWLTJJFC7MGXUA74P7UJVSGZ"

// faultyStore injects failures around a real alert store.
type faultyStore struct {
	*store.AlertStore
	recordErr      error
	alwaysConflict bool
}

func (f *faultyStore) Record(ctx context.Context, r models.Report) (store.StoreResult, error) {
	if f.recordErr != nil {
		return store.StoreResult{}, f.recordErr
	}
	return f.AlertStore.Record(ctx, r)
}

func (f *faultyStore) PutAggregate(ctx context.Context, agg models.Aggregate, expected int64) (models.Aggregate, error) {
	if f.alwaysConflict {
		return models.Aggregate{}, fmt.Errorf("put aggregate: %w", sentinel.ErrConflict)
	}
	return f.AlertStore.PutAggregate(ctx, agg, expected)
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (*rlmodels.RateLimitResult, error) {
	return nil, errors.New("redis: connection refused")
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, signals.Event) error {
	return errors.New("kafka: broker not available")
}

type ServiceSuite struct {
	suite.Suite
	store     *faultyStore
	published *signals.Memory
	service   *Service
	logger    *slog.Logger
	ctx       context.Context
	now       time.Time
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.store = &faultyStore{AlertStore: store.New(storage.NewInMemory())}
	s.published = &signals.Memory{}
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.service = New(s.store, WithPublisher(s.published), WithLogger(s.logger))
	s.now = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
}

func report(reporter string, reason models.ReasonCode) models.IngestRequest {
	return models.IngestRequest{
		SubjectType:  string(models.SubjectAddress),
		SubjectValue: addrA1,
		ReporterID:   reporter,
		ReasonCode:   string(reason),
	}
}

func (s *ServiceSuite) subject() models.Subject {
	return models.Subject{Type: models.SubjectAddress, Value: addrA1}
}

func (s *ServiceSuite) TestIngestScoresDistinctReporters() {
	var last *IngestResult
	var changes []bool
	for i := range 3 {
		res, err := s.service.Ingest(s.ctx, report(fmt.Sprintf("r%d", i), models.ReasonImpersonation))
		s.Require().NoError(err)
		s.True(res.Created)
		changes = append(changes, res.TierChanged)
		last = res
	}

	s.Equal(0.6, last.Aggregate.Score)
	s.Equal(models.TierWarn, last.Aggregate.Tier)
	s.Equal(3, last.Aggregate.ReportCount)
	s.Equal(3, last.Aggregate.ReasonCounts[models.ReasonImpersonation])
	s.Equal([]bool{true, false, true}, changes, "clean->caution, caution, caution->warn")

	events := s.published.Events()
	s.Require().Len(events, 2)
	s.Equal(models.TierCaution, events[0].Tier)
	s.Equal(models.TierWarn, events[1].Tier)
	s.Equal(models.TierCaution, events[1].PreviousTier)

	agg, err := s.service.Query(s.ctx, s.subject())
	s.Require().NoError(err)
	s.Equal(models.TierWarn, agg.Tier)
}

func (s *ServiceSuite) TestRepeatedReportUpdatesOnce() {
	first, err := s.service.Ingest(s.ctx, report("r1", models.ReasonOther))
	s.Require().NoError(err)

	later := requestcontext.WithTime(context.Background(), s.now.Add(time.Minute))
	second, err := s.service.Ingest(later, report("r1", models.ReasonImpersonation))
	s.Require().NoError(err)

	s.False(second.Created)
	s.Equal(first.Report.ID, second.Report.ID)
	s.Equal(1, second.Aggregate.ReportCount)
	s.Equal(0.2, second.Aggregate.Score)
	s.Equal(1, second.Aggregate.ReasonCounts[models.ReasonImpersonation])
	s.Zero(second.Aggregate.ReasonCounts[models.ReasonOther])
}

func (s *ServiceSuite) TestValidationPrecedesMutation() {
	s.Run("invalid subject", func() {
		req := report("r1", models.ReasonImpersonation)
		req.SubjectValue = addrA1[:55] + "A"
		_, err := s.service.Ingest(s.ctx, req)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidSubject))
	})

	s.Run("invalid reason", func() {
		req := report("r1", "spam")
		_, err := s.service.Ingest(s.ctx, req)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidFormat))
	})

	agg, err := s.service.Query(s.ctx, s.subject())
	s.Require().NoError(err)
	s.Equal(models.ZeroAggregate(s.subject()), agg)
}

func (s *ServiceSuite) TestQuery() {
	s.Run("unreported subject is clean", func() {
		agg, err := s.service.Query(s.ctx, models.Subject{Type: models.SubjectLinkToken, Value: "pay-123456"})
		s.Require().NoError(err)
		s.Equal(models.TierClean, agg.Tier)
		s.Zero(agg.ReportCount)
	})

	s.Run("username subject is normalized", func() {
		req := models.IngestRequest{SubjectType: "username", SubjectValue: "Alice", ReporterID: "r1", ReasonCode: "impersonation"}
		_, err := s.service.Ingest(s.ctx, req)
		s.Require().NoError(err)

		agg, err := s.service.Query(s.ctx, models.Subject{Type: models.SubjectUsername, Value: "ALICE"})
		s.Require().NoError(err)
		s.Equal(1, agg.ReportCount)
	})

	s.Run("invalid subject", func() {
		_, err := s.service.Query(s.ctx, models.Subject{Type: "email", Value: "x"})
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidSubject))
	})
}

func (s *ServiceSuite) TestRateLimit() {
	s.Run("reporter over the window limit is rejected", func() {
		svc := New(s.store, WithLogger(s.logger), WithLimiter(limiter.New(bucket.New(), 2, time.Hour)))
		for i := range 2 {
			_, err := svc.Ingest(s.ctx, linkReport("busy", models.ReasonOther, fmt.Sprintf("link-token-%d", i)))
			s.Require().NoError(err)
		}
		_, err := svc.Ingest(s.ctx, linkReport("busy", models.ReasonOther, "link-token-9"))
		s.True(dErrors.HasCode(err, dErrors.CodeRateLimited))

		_, err = svc.Ingest(s.ctx, linkReport("calm", models.ReasonOther, "link-token-9"))
		s.NoError(err, "limits are per reporter")
	})

	s.Run("limiter failure admits the report", func() {
		svc := New(s.store, WithLogger(s.logger), WithLimiter(brokenLimiter{}))
		_, err := svc.Ingest(s.ctx, report("r-open", models.ReasonOther))
		s.NoError(err)
	})
}

func (s *ServiceSuite) TestConcurrentIngestsConverge() {
	const reporters = 8
	var wg sync.WaitGroup
	errs := make(chan error, reporters)
	for i := range reporters {
		wg.Go(func() {
			_, err := s.service.Ingest(s.ctx, report(fmt.Sprintf("c%d", i), models.ReasonFakeRefund))
			errs <- err
		})
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.Require().NoError(err)
	}

	agg, err := s.service.Query(s.ctx, s.subject())
	s.Require().NoError(err)
	s.Equal(reporters, agg.ReportCount)
	s.Equal(1.0, agg.Score)
	s.Equal(models.TierBlock, agg.Tier)
}

func (s *ServiceSuite) TestFailures() {
	s.Run("recompute conflict is bounded", func() {
		s.store.alwaysConflict = true
		defer func() { s.store.alwaysConflict = false }()
		_, err := s.service.Recompute(s.ctx, s.subject())
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("storage outage", func() {
		s.store.recordErr = fmt.Errorf("write report: %w", sentinel.ErrUnavailable)
		defer func() { s.store.recordErr = nil }()
		_, err := s.service.Ingest(s.ctx, report("r1", models.ReasonOther))
		s.True(dErrors.HasCode(err, dErrors.CodeStorageUnavailable))
	})

	s.Run("cancelled context", func() {
		ctx, cancel := context.WithCancel(s.ctx)
		cancel()
		_, err := s.service.Ingest(ctx, report("r1", models.ReasonOther))
		s.True(dErrors.HasCode(err, dErrors.CodeTimeout))
	})

	s.Run("publish failure does not fail ingest", func() {
		svc := New(s.store, WithLogger(s.logger), WithPublisher(failingPublisher{}))
		res, err := svc.Ingest(s.ctx, linkReport("p1", models.ReasonPhishingLink, "fresh-token"))
		s.Require().NoError(err)
		s.True(res.TierChanged)
	})
}

func linkReport(reporter string, reason models.ReasonCode, token string) models.IngestRequest {
	r := report(reporter, reason)
	r.SubjectType = string(models.SubjectLinkToken)
	r.SubjectValue = token
	return r
}
