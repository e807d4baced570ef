// Package store persists scam reports and risk aggregates on the shared
// versioned storage collaborator.
package store

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"slices"

	"github.com/google/uuid"

	"quickex/internal/alerts/models"
	"quickex/internal/storage"
	"quickex/pkg/platform/sentinel"
)

const (
	reportPrefix    = "report/"
	aggregatePrefix = "aggregate/"

	// A dedup key only conflicts with the same reporter re-reporting the same
	// subject concurrently, so a few attempts always suffice.
	recordAttempts = 4
)

// StoreResult reports whether Record inserted a new report or updated one.
type StoreResult struct {
	Report  models.Report
	Created bool
}

type AlertStore struct {
	kv storage.Store
}

func New(kv storage.Store) *AlertStore {
	return &AlertStore{kv: kv}
}

func subjectReportPrefix(s models.Subject) string {
	return reportPrefix + s.Key() + "/"
}

func reportKey(r models.Report) string {
	return subjectReportPrefix(r.Subject) + url.PathEscape(r.ReporterID)
}

func aggregateKey(s models.Subject) string {
	return aggregatePrefix + s.Key()
}

// Record upserts r by (reporter, subject). An update keeps the original ID and
// replaces reason, evidence and creation time.
func (s *AlertStore) Record(ctx context.Context, r models.Report) (StoreResult, error) {
	subject, err := models.ParseSubject(string(r.Subject.Type), r.Subject.Value)
	if err != nil {
		return StoreResult{}, err
	}
	r.Subject = subject
	key := reportKey(r)

	for range recordAttempts {
		var expected int64
		created := true
		existing, err := s.kv.Get(ctx, key)
		switch {
		case err == nil:
			prev, decodeErr := decodeReport(existing)
			if decodeErr != nil {
				return StoreResult{}, decodeErr
			}
			r.ID = prev.ID
			expected = existing.Version
			created = false
		case errors.Is(err, sentinel.ErrNotFound):
			if r.ID == uuid.Nil {
				r.ID = uuid.New()
			}
		default:
			return StoreResult{}, fmt.Errorf("read report %s: %w", key, err)
		}

		value, err := json.Marshal(r)
		if err != nil {
			return StoreResult{}, fmt.Errorf("encode report %s: %w", key, err)
		}
		_, err = s.kv.CompareAndSet(ctx, storage.Record{Key: key, Value: value}, expected)
		if err == nil {
			return StoreResult{Report: r, Created: created}, nil
		}
		if !errors.Is(err, sentinel.ErrConflict) {
			return StoreResult{}, fmt.Errorf("write report %s: %w", key, err)
		}
	}
	return StoreResult{}, fmt.Errorf("write report %s: %w", key, sentinel.ErrConflict)
}

// ListReports yields a subject's reports newest first, ties broken by reporter id.
// Each range issues a fresh query.
func (s *AlertStore) ListReports(ctx context.Context, subject models.Subject) iter.Seq2[models.Report, error] {
	return func(yield func(models.Report, error) bool) {
		var reports []models.Report
		for rec, err := range s.kv.Query(ctx, storage.Query{Prefix: subjectReportPrefix(subject)}) {
			if err != nil {
				yield(models.Report{}, fmt.Errorf("list reports %s: %w", subject, err))
				return
			}
			r, err := decodeReport(rec)
			if err != nil {
				yield(models.Report{}, err)
				return
			}
			reports = append(reports, r)
		}
		slices.SortFunc(reports, func(a, b models.Report) int {
			if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
				return c
			}
			return cmp.Compare(a.ReporterID, b.ReporterID)
		})
		for _, r := range reports {
			if !yield(r, nil) {
				return
			}
		}
	}
}

// GetAggregate returns the stored aggregate or sentinel.ErrNotFound.
func (s *AlertStore) GetAggregate(ctx context.Context, subject models.Subject) (models.Aggregate, error) {
	rec, err := s.kv.Get(ctx, aggregateKey(subject))
	if err != nil {
		return models.Aggregate{}, fmt.Errorf("get aggregate %s: %w", subject, err)
	}
	var agg models.Aggregate
	if err := json.Unmarshal(rec.Value, &agg); err != nil {
		return models.Aggregate{}, fmt.Errorf("decode aggregate %s: %w", subject, err)
	}
	agg.Version = rec.Version
	return agg, nil
}

// PutAggregate writes agg if the stored version equals expected (0 for none)
// and returns it at its new version.
func (s *AlertStore) PutAggregate(ctx context.Context, agg models.Aggregate, expected int64) (models.Aggregate, error) {
	value, err := json.Marshal(agg)
	if err != nil {
		return models.Aggregate{}, fmt.Errorf("encode aggregate %s: %w", agg.Subject, err)
	}
	rec, err := s.kv.CompareAndSet(ctx, storage.Record{Key: aggregateKey(agg.Subject), Value: value}, expected)
	if err != nil {
		return models.Aggregate{}, fmt.Errorf("put aggregate %s: %w", agg.Subject, err)
	}
	agg.Version = rec.Version
	return agg, nil
}

func decodeReport(rec storage.Record) (models.Report, error) {
	var r models.Report
	if err := json.Unmarshal(rec.Value, &r); err != nil {
		return models.Report{}, fmt.Errorf("decode report %s: %w", rec.Key, err)
	}
	return r, nil
}
