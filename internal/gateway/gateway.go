// Package gateway answers "is it safe to pay this destination?" by resolving the
// destination and combining the risk signals of every subject involved.
package gateway

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"quickex/internal/alerts/models"
	"quickex/pkg/domain"
	dErrors "quickex/pkg/domain-errors"
)

const (
	tracerName = "quickex/gateway"

	ReasonUnknownDestination = "unknown_destination"
)

// Registry resolves usernames to addresses.
type Registry interface {
	Resolve(ctx context.Context, username string) (domain.Address, error)
}

// Engine returns the current aggregate for a subject.
type Engine interface {
	Query(ctx context.Context, subject models.Subject) (models.Aggregate, error)
}

// Signal is one subject's contribution to a verdict.
type Signal struct {
	Subject     models.Subject `json:"subject"`
	Tier        models.Tier    `json:"tier"`
	Score       float64        `json:"score"`
	ReportCount int            `json:"report_count"`
}

// Verdict is advisory; clients decide whether to block.
type Verdict struct {
	OK                  bool            `json:"ok"`
	Reason              string          `json:"reason,omitempty"`
	Address             string          `json:"address,omitempty"`
	Username            string          `json:"username,omitempty"`
	Tier                models.Tier     `json:"tier,omitempty"`
	AdvisoryText        string          `json:"advisory_text,omitempty"`
	ContributingSubject *models.Subject `json:"contributing_subject,omitempty"`
	Signals             []Signal        `json:"signals,omitempty"`
}

type Gateway struct {
	registry Registry
	engine   Engine
	tracer   trace.Tracer
}

func New(registry Registry, engine Engine) *Gateway {
	return &Gateway{registry: registry, engine: engine, tracer: otel.Tracer(tracerName)}
}

// Resolve classifies destination as an address or username, resolves it, and
// returns the most severe signal across the address, the username and the
// optional link token.
func (g *Gateway) Resolve(ctx context.Context, destination, linkToken string) (*Verdict, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.Resolve")
	defer span.End()

	verdict, err := g.resolve(ctx, span, destination, linkToken)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "verdict failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.Bool("verdict.ok", verdict.OK),
		attribute.String("verdict.tier", string(verdict.Tier)),
	)
	return verdict, nil
}

func (g *Gateway) resolve(ctx context.Context, span trace.Span, destination, linkToken string) (*Verdict, error) {
	dest := strings.TrimSpace(destination)
	token := strings.TrimSpace(linkToken)

	var link *domain.LinkToken
	if token != "" {
		t, err := domain.ParseLinkToken(token)
		if err != nil {
			return nil, dErrors.New(dErrors.CodeInvalidSubject, "link_token is malformed")
		}
		link = &t
	}

	var (
		address  domain.Address
		username domain.Username
	)
	switch {
	case domain.LooksLikeAddress(dest):
		span.SetAttributes(attribute.String("destination.kind", "address"))
		a, err := domain.ParseAddress(dest)
		if err != nil {
			return nil, err
		}
		address = a
	case domain.LooksLikeUsername(dest):
		span.SetAttributes(attribute.String("destination.kind", "username"))
		u, err := domain.ParseUsername(dest)
		if err != nil {
			return nil, err
		}
		a, err := g.registry.Resolve(ctx, dest)
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			return &Verdict{OK: false, Reason: ReasonUnknownDestination}, nil
		}
		if err != nil {
			return nil, err
		}
		address, username = a, u
	default:
		return nil, dErrors.New(dErrors.CodeInvalidFormat, "destination must be a Stellar address or a username")
	}

	subjects := []models.Subject{{Type: models.SubjectAddress, Value: address.String()}}
	if username != "" {
		subjects = append(subjects, models.Subject{Type: models.SubjectUsername, Value: username.String()})
	}
	if link != nil {
		subjects = append(subjects, models.Subject{Type: models.SubjectLinkToken, Value: link.String()})
	}

	signals, err := g.querySignals(ctx, subjects)
	if err != nil {
		return nil, err
	}

	verdict := &Verdict{
		OK:       true,
		Address:  address.String(),
		Username: username.String(),
		Tier:     models.TierClean,
		Signals:  signals,
	}
	if top := strongest(signals); top != nil && top.Tier != models.TierClean {
		subject := top.Subject
		verdict.Tier = top.Tier
		verdict.ContributingSubject = &subject
		verdict.AdvisoryText = advisory(top.Subject.Type, top.Tier)
	}
	return verdict, nil
}

// querySignals queries every subject in parallel; results keep input order.
func (g *Gateway) querySignals(ctx context.Context, subjects []models.Subject) ([]Signal, error) {
	out := make([]Signal, len(subjects))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, subject := range subjects {
		eg.Go(func() error {
			qctx, span := g.tracer.Start(egCtx, "gateway.QuerySignal",
				trace.WithAttributes(attribute.String("subject.type", string(subject.Type))))
			defer span.End()

			agg, err := g.engine.Query(qctx, subject)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "query failed")
				return err
			}
			out[i] = Signal{Subject: agg.Subject, Tier: agg.Tier, Score: agg.Score, ReportCount: agg.ReportCount}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// strongest picks the highest tier, then the highest score, then address over
// username over link token.
func strongest(signals []Signal) *Signal {
	if len(signals) == 0 {
		return nil
	}
	top := slices.MaxFunc(signals, func(a, b Signal) int {
		if c := cmp.Compare(a.Tier.Severity(), b.Tier.Severity()); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Score, b.Score); c != 0 {
			return c
		}
		return cmp.Compare(b.Subject.Type.Rank(), a.Subject.Type.Rank())
	})
	return &top
}

func advisory(kind models.SubjectType, tier models.Tier) string {
	label := map[models.SubjectType]string{
		models.SubjectAddress:   "address",
		models.SubjectUsername:  "username",
		models.SubjectLinkToken: "payment link",
	}[kind]
	switch tier {
	case models.TierBlock:
		return fmt.Sprintf("This %s has been reported as a scam by multiple users. Do not send funds.", label)
	case models.TierWarn:
		return fmt.Sprintf("This %s has several scam reports. Verify the recipient before paying.", label)
	default:
		return fmt.Sprintf("This %s has been reported. Proceed with caution.", label)
	}
}
