package runner

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/neuroprep/neuroprep/internal/config"
	"github.com/neuroprep/neuroprep/internal/notify"
	"github.com/neuroprep/neuroprep/internal/telemetry"
)

// SpanNotify is the root span of a batch notification.
const SpanNotify = "notify_batch"

// NotifyResult records what a notification pass did.
type NotifyResult struct {
	Skipped  bool
	Rendered map[string]string // service name → rendered message
	Notified []string          // services notified (or would-notify)
	DryRun   bool
}

// Notify sends the batch summary to the configured targets when the
// notify.on policy asks for it. With dryRun the targets are only validated.
func (r *Runner) Notify(ctx context.Context, b BatchResult, dryRun bool) (res NotifyResult, err error) {
	res.DryRun = dryRun
	if !notify.ShouldNotify(r.cfg.Notify.On, b.Failed) && !dryRun {
		res.Skipped = true
		return res, nil
	}

	ctx, span := r.tel.StartSpan(ctx, SpanNotify,
		attribute.String("batch.id", b.BatchID),
		attribute.Bool("notify.dry_run", dryRun),
	)
	defer span.End()
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
			return
		}
		telemetry.SetOK(span)
	}()
	log := r.tel.Logger().With("batch_id", b.BatchID)

	log.InfoContext(ctx, "rendering templates")
	data := notify.BuildTemplateData(r.cfg.Globals, summarize(b))
	targets, err := notify.ResolveTargets(
		mapNotifyRefs(r.cfg.Notify.Targets),
		mapServiceDefs(r.cfg.Services),
		r.cfg.Notify.Template,
		data,
	)
	if err != nil {
		log.ErrorContext(ctx, "template failed", "error", err)
		return res, err
	}

	res.Rendered = make(map[string]string, len(targets))
	for _, t := range targets {
		res.Rendered[t.ServiceName] = t.Message
	}
	log.DebugContext(ctx, "templates rendered", "targets", len(targets))

	for _, t := range targets {
		if dryRun {
			if err := notify.Validate(t); err != nil {
				log.ErrorContext(ctx, "notify validation failed (dry-run)", "service", t.ServiceName, "error", err)
				return res, err
			}
			res.Notified = append(res.Notified, t.ServiceName)
			log.DebugContext(ctx, "would notify (dry-run)", "service", t.ServiceName, "message", t.Message)
			continue
		}

		log.InfoContext(ctx, "sending notification", "service", t.ServiceName)
		if err := notify.Send(t); err != nil {
			log.ErrorContext(ctx, "notify failed", "service", t.ServiceName, "error", err)
			return res, err
		}
		res.Notified = append(res.Notified, t.ServiceName)
		log.DebugContext(ctx, "notification sent", "service", t.ServiceName)
	}

	span.SetAttributes(attribute.StringSlice("notify.services", res.Notified))
	return res, nil
}

func summarize(b BatchResult) notify.Summary {
	s := notify.Summary{
		BatchID:   b.BatchID,
		Total:     b.Total,
		Succeeded: b.Succeeded,
		Failed:    b.Failed,
		Duration:  b.Duration,
	}
	for _, res := range b.Results {
		if res.Err == nil {
			continue
		}
		s.Failures = append(s.Failures, notify.Failure{
			Input:     res.Input,
			Stage:     res.ErrStage,
			ErrorType: string(res.ErrKind),
			Error:     fmt.Sprint(res.Err),
		})
	}
	return s
}

func mapNotifyRefs(targets []config.NotifyTarget) []notify.NotifyRef {
	refs := make([]notify.NotifyRef, len(targets))
	for i, t := range targets {
		refs[i] = notify.NotifyRef{
			ServiceName: t.Service,
			Template:    t.Template,
			Params:      t.Params,
		}
	}
	return refs
}

func mapServiceDefs(services map[string]config.Service) map[string]notify.ServiceDef {
	defs := make(map[string]notify.ServiceDef, len(services))
	for name, svc := range services {
		defs[name] = notify.ServiceDef{
			URL:    svc.URL,
			Params: svc.Params,
		}
	}
	return defs
}
