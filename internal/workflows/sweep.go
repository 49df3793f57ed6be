package workflows

import (
	"context"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tendant/simple-ingest-pipeline/internal/resolver"
	"github.com/tendant/simple-ingest-pipeline/pkg/pipeline"
)

// Sweep submits every object under the source prefix. Objects that are
// unchanged since their last completed run come back as skips; per-object
// failures are reported in the response rather than aborting the sweep.
func (r *WorkflowRunner) Sweep(ctx context.Context, concurrency int) (*pipeline.SweepResponse, error) {
	if concurrency <= 0 {
		concurrency = 4
	}

	prefix := r.workflow.resolver.Prefix()
	objects, err := r.workflow.objects.List(ctx, prefix)
	if err != nil {
		return nil, storageError("sweep", prefix, err)
	}

	resp := &pipeline.SweepResponse{Items: make([]pipeline.SweepItem, 0, len(objects))}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		resp.Listed++
		obj := obj
		g.Go(func() error {
			modified := obj.LastModified
			sub, err := r.Submit(gctx, SubmitRequest{
				Identifier:         obj.Key,
				Kind:               resolver.KindFilename,
				ReportedModifiedAt: &modified,
			})

			item := pipeline.SweepItem{SourceKey: obj.Key}
			if sub != nil {
				item.ProcessID = sub.RecordID
				item.Decision = string(sub.Decision)
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case sub != nil && sub.Decision == pipeline.DecisionDuplicate:
				resp.Duplicates++
			case err != nil:
				item.Error = err.Error()
				resp.Errors++
			case sub.Decision == pipeline.DecisionSkip:
				resp.Skipped++
			default:
				resp.Proceeded++
			}
			resp.Items = append(resp.Items, item)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return resp, err
	}
	sort.Slice(resp.Items, func(i, j int) bool { return resp.Items[i].SourceKey < resp.Items[j].SourceKey })

	r.logger.Info("sweep finished", "listed", resp.Listed, "proceeded", resp.Proceeded,
		"skipped", resp.Skipped, "duplicates", resp.Duplicates, "errors", resp.Errors)
	return resp, nil
}
