package handlers

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/tendant/simple-ingest-pipeline/internal/resolver"
	"github.com/tendant/simple-ingest-pipeline/internal/workflows"
	"github.com/tendant/simple-ingest-pipeline/pkg/pipeline"
)

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Submit(ctx context.Context, req workflows.SubmitRequest) (*workflows.Submission, error) {
	args := m.Called(ctx, req)
	sub, _ := args.Get(0).(*workflows.Submission)
	return sub, args.Error(1)
}

func (m *mockRunner) Reprocess(ctx context.Context, id string, force bool) (*workflows.Submission, error) {
	args := m.Called(ctx, id, force)
	sub, _ := args.Get(0).(*workflows.Submission)
	return sub, args.Error(1)
}

func (m *mockRunner) Sweep(ctx context.Context, concurrency int) (*pipeline.SweepResponse, error) {
	args := m.Called(ctx, concurrency)
	resp, _ := args.Get(0).(*pipeline.SweepResponse)
	return resp, args.Error(1)
}

type mockLister struct {
	mock.Mock
}

func (m *mockLister) ListSource(ctx context.Context, since string) ([]pipeline.FileView, error) {
	args := m.Called(ctx, since)
	files, _ := args.Get(0).([]pipeline.FileView)
	return files, args.Error(1)
}

func (m *mockLister) ListProcessed(ctx context.Context, since string) ([]pipeline.FileView, error) {
	args := m.Called(ctx, since)
	files, _ := args.Get(0).([]pipeline.FileView)
	return files, args.Error(1)
}

func (m *mockLister) StatusMap(ctx context.Context) (*pipeline.StatusMapResponse, error) {
	args := m.Called(ctx)
	resp, _ := args.Get(0).(*pipeline.StatusMapResponse)
	return resp, args.Error(1)
}

func (m *mockLister) Status(ctx context.Context, identifier string, kind resolver.Kind) (*pipeline.RecordView, error) {
	args := m.Called(ctx, identifier, kind)
	view, _ := args.Get(0).(*pipeline.RecordView)
	return view, args.Error(1)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }
