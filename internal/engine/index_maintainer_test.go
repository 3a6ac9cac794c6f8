package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/reco/internal/config"
	"github.com/scrypster/reco/internal/storage"
)

type fakeIndexStore struct {
	tenants     []string
	advised     map[storage.IndexTable]bool
	analyzeErr  error
	rebuildErrs []error // consumed one per RebuildIndex call
	rebuilds    int
}

func (f *fakeIndexStore) ListTenants(context.Context) ([]string, error) { return f.tenants, nil }

func (f *fakeIndexStore) RebuildIndex(_ context.Context, table storage.IndexTable, tenantID string) (storage.IndexStats, error) {
	f.rebuilds++
	if len(f.rebuildErrs) > 0 {
		err := f.rebuildErrs[0]
		f.rebuildErrs = f.rebuildErrs[1:]
		if err != nil {
			return storage.IndexStats{}, err
		}
	}
	return storage.IndexStats{Table: table, TenantID: tenantID, Nodes: 10}, nil
}

func (f *fakeIndexStore) GetIndexStats(_ context.Context, table storage.IndexTable, tenantID string) (storage.IndexStats, error) {
	return storage.IndexStats{Table: table, TenantID: tenantID}, nil
}

func (f *fakeIndexStore) AnalyzeIndexPerformance(_ context.Context, table storage.IndexTable, tenantID string) (storage.IndexAnalysis, error) {
	if f.analyzeErr != nil {
		return storage.IndexAnalysis{}, f.analyzeErr
	}
	return storage.IndexAnalysis{
		Stats:          storage.IndexStats{Table: table, TenantID: tenantID},
		Recall:         0.5,
		RebuildAdvised: f.advised[table],
	}, nil
}

func newTestMaintainer(store *fakeIndexStore) (*IndexMaintainer, *[]time.Duration) {
	m := NewIndexMaintainer(store, config.JobsConfig{RebuildMaxAttempts: 3, RebuildBackoff: time.Second}, zerolog.Nop())
	var slept []time.Duration
	m.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return m, &slept
}

func TestIndexMaintainer_RebuildsAdvisedIndices(t *testing.T) {
	store := &fakeIndexStore{
		tenants: []string{"t1", "t2"},
		advised: map[storage.IndexTable]bool{storage.TableEntities: true},
	}
	m, slept := newTestMaintainer(store)

	report, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, report.Analyzed)
	assert.Equal(t, 2, report.Rebuilt)
	assert.Zero(t, report.Failed)
	assert.Len(t, report.Analyses, 4)
	assert.Equal(t, 2, store.rebuilds)
	assert.Empty(t, *slept)
}

func TestIndexMaintainer_RetriesWithBackoff(t *testing.T) {
	transient := fmt.Errorf("rebuild: %w", storage.ErrTimeout)
	store := &fakeIndexStore{rebuildErrs: []error{transient, transient, nil}}
	m, slept := newTestMaintainer(store)

	stats, err := m.Rebuild(context.Background(), storage.TableEntities, "t1")
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Nodes)
	assert.Equal(t, 3, store.rebuilds)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
}

func TestIndexMaintainer_GivesUp(t *testing.T) {
	transient := fmt.Errorf("rebuild: %w", storage.ErrBackend)
	store := &fakeIndexStore{rebuildErrs: []error{transient, transient, transient, transient}}
	m, _ := newTestMaintainer(store)

	_, err := m.Rebuild(context.Background(), storage.TableProfiles, "t1")
	assert.ErrorIs(t, err, storage.ErrBackend)
	assert.Equal(t, 3, store.rebuilds)

	permanent := &fakeIndexStore{rebuildErrs: []error{storage.ErrInvalidInput}}
	m, slept := newTestMaintainer(permanent)
	_, err = m.Rebuild(context.Background(), storage.TableProfiles, "t1")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
	assert.Equal(t, 1, permanent.rebuilds, "non-retryable errors are not retried")
	assert.Empty(t, *slept)
}

func TestIndexMaintainer_FailuresDoNotAbortPass(t *testing.T) {
	store := &fakeIndexStore{tenants: []string{"t1", "t2"}, analyzeErr: errors.New("boom")}
	m, _ := newTestMaintainer(store)

	report, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, report.Failed)
	assert.Zero(t, report.Analyzed)
}

func TestIndexMaintainer_CancelledBackoff(t *testing.T) {
	store := &fakeIndexStore{rebuildErrs: []error{storage.ErrTimeout, nil}}
	m := NewIndexMaintainer(store, config.JobsConfig{RebuildBackoff: time.Hour}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Rebuild(ctx, storage.TableEntities, "t1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, store.rebuilds)
}

func TestIndexMaintainer_Restart(t *testing.T) {
	m, _ := newTestMaintainer(&fakeIndexStore{})
	assert.Error(t, m.Stop())

	for round := 0; round < 2; round++ {
		done := make(chan error, 1)
		go func() { done <- m.Start(context.Background()) }()
		require.Eventually(t, func() bool { return m.Stop() == nil }, time.Second, 5*time.Millisecond)
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatalf("round %d: maintainer did not stop", round)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.running
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	m.mu.Lock()
	running := m.running
	m.mu.Unlock()
	assert.False(t, running, "a cancelled loop releases the maintainer")
}
