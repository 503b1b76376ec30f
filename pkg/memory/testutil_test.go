package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/memfork/memfork/pkg/embedders"
	"github.com/memfork/memfork/pkg/model"
	"github.com/memfork/memfork/pkg/storage"
)

// newTestService builds a Service over a temp SQLite database with the
// deterministic mock embedder and no judge.
func newTestService(t *testing.T) *Service {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := NewService(store, embedders.NewMockEmbedder(16), nil, Options{})
	require.NoError(t, svc.Init(context.Background()))
	return svc
}

// failingEmbedder always errors, for exercising the null-embedding path.
type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedding provider down")
}

func (failingEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("embedding provider down")
}

func (failingEmbedder) GetDimension() int    { return 0 }
func (failingEmbedder) GetModelName() string { return "failing" }
func (failingEmbedder) Close() error         { return nil }

func mustWriteFact(t *testing.T, svc *Service, p WriteFactParams) *model.Fact {
	t.Helper()
	fact, err := svc.WriteFact(context.Background(), p)
	require.NoError(t, err)
	return fact
}

func mustCreateBranch(t *testing.T, svc *Service, name string) *model.Branch {
	t.Helper()
	branch, err := svc.CreateBranch(context.Background(), CreateBranchParams{Name: name})
	require.NoError(t, err)
	return branch
}
