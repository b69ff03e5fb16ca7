package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franksops/gridconveyor/flow"
	"github.com/franksops/gridconveyor/logging"
	"github.com/franksops/gridconveyor/provider"
	"github.com/franksops/gridconveyor/store"
)

func builtinFactory(t *testing.T) *flow.Factory {
	t.Helper()
	f := flow.NewFactory()
	require.NoError(t, RegisterBuiltins(f, provider.NewLocalProvider(""), NewBufferPool(16), logging.Nop()))
	return f
}

func TestRegisterBuiltins(t *testing.T) {
	f := builtinFactory(t)
	assert.ElementsMatch(t, Builtins, f.Names())
	assert.Error(t, RegisterBuiltins(f, provider.NewLocalProvider(""), nil, nil), "registering twice collides")
}

func TestBuiltin_RequireLocalPath(t *testing.T) {
	f := builtinFactory(t)
	m, err := f.New(store.MicroserviceRef{Name: "require-local-path"})
	require.NoError(t, err)
	ctx := context.Background()

	dir := t.TempDir()
	snap := flow.Snapshot{Phase: flow.PhasePreOperation, Descriptor: store.Descriptor{Type: store.TypePut, LocalPath: dir}}
	res, err := m.Execute(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, flow.ResultOK, res)

	snap.Descriptor.LocalPath = filepath.Join(dir, "missing")
	res, err = m.Execute(ctx, snap)
	assert.Error(t, err)
	assert.Equal(t, flow.ResultAbort, res)

	snap.Descriptor.Type = store.TypeGet
	res, err = m.Execute(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, flow.ResultOK, res, "downloads create their local path")
}

func TestBuiltin_ChecksumAndAbort(t *testing.T) {
	f := builtinFactory(t)
	ctx := context.Background()

	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"a.txt": "abc"})

	sum, err := f.New(store.MicroserviceRef{Name: "checksum"})
	require.NoError(t, err)
	res, err := sum.Execute(ctx, flow.Snapshot{File: &flow.FileStatus{Local: filepath.Join(dir, "a.txt")}})
	require.NoError(t, err)
	assert.Equal(t, flow.ResultOK, res)

	// After a copy the checksum taken while writing is used as is.
	res, err = sum.Execute(ctx, flow.Snapshot{File: &flow.FileStatus{
		Local: filepath.Join(dir, "not-read"), Written: 3, Checksum: 42, HasChecksum: true,
	}})
	require.NoError(t, err)
	assert.Equal(t, flow.ResultOK, res)

	res, err = sum.Execute(ctx, flow.Snapshot{File: &flow.FileStatus{Source: "/remote/only"}})
	require.NoError(t, err)
	assert.Equal(t, flow.ResultOK, res, "replicas have no local copy to check")

	res, _ = sum.Execute(ctx, flow.Snapshot{File: &flow.FileStatus{Local: filepath.Join(dir, "gone")}})
	assert.Equal(t, flow.ResultAbort, res)

	abort, err := f.New(store.MicroserviceRef{Name: "abort", Params: map[string]string{"reason": "zone is read-only"}})
	require.NoError(t, err)
	res, err = abort.Execute(ctx, flow.Snapshot{})
	assert.Equal(t, flow.ResultAbort, res)
	assert.EqualError(t, err, "zone is read-only")
	assert.Equal(t, "abort", flow.NameOf(abort))
}

func TestBuiltin_InFlowDefinition(t *testing.T) {
	f := builtinFactory(t)
	recs, err := flow.Parse([]byte(`
flows:
  - name: audited-puts
    action: PUT
    zone: "archive*"
    pre_operation:
      - name: require-local-path
    post_file:
      - name: checksum
      - name: log
        params: {message: "file stored"}
`))
	require.NoError(t, err)
	require.Len(t, recs, 1)

	spec, err := flow.Build(recs[0], f)
	require.NoError(t, err)
	assert.Len(t, spec.Chain(flow.PhasePostFile), 2)
	assert.Equal(t, flow.ActionPut, spec.Selector().Action)
}
