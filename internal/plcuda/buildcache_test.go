package plcuda

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/axonlabs/gpu-bridge/internal/config"
)

func writeScript(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
}

// fakeCompiler builds a stand-in toolchain that records each run and
// copies a canned program into the -o target.
func fakeCompiler(t *testing.T, dir, program string) (compiler, countFile string) {
	t.Helper()
	countFile = filepath.Join(dir, "compiles.log")
	compiler = filepath.Join(dir, "nvcc")
	writeScript(t, compiler, `#!/bin/sh
echo run >> `+countFile+`
out=""
prev=""
for a in "$@"; do
  [ "$prev" = "-o" ] && out="$a"
  prev="$a"
done
cp `+program+` "$out"
chmod 0755 "$out"
`)
	return compiler, countFile
}

func compileCount(t *testing.T, countFile string) int {
	t.Helper()
	data, err := os.ReadFile(countFile)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return strings.Count(string(data), "run")
}

func testBuilder(t *testing.T, program string) (*Builder, string) {
	t.Helper()
	dir := t.TempDir()
	compiler, countFile := fakeCompiler(t, dir, program)
	cfg := config.Default()
	cfg.Compiler.BinaryPath = compiler
	cfg.Compiler.IncludeDir = dir
	cfg.Compiler.CacheDir = filepath.Join(dir, "cache")
	return NewBuilder(cfg, 60, zap.NewNop()), countFile
}

func TestEnsureBinaryCompilesOnce(t *testing.T) {
	dir := t.TempDir()
	program := filepath.Join(dir, "program")
	writeScript(t, program, "#!/bin/sh\nexit 0\n")
	b, countFile := testBuilder(t, program)

	first, err := b.EnsureBinary(context.Background(), 42, "/* source A */")
	require.NoError(t, err)
	assert.Equal(t, 1, compileCount(t, countFile))
	assert.FileExists(t, first+".cu")

	// identical source: cache hit, the toolchain must not run again
	second, err := b.EnsureBinary(context.Background(), 42, "/* source A */")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, compileCount(t, countFile))

	// different source: new digest, new binary
	third, err := b.EnsureBinary(context.Background(), 42, "/* source B */")
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
	assert.Equal(t, 2, compileCount(t, countFile))
}

func TestCachePathEncodesIdentity(t *testing.T) {
	dir := t.TempDir()
	program := filepath.Join(dir, "program")
	writeScript(t, program, "#!/bin/sh\nexit 0\n")
	b, _ := testBuilder(t, program)

	path := b.cachePath(17, sourceDigest("src"))
	base := filepath.Base(path)
	assert.True(t, strings.HasPrefix(base, "plcuda_17_"), base)
	assert.True(t, strings.HasSuffix(base, "_cc60"), base)
	assert.Len(t, sourceDigest("src"), 32)
}

func TestEnsureBinaryCompileFailure(t *testing.T) {
	dir := t.TempDir()
	compiler := filepath.Join(dir, "nvcc")
	writeScript(t, compiler, "#!/bin/sh\necho 'kern.cu(3): error: identifier undefined' >&2\nexit 2\n")
	cfg := config.Default()
	cfg.Compiler.BinaryPath = compiler
	cfg.Compiler.IncludeDir = dir
	cfg.Compiler.CacheDir = filepath.Join(dir, "cache")
	b := NewBuilder(cfg, 60, zap.NewNop())

	_, err := b.EnsureBinary(context.Background(), 5, "bad source")
	require.Error(t, err)
	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Log, "identifier undefined")
}

func TestEnsureBinaryMissingCompiler(t *testing.T) {
	cfg := config.Default()
	cfg.Compiler.BinaryPath = "/no/such/nvcc"
	cfg.Compiler.IncludeDir = t.TempDir()
	cfg.Compiler.CacheDir = t.TempDir()
	b := NewBuilder(cfg, 60, zap.NewNop())

	_, err := b.EnsureBinary(context.Background(), 5, "src")
	require.Error(t, err)
	var cerr *CompileError
	assert.NotErrorAs(t, err, &cerr, "spawn failure is not a compile failure")
}
