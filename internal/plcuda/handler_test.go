package plcuda

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/axonlabs/gpu-bridge/internal/config"
	"github.com/axonlabs/gpu-bridge/internal/gpuctx"
	"github.com/axonlabs/gpu-bridge/internal/pltype"
)

// testEngine wires an engine whose "toolchain" installs the given shell
// program as the compiled binary.
func testEngine(t *testing.T, program string, catalog Catalog) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	compiler, countFile := fakeCompiler(t, dir, program)
	cfg := config.Default()
	cfg.Compiler.BinaryPath = compiler
	cfg.Compiler.IncludeDir = dir
	cfg.Compiler.CacheDir = filepath.Join(dir, "cache")
	if catalog == nil {
		catalog = &fakeCatalog{}
	}
	builder := NewBuilder(cfg, 60, zap.NewNop())
	return NewEngine(catalog, builder, cfg, zap.NewNop()), countFile
}

// identityProgram mimics the compiled output of an identity function over
// one int4: null argument exits 1, otherwise it writes 17 to the result.
func identityProgram(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "ident4")
	writeScript(t, path, `#!/bin/sh
RES=""
while [ "$1" != "--" ]; do
  [ "$1" = "-r" ] && RES="/dev/shm$2"
  shift
done
shift
[ "$1" = "__null__" ] && exit 1
printf '\021\000\000\000' > "$RES"
exit 0
`)
	return path
}

// echoProgram copies the argument segment into the result segment.
func echoProgram(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "echo")
	writeScript(t, path, `#!/bin/sh
ARG=""
RES=""
while [ "$1" != "--" ]; do
  case "$1" in
    -a) ARG="/dev/shm$2"; shift;;
    -r) RES="/dev/shm$2"; shift;;
  esac
  shift
done
cat "$ARG" > "$RES"
exit 0
`)
	return path
}

func identFunction() *Function {
	return &Function{
		ID:         7001,
		Name:       "ident4",
		Owner:      "alice",
		ArgTypes:   []pltype.ID{pltype.Int4},
		ResultType: pltype.Int4,
		Source:     "#plcuda_begin\nretval = arg1;\n#plcuda_end\n",
	}
}

func TestCallIdentityScalar(t *testing.T) {
	engine, _ := testEngine(t, identityProgram(t), nil)
	arena := gpuctx.NewArena()
	defer arena.Destroy()
	fn := identFunction()

	v, err := engine.Call(context.Background(), fn, []Argument{{Value: 17}}, arena)
	require.NoError(t, err)
	assert.False(t, v.Null)
	assert.Equal(t, pltype.Datum(17), v.Datum)
	assert.Empty(t, segmentsFor(t, fn.ID), "segments are unlinked after return")
}

func TestCallNullArgumentNullResult(t *testing.T) {
	engine, _ := testEngine(t, identityProgram(t), nil)
	arena := gpuctx.NewArena()
	defer arena.Destroy()
	fn := identFunction()

	v, err := engine.Call(context.Background(), fn, []Argument{{Null: true}}, arena)
	require.NoError(t, err)
	assert.True(t, v.Null)
	assert.Empty(t, segmentsFor(t, fn.ID))
}

func TestCallVariableLengthEcho(t *testing.T) {
	engine, _ := testEngine(t, echoProgram(t), nil)
	arena := gpuctx.NewArena()
	defer arena.Destroy()

	fn := &Function{
		ID:         7002,
		Name:       "echo",
		Owner:      "alice",
		ArgTypes:   []pltype.ID{pltype.Bytea},
		ResultType: pltype.Bytea,
		Source:     "#plcuda_begin\nretval = arg1;\n#plcuda_end\n",
	}
	payload := make([]byte, 40*1024)
	for i := range payload {
		payload[i] = byte(i * 31)
	}
	carrier := pltype.MakeVarlena(payload)

	v, err := engine.Call(context.Background(), fn, []Argument{{Bytes: carrier}}, arena)
	require.NoError(t, err)
	assert.Equal(t, carrier, v.Bytes, "round trip is byte-for-byte")
	assert.Empty(t, segmentsFor(t, fn.ID))
}

func TestCallCompileCacheHit(t *testing.T) {
	engine, countFile := testEngine(t, identityProgram(t), nil)
	arena := gpuctx.NewArena()
	defer arena.Destroy()
	fn := identFunction()

	_, err := engine.Call(context.Background(), fn, []Argument{{Value: 1}}, arena)
	require.NoError(t, err)
	_, err = engine.Call(context.Background(), fn, []Argument{{Value: 2}}, arena)
	require.NoError(t, err)
	assert.Equal(t, 1, compileCount(t, countFile),
		"different arguments share the cached binary")
}

func TestCallAbnormalExitClassified(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "bad")
	writeScript(t, bad, "#!/bin/sh\nexit 3\n")
	engine, _ := testEngine(t, bad, nil)
	arena := gpuctx.NewArena()
	defer arena.Destroy()
	fn := identFunction()

	_, err := engine.Call(context.Background(), fn, []Argument{{Value: 1}}, arena)
	var exitErr *AbnormalExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.Code)
	assert.Empty(t, segmentsFor(t, fn.ID), "segments are unlinked on the error path")
}

func TestCallCancellationCleansUp(t *testing.T) {
	slow := filepath.Join(t.TempDir(), "slow")
	writeScript(t, slow, "#!/bin/sh\nsleep 30\n")
	engine, _ := testEngine(t, slow, nil)
	arena := gpuctx.NewArena()
	defer arena.Destroy()
	fn := identFunction()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := engine.Call(ctx, fn, []Argument{{Value: 1}}, arena)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, segmentsFor(t, fn.ID), "cancellation leaves no segments behind")
}

func TestCallPreprocessingFailureSkipsChild(t *testing.T) {
	cat := &fakeCatalog{helpers: map[string]*Helper{}}
	cat.helpers["a"] = staticHelper(31, "a", "alice", "#plcuda_include b\n")
	cat.helpers["b"] = staticHelper(32, "b", "alice", "#plcuda_include a\n")
	engine, countFile := testEngine(t, identityProgram(t), cat)
	arena := gpuctx.NewArena()
	defer arena.Destroy()

	fn := identFunction()
	fn.Source = "#plcuda_begin\n#plcuda_include a\n#plcuda_end\n"
	_, err := engine.Call(context.Background(), fn, []Argument{{Value: 1}}, arena)
	assert.ErrorIs(t, err, ErrInfiniteInclusion)
	assert.Equal(t, 0, compileCount(t, countFile))
	assert.Empty(t, segmentsFor(t, fn.ID))
}

func TestValidate(t *testing.T) {
	engine, countFile := testEngine(t, identityProgram(t), nil)

	// no includes: compiled eagerly to surface toolchain errors
	require.NoError(t, engine.Validate(context.Background(), identFunction()))
	assert.Equal(t, 1, compileCount(t, countFile))

	// includes defer compilation to run time
	cat := &fakeCatalog{helpers: map[string]*Helper{
		"m": staticHelper(33, "m", "alice", "/* macro pack */\n"),
	}}
	engine, countFile = testEngine(t, identityProgram(t), cat)
	fn := identFunction()
	fn.Source = "#plcuda_begin\n#plcuda_include m\nretval = arg1;\n#plcuda_end\n"
	require.NoError(t, engine.Validate(context.Background(), fn))
	assert.Equal(t, 0, compileCount(t, countFile))
}

func TestValidateReportsInclusionCycle(t *testing.T) {
	cat := &fakeCatalog{helpers: map[string]*Helper{}}
	cat.helpers["a"] = staticHelper(41, "a", "alice", "#plcuda_include a\n")
	engine, _ := testEngine(t, identityProgram(t), cat)

	fn := identFunction()
	fn.Source = "#plcuda_begin\n#plcuda_include a\n#plcuda_end\n"
	err := engine.Validate(context.Background(), fn)
	assert.ErrorIs(t, err, ErrInfiniteInclusion)
}

func TestCallSet(t *testing.T) {
	// the child writes an array carrier: 3 int4 rows
	carrier, err := pltype.BuildArray(pltype.Int4, []int{3}, []int{0},
		[][]byte{encodeInt4(7), encodeInt4(8), encodeInt4(9)})
	require.NoError(t, err)

	dir := t.TempDir()
	program := filepath.Join(dir, "setfn")
	payload := filepath.Join(dir, "payload.bin")
	require.NoError(t, os.WriteFile(payload, carrier, 0o600))
	writeScript(t, program, `#!/bin/sh
RES=""
while [ "$1" != "--" ]; do
  [ "$1" = "-r" ] && RES="/dev/shm$2"
  shift
done
cat `+payload+` > "$RES"
exit 0
`)

	engine, _ := testEngine(t, program, nil)
	arena := gpuctx.NewArena()
	defer arena.Destroy()
	fn := identFunction()
	fn.ReturnsSet = true

	sr, err := engine.CallSet(context.Background(), fn, []Argument{{Value: 1}}, arena)
	require.NoError(t, err)
	require.NotNil(t, sr)
	assert.Equal(t, 3, sr.Nitems())
	for _, want := range []pltype.Datum{7, 8, 9} {
		row, ok, err := sr.Next()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, row[0].Datum)
	}
}

func TestCallSetOnScalarFunction(t *testing.T) {
	engine, _ := testEngine(t, identityProgram(t), nil)
	arena := gpuctx.NewArena()
	defer arena.Destroy()
	_, err := engine.CallSet(context.Background(), identFunction(), []Argument{{Value: 1}}, arena)
	assert.Error(t, err)
}
