package plcuda

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonlabs/gpu-bridge/internal/pltype"
)

func TestTypeLabels(t *testing.T) {
	tests := []struct {
		id    pltype.ID
		label string
	}{
		{pltype.Bool, "cl_char"},
		{pltype.Int2, "cl_short"},
		{pltype.Int4, "cl_int"},
		{pltype.Int8, "cl_long"},
		{pltype.Float4, "float"},
		{pltype.Float8, "double"},
		{pltype.Bytea, "varlena *"},
		{pltype.Text, "varlena *"},
		{pltype.GStore, "void *"},
	}
	for _, tt := range tests {
		label, _, err := typeLabel(tt.id)
		require.NoError(t, err)
		assert.Equal(t, tt.label, label, "type %s", pltype.Name(tt.id))
	}

	_, _, err := typeLabel(pltype.ID(999999))
	assert.Error(t, err)
}

func TestMakeFlatSource(t *testing.T) {
	fn := &Function{
		ID:         100,
		Name:       "kern_mix",
		Owner:      "alice",
		ArgTypes:   []pltype.ID{pltype.Int4, pltype.Float8, pltype.Bytea, pltype.GStore},
		ResultType: pltype.Int8,
	}
	exp := &expansion{
		decl: "__device__ int twice(int x) { return 2 * x; }\n",
		main: "retval = arg1;\n",
	}
	src, err := makeFlatSource(fn, exp)
	require.NoError(t, err)

	assert.Contains(t, src, "PL/CUDA function (kern_mix)")
	assert.Contains(t, src, "__device__ int twice(int x)")
	assert.Contains(t, src, "typedef cl_long PLCUDA_RESULT_TYPE;")
	assert.Contains(t, src, "#define PLCUDA_RESULT_TYPBYVAL 1")
	assert.Contains(t, src, "#define PLCUDA_RESULT_TYPLEN   8")
	assert.Contains(t, src, "#define PLCUDA_NUM_ARGS        4")
	assert.Contains(t, src, "cl_int arg1 __attribute__((unused)) = PLCUDA_GET_ARGVAL(0,cl_int);")
	assert.Contains(t, src, "double arg2 __attribute__((unused)) = PLCUDA_GET_ARGVAL(1,double);")
	assert.Contains(t, src, "varlena * arg3 __attribute__((unused)) = (varlena *)p_args[2];")
	assert.Contains(t, src, "void * arg4 __attribute__((unused)) = (void *)p_args[3];")
	assert.Contains(t, src, "{\nretval = arg1;\n}")
	assert.Contains(t, src, "int main(int argc, char *argv[])")
}

func TestMakeFlatSourcePointerResultZero(t *testing.T) {
	fn := &Function{Name: "kern_vl", ResultType: pltype.Bytea}
	src, err := makeFlatSource(fn, &expansion{main: "retval = NULL;\n"})
	require.NoError(t, err)
	assert.Contains(t, src, "typedef varlena * PLCUDA_RESULT_TYPE;")
	assert.Contains(t, src, "varlena * retval = NULL;")
	assert.Contains(t, src, "#define PLCUDA_RESULT_TYPBYVAL 0")
}

func TestMakeFlatSourceGstoreResult(t *testing.T) {
	fn := &Function{Name: "kern_gs", ResultType: pltype.GStore}
	src, err := makeFlatSource(fn, &expansion{main: "retval = 0;\n"})
	require.NoError(t, err)
	// a gstore result travels as its 32-bit handle index
	assert.Contains(t, src, "typedef cl_uint PLCUDA_RESULT_TYPE;")
	assert.Contains(t, src, "#define PLCUDA_RESULT_TYPLEN   4")
}

func TestMakeFlatSourceEmptyMainReturnsNull(t *testing.T) {
	fn := &Function{Name: "kern_empty", ResultType: pltype.Int4}
	src, err := makeFlatSource(fn, &expansion{})
	require.NoError(t, err)
	assert.Contains(t, src, "exit(1);")
}

func TestComposerIsDeterministic(t *testing.T) {
	fn := &Function{
		Name:       "kern_same",
		ArgTypes:   []pltype.ID{pltype.Int4, pltype.Bytea},
		ResultType: pltype.Float8,
	}
	exp := &expansion{decl: "/* decl */\n", main: "retval = 1.0;\n"}

	first, err := makeFlatSource(fn, exp)
	require.NoError(t, err)
	second, err := makeFlatSource(fn, exp)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, sourceDigest(first), sourceDigest(second))
}
