package plcuda

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/axonlabs/gpu-bridge/internal/pltype"
)

// buildTemplateProgram compiles the host-side template with a canned
// plcuda_main, standing in for the device toolchain output.
func buildTemplateProgram(t *testing.T, preamble string) string {
	t.Helper()
	cc, err := exec.LookPath("cc")
	if err != nil {
		t.Skip("no C compiler on PATH")
	}

	dir := t.TempDir()
	src := filepath.Join(dir, "program.c")
	bin := filepath.Join(dir, "program")
	require.NoError(t, os.WriteFile(src, []byte(preamble+hostTemplate), 0o600))

	out, err := exec.Command(cc, "-o", bin, src, "-lrt").CombinedOutput()
	require.NoError(t, err, "template does not compile:\n%s", out)
	return bin
}

func TestHostTemplateGrowsResultSegment(t *testing.T) {
	// a varlena result five times the parent's initial segment sizing
	const resultSize = 40964
	bin := buildTemplateProgram(t, `
#include <string.h>
typedef char *PLCUDA_RESULT_TYPE;
#define PLCUDA_RESULT_TYPBYVAL 0
#define PLCUDA_RESULT_TYPLEN   -1
#define PLCUDA_NUM_ARGS        1
#define VARSIZE_ANY(p) (*((unsigned int *)(p)))
void *plcuda_gstore_attach(const char *handle) { (void)handle; return 0; }
static char plcuda_result[40964];
static PLCUDA_RESULT_TYPE plcuda_main(void *p_args[])
{
	(void)p_args;
	*((unsigned int *)plcuda_result) = sizeof(plcuda_result);
	memset(plcuda_result + 4, 0x5a, sizeof(plcuda_result) - 4);
	return plcuda_result;
}
`)

	resSeg, err := createSegment(9200, "result", resultMinSize)
	require.NoError(t, err)
	defer resSeg.Close()

	isnull, err := runChild(context.Background(), zap.NewNop(), bin,
		nil, resSeg, []string{"v:11"})
	require.NoError(t, err)
	assert.False(t, isnull)

	buf, err := resSeg.MapReadOnly()
	require.NoError(t, err)
	size, err := pltype.VarlenaSize(buf)
	require.NoError(t, err)
	assert.Equal(t, resultSize, size)
	for i := pltype.VarlenaHeader; i < resultSize; i++ {
		if buf[i] != 0x5a {
			t.Fatalf("result byte %d is %#x, want 0x5a", i, buf[i])
		}
	}
}

func TestHostTemplateByValueResult(t *testing.T) {
	bin := buildTemplateProgram(t, `
typedef int PLCUDA_RESULT_TYPE;
#define PLCUDA_RESULT_TYPBYVAL 1
#define PLCUDA_RESULT_TYPLEN   4
#define PLCUDA_NUM_ARGS        1
void *plcuda_gstore_attach(const char *handle) { (void)handle; return 0; }
static PLCUDA_RESULT_TYPE plcuda_main(void *p_args[])
{
	return *((int *)p_args[0]);
}
`)

	resSeg, err := createSegment(9201, "result", resultMinSize)
	require.NoError(t, err)
	defer resSeg.Close()

	isnull, err := runChild(context.Background(), zap.NewNop(), bin,
		nil, resSeg, []string{"v:11"})
	require.NoError(t, err)
	assert.False(t, isnull)

	buf, err := resSeg.MapReadOnly()
	require.NoError(t, err)
	v, err := materializeScalar(pltype.Int4, buf, nil)
	require.NoError(t, err)
	assert.Equal(t, pltype.Datum(17), v.Datum)
}
