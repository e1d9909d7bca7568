package plcuda

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/axonlabs/gpu-bridge/internal/pltype"
)

// Device-side local type for each host type shape. Closed table; anything
// not listed cannot cross the device boundary.
type labelEntry struct {
	id    pltype.ID // exact match, 0 for shape match
	len   int16
	byval bool
	label string
}

var deviceLabels = []labelEntry{
	{id: pltype.Float4, label: "float"},
	{id: pltype.Float8, label: "double"},
	{id: pltype.GStore, label: "void *"}, // device pointer via IPC handle
	{len: 1, byval: true, label: "cl_char"},
	{len: 2, byval: true, label: "cl_short"},
	{len: 4, byval: true, label: "cl_int"},
	{len: 8, byval: true, label: "cl_long"},
	{len: pltype.VarLen, label: "varlena *"},
}

// typeLabel maps a host type to its device local type.
func typeLabel(id pltype.ID) (string, pltype.Info, error) {
	info, err := pltype.Lookup(id)
	if err != nil {
		return "", pltype.Info{}, err
	}
	for _, e := range deviceLabels {
		if e.id != 0 {
			if e.id == id {
				return e.label, info, nil
			}
			continue
		}
		if e.len == info.Len && e.byval == info.ByVal {
			return e.label, info, nil
		}
	}
	if !info.ByVal && info.Len > 0 {
		return "void *", info, nil // fixed-length, passed as device pointer
	}
	return "", pltype.Info{}, errors.Errorf("unexpected type properties: %s", pltype.Name(id))
}

// makeFlatSource composes the self-contained translation unit: fixed
// macros, the declaration block, the typed entry function wrapping the
// main block, and the host-side template. Deterministic: identical inputs
// produce identical bytes, which the compile cache relies on.
func makeFlatSource(fn *Function, exp *expansion) (string, error) {
	var src strings.Builder

	fmt.Fprintf(&src,
		"/* ----------------------------------------\n"+
			" * PL/CUDA function (%s)\n"+
			" * ----------------------------------------*/\n"+
			"#define MAXIMUM_ALIGNOF %d\n"+
			"#define NAMEDATALEN %d\n"+
			"#define KERN_CONTEXT_VARLENA_BUFSZ 0\n"+
			"#include \"cuda_common.h\"\n"+
			"#include <cuda_runtime.h>\n"+
			"\n",
		fn.Name, pltype.MaxAlign, 64)
	src.WriteString(exp.decl)

	// a gstore result travels as the 32-bit handle index, not the pointer
	var (
		label string
		info  pltype.Info
		err   error
	)
	if fn.ResultType == pltype.GStore {
		label = "cl_uint"
		info = pltype.Info{Len: 4, ByVal: true, Align: 4}
	} else {
		label, info, err = typeLabel(fn.ResultType)
		if err != nil {
			return "", err
		}
	}
	byval := 0
	if info.ByVal {
		byval = 1
	}
	zero := "0"
	if strings.Contains(label, "*") {
		zero = "NULL"
	}
	fmt.Fprintf(&src,
		"typedef %s PLCUDA_RESULT_TYPE;\n"+
			"#define PLCUDA_RESULT_TYPBYVAL %d\n"+
			"#define PLCUDA_RESULT_TYPLEN   %d\n"+
			"#define PLCUDA_NUM_ARGS        %d\n"+
			"#define PLCUDA_ARG_ISNULL(x)   (p_args[(x)] == NULL)\n"+
			"#define PLCUDA_GET_ARGVAL(x,type) (PLCUDA_ARG_ISNULL(x) ? 0 : *((type *)p_args[(x)]))\n"+
			"\n"+
			"static PLCUDA_RESULT_TYPE plcuda_main(void *p_args[])\n"+
			"{\n"+
			"  %s retval = %s;\n",
		label, byval, info.Len, len(fn.ArgTypes), label, zero)

	for i, argType := range fn.ArgTypes {
		label, info, err = typeLabel(argType)
		if err != nil {
			return "", err
		}
		if info.ByVal {
			fmt.Fprintf(&src,
				"  %s arg%d __attribute__((unused)) = PLCUDA_GET_ARGVAL(%d,%s);\n",
				label, i+1, i, label)
		} else {
			fmt.Fprintf(&src,
				"  %s arg%d __attribute__((unused)) = (%s)p_args[%d];\n",
				label, i+1, label, i)
		}
	}
	if exp.main != "" {
		fmt.Fprintf(&src, "{\n%s}\n", exp.main)
	} else {
		src.WriteString("  exit(1);  /* no main block: NULL result */\n")
	}
	src.WriteString("  return retval;\n}\n\n")

	src.WriteString(hostTemplate)
	return src.String(), nil
}

// hostTemplate is the fixed host-side half of every generated program: it
// decodes the argument tokens, maps the argument segment, invokes
// plcuda_main and writes the result segment. Exit code 0 publishes the
// result, 1 reports a null result.
const hostTemplate = `/* ----------------------------------------
 * PL/CUDA host template
 * ----------------------------------------*/
#include <fcntl.h>
#include <stdio.h>
#include <stdlib.h>
#include <string.h>
#include <sys/mman.h>
#include <sys/stat.h>
#include <unistd.h>

/* supplied by the device runtime: attaches gstore data via IPC handle */
extern void *plcuda_gstore_attach(const char *handle);

static void *plcuda_argbuf = NULL;

static void *
plcuda_map_segment(const char *name, size_t *p_length, int prot)
{
	struct stat	stbuf;
	void	   *buffer;
	int			fdesc;

	fdesc = shm_open(name, (prot & PROT_WRITE) ? O_RDWR : O_RDONLY, 0600);
	if (fdesc < 0)
	{
		fprintf(stderr, "failed on shm_open('%s'): %m\n", name);
		exit(2);
	}
	if (fstat(fdesc, &stbuf) != 0)
	{
		fprintf(stderr, "failed on fstat('%s'): %m\n", name);
		exit(2);
	}
	buffer = mmap(NULL, stbuf.st_size, prot, MAP_SHARED, fdesc, 0);
	if (buffer == MAP_FAILED)
	{
		fprintf(stderr, "failed on mmap('%s'): %m\n", name);
		exit(2);
	}
	close(fdesc);
	*p_length = stbuf.st_size;
	return buffer;
}

static void *
plcuda_decode_arg(const char *token)
{
	static unsigned long plcuda_arg_values[PLCUDA_NUM_ARGS];
	static int plcuda_arg_index = 0;
	unsigned long ival;

	if (strcmp(token, "__null__") == 0)
		return NULL;
	ival = strtoul(token + 2, NULL, 16);
	switch (token[0])
	{
		case 'v':
			plcuda_arg_values[plcuda_arg_index] = ival;
			return &plcuda_arg_values[plcuda_arg_index++];
		case 'r':
			return (char *)plcuda_argbuf + ival;
		case 'g':
			return plcuda_gstore_attach(token + 2);
		default:
			fprintf(stderr, "unknown argument token: %s\n", token);
			exit(2);
	}
}

int main(int argc, char *argv[])
{
	const char *rseg_name = NULL;
	void	   *p_args[PLCUDA_NUM_ARGS];
	size_t		length;
	int			c, i = 0;
	PLCUDA_RESULT_TYPE retval;

	while ((c = getopt(argc, argv, "a:r:")) >= 0)
	{
		switch (c)
		{
			case 'a':
				plcuda_argbuf = plcuda_map_segment(optarg, &length, PROT_READ);
				break;
			case 'r':
				rseg_name = optarg;
				break;
			default:
				fprintf(stderr, "unknown option: %c\n", c);
				exit(2);
		}
	}
	if (argc - optind != PLCUDA_NUM_ARGS)
	{
		fprintf(stderr, "argument count mismatch\n");
		exit(2);
	}
	for (c = optind; c < argc; c++)
		p_args[i++] = plcuda_decode_arg(argv[c]);

	retval = plcuda_main(p_args);  /* a NULL result exits(1) inside */
	if (rseg_name)
	{
		struct stat stbuf;
		char   *rbuf;
		size_t	rlen;
		int		fdesc;

#if PLCUDA_RESULT_TYPBYVAL
		rlen = PLCUDA_RESULT_TYPLEN;
#else
		rlen = (PLCUDA_RESULT_TYPLEN > 0
				? PLCUDA_RESULT_TYPLEN
				: VARSIZE_ANY(retval));
#endif
		fdesc = shm_open(rseg_name, O_RDWR, 0600);
		if (fdesc < 0)
		{
			fprintf(stderr, "failed on shm_open('%s'): %m\n", rseg_name);
			exit(2);
		}
		if (fstat(fdesc, &stbuf) != 0)
		{
			fprintf(stderr, "failed on fstat('%s'): %m\n", rseg_name);
			exit(2);
		}
		/* the parent re-checks the segment size before reading, so a
		 * result larger than the initial sizing grows the segment */
		if (rlen > (size_t)stbuf.st_size && ftruncate(fdesc, rlen) != 0)
		{
			fprintf(stderr, "failed on ftruncate('%s'): %m\n", rseg_name);
			exit(2);
		}
		rbuf = (char *)mmap(NULL, rlen, PROT_READ | PROT_WRITE,
							MAP_SHARED, fdesc, 0);
		if (rbuf == MAP_FAILED)
		{
			fprintf(stderr, "failed on mmap('%s'): %m\n", rseg_name);
			exit(2);
		}
#if PLCUDA_RESULT_TYPBYVAL
		memcpy(rbuf, &retval, rlen);
#else
		memcpy(rbuf, (void *)retval, rlen);
#endif
		munmap(rbuf, rlen);
		close(fdesc);
	}
	return 0;
}
`
