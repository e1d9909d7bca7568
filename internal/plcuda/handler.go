package plcuda

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/axonlabs/gpu-bridge/internal/config"
	"github.com/axonlabs/gpu-bridge/internal/gpuctx"
	"github.com/axonlabs/gpu-bridge/internal/metrics"
	"github.com/axonlabs/gpu-bridge/internal/pltype"
)

// resultMinSize keeps the result segment at least one block wide so small
// fixed-width results and modest varlena carriers need no resize.
const resultMinSize = 8192

// Engine validates and executes GPU-language functions.
type Engine struct {
	catalog Catalog
	builder *Builder
	cfg     *config.Config
	log     *zap.Logger
}

func NewEngine(catalog Catalog, builder *Builder, cfg *config.Config, log *zap.Logger) *Engine {
	return &Engine{
		catalog: catalog,
		builder: builder,
		cfg:     cfg,
		log:     log.Named("plcuda"),
	}
}

// Validate checks a function at creation time: signature types, directive
// structure and helper references. Sources with include directives are not
// compiled here because helpers may change the code at run time; everything
// else is compiled once to surface toolchain errors early.
func (e *Engine) Validate(ctx context.Context, fn *Function) error {
	if !pltype.Supported(fn.ResultType) {
		return errors.Errorf("type %s is not supported for GPU code",
			pltype.Name(fn.ResultType))
	}
	for _, argType := range fn.ArgTypes {
		if !pltype.Supported(argType) {
			return errors.Errorf("type %s is not supported for GPU code",
				pltype.Name(argType))
		}
	}

	exp, err := expandFunction(fn, e.catalog, nil)
	if err != nil {
		return err
	}
	if exp.includeCount > 0 {
		e.log.Info("skipping compilation at creation time: " +
			"'#plcuda_include' may change the code at run time")
		return nil
	}
	source, err := makeFlatSource(fn, exp)
	if err != nil {
		return err
	}
	_, err = e.builder.EnsureBinary(ctx, fn.ID, source)
	return err
}

// Call runs one invocation end to end and materializes the scalar result
// into the caller's arena. Segments created for the invocation are
// unlinked on every return path.
func (e *Engine) Call(ctx context.Context, fn *Function, args []Argument, arena *gpuctx.Arena) (Value, error) {
	if e.cfg.Perfmon {
		start := time.Now()
		defer func() {
			metrics.TaskDuration.WithLabelValues("plcuda").Observe(float64(time.Since(start).Milliseconds()))
		}()
	}

	exp, err := expandFunction(fn, e.catalog, args)
	if err != nil {
		return Value{}, err
	}
	source, err := makeFlatSource(fn, exp)
	if err != nil {
		return Value{}, err
	}
	binary, err := e.builder.EnsureBinary(ctx, fn.ID, source)
	if err != nil {
		return Value{}, err
	}
	if e.cfg.DebugKernelSource {
		e.log.Info("generated source", zap.String("path", binary+".cu"))
	}

	tokens, argSeg, err := encodeArguments(fn, args)
	if err != nil {
		return Value{}, err
	}
	if argSeg != nil {
		defer e.closeSegment(argSeg)
	}

	// a set-returning function writes an array carrier, not a bare scalar
	resType := fn.ResultType
	if fn.ReturnsSet {
		resType = pltype.Bytea
	}
	info, err := pltype.Lookup(resType)
	if err != nil {
		return Value{}, err
	}
	resSize := int64(resultMinSize)
	if int64(info.Len) > resSize {
		resSize = int64(info.Len)
	}
	resSeg, err := createSegment(fn.ID, "result", resSize)
	if err != nil {
		return Value{}, err
	}
	defer e.closeSegment(resSeg)

	isnull, err := runChild(ctx, e.log, binary, argSeg, resSeg, tokens)
	if err != nil {
		return Value{}, err
	}
	if isnull {
		return Value{Null: true}, nil
	}

	buf, err := resSeg.MapReadOnly()
	if err != nil {
		return Value{}, err
	}
	return materializeScalar(resType, buf, arena)
}

// CallSet runs a set-returning invocation: the child produces an array
// carrier whose rows the returned walker yields. A null result returns a
// nil walker.
func (e *Engine) CallSet(ctx context.Context, fn *Function, args []Argument, arena *gpuctx.Arena) (*SetResult, error) {
	if !fn.ReturnsSet {
		return nil, errors.Errorf("function %s does not return a set", fn.Name)
	}
	value, err := e.Call(ctx, fn, args, arena)
	if err != nil {
		return nil, err
	}
	if value.Null {
		return nil, nil
	}
	return NewSetResult(value.Bytes, 0)
}

func (e *Engine) closeSegment(seg *Segment) {
	if err := seg.Close(); err != nil {
		e.log.Warn("failed to release shared-memory segment", zap.Error(err))
	}
}
