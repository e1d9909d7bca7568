package plcuda

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/axonlabs/gpu-bridge/internal/config"
	"github.com/axonlabs/gpu-bridge/internal/metrics"
)

// Builder compiles flat sources through a content-addressed filesystem
// cache. The cache key is (function id, source digest, compute capability),
// so a source change or a device upgrade compiles fresh while repeated
// invocations reuse the binary.
type Builder struct {
	compiler   string
	includeDir string
	cacheDir   string
	computeCap int
	log        *zap.Logger
}

func NewBuilder(cfg *config.Config, computeCap int, log *zap.Logger) *Builder {
	compiler := cfg.Compiler.BinaryPath
	if compiler == "" {
		compiler = "nvcc"
	}
	return &Builder{
		compiler:   compiler,
		includeDir: cfg.Compiler.IncludeDir,
		cacheDir:   cfg.Compiler.CacheDir,
		computeCap: computeCap,
		log:        log.Named("buildcache"),
	}
}

// sourceDigest is the stable content hash of a flat source.
func sourceDigest(source string) string {
	sum := md5.Sum([]byte(source))
	return hex.EncodeToString(sum[:])
}

// cachePath names the binary for one compile unit.
func (b *Builder) cachePath(funcID FuncID, digest string) string {
	return filepath.Join(b.cacheDir,
		fmt.Sprintf("plcuda_%d_%s_cc%d", funcID, digest, b.computeCap))
}

// EnsureBinary returns the path of the compiled binary for the given flat
// source, compiling it when the cache has no entry.
func (b *Builder) EnsureBinary(ctx context.Context, funcID FuncID, source string) (string, error) {
	digest := sourceDigest(source)
	command := b.cachePath(funcID, digest)

	if _, err := os.Stat(command); err == nil {
		metrics.CompileCacheHits.Inc()
		return command, nil
	} else if !os.IsNotExist(err) {
		return "", errors.Wrapf(err, "failed on stat('%s')", command)
	}
	metrics.CompileCacheMisses.Inc()

	if err := b.build(ctx, command, source); err != nil {
		return "", err
	}
	return command, nil
}

// build writes the source next to its target and invokes the toolchain.
func (b *Builder) build(ctx context.Context, command, source string) error {
	if err := os.MkdirAll(filepath.Dir(command), 0o700); err != nil {
		return errors.Wrap(err, "failed to create compile cache directory")
	}
	srcPath := command + ".cu"
	if err := os.WriteFile(srcPath, []byte(source), 0o600); err != nil {
		return errors.Wrapf(err, "failed to write source file '%s'", srcPath)
	}

	args := []string{
		fmt.Sprintf("--gpu-architecture=sm_%d", b.computeCap),
		"--default-stream=per-thread",
		"-I", b.includeDir,
		"-O2", "-std=c++11",
		"-o", command, srcPath,
	}
	start := time.Now()
	out, err := exec.CommandContext(ctx, b.compiler, args...).CombinedOutput()
	metrics.CompileDuration.Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return &CompileError{Log: string(out)}
		}
		return errors.Wrapf(err, "could not kick compiler '%s'", b.compiler)
	}
	if len(out) > 0 {
		b.log.Info("GPU code compilation log", zap.String("log", string(out)))
	}
	return nil
}
