package plcuda

import (
	"fmt"
	"path/filepath"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/axonlabs/gpu-bridge/internal/metrics"
	"github.com/axonlabs/gpu-bridge/internal/pltype"
)

// shmDir is where named shared-memory objects live on Linux.
const shmDir = "/dev/shm"

// Segment is one named shared-memory object, owned by a single invocation.
// Its name is unique per invocation and it is unlinked on every return
// path.
type Segment struct {
	name string // shm name with the leading slash, handed to the child
	fd   int
	size int64
	buf  []byte
	gone bool
}

// createSegment creates an exclusively named segment of the given size and
// maps it writable. kind distinguishes argbuf from result in the name.
func createSegment(funcID FuncID, kind string, size int64) (*Segment, error) {
	var (
		name string
		fd   int
		err  error
	)
	for {
		name = fmt.Sprintf("/.plcuda_%d_%s.%s.dat", funcID, kind, shortuuid.New())
		fd, err = unix.Open(filepath.Join(shmDir, name),
			unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, 0o600)
		if err == nil {
			break
		}
		if err == unix.EEXIST {
			continue
		}
		return nil, errors.Wrapf(err, "failed on shm_open('%s')", name)
	}

	seg := &Segment{name: name, fd: fd, size: size}
	if err := unix.Ftruncate(fd, size); err != nil {
		seg.Close()
		return nil, errors.Wrapf(err, "failed on ftruncate('%s')", name)
	}
	seg.buf, err = unix.Mmap(fd, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		seg.Close()
		return nil, errors.Wrapf(err, "failed on mmap('%s')", name)
	}
	metrics.SegmentBytes.WithLabelValues(kind).Observe(float64(size))
	return seg, nil
}

// Name is the shm name the child passes to shm_open.
func (s *Segment) Name() string { return s.name }

// Bytes is the current writable mapping.
func (s *Segment) Bytes() []byte { return s.buf }

// MapReadOnly drops the current mapping and remaps the segment read-only at
// its current size (the child may have grown it).
func (s *Segment) MapReadOnly() ([]byte, error) {
	s.unmap()
	var st unix.Stat_t
	if err := unix.Fstat(s.fd, &st); err != nil {
		return nil, errors.Wrapf(err, "failed on fstat('%s')", s.name)
	}
	buf, err := unix.Mmap(s.fd, 0, int(st.Size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "failed on mmap('%s')", s.name)
	}
	s.buf = buf
	s.size = st.Size
	return buf, nil
}

func (s *Segment) unmap() {
	if s.buf != nil {
		_ = unix.Munmap(s.buf)
		s.buf = nil
	}
}

// Close unmaps, closes and unlinks the segment. Idempotent; the first
// error wins but every step still runs.
func (s *Segment) Close() error {
	if s.gone {
		return nil
	}
	s.gone = true
	var firstErr error
	s.unmap()
	if err := unix.Close(s.fd); err != nil && firstErr == nil {
		firstErr = errors.Wrapf(err, "failed on close('%s')", s.name)
	}
	if err := unix.Unlink(filepath.Join(shmDir, s.name)); err != nil && firstErr == nil {
		firstErr = errors.Wrapf(err, "failed on shm_unlink('%s')", s.name)
	}
	return firstErr
}

// encodeArguments renders the child's argument tokens and, when any
// argument is passed by reference, creates the argument segment holding
// maximally aligned copies in argument order.
func encodeArguments(fn *Function, args []Argument) ([]string, *Segment, error) {
	if len(args) != len(fn.ArgTypes) {
		return nil, nil, errors.Errorf("function %s takes %d arguments, got %d",
			fn.Name, len(fn.ArgTypes), len(args))
	}

	tokens := make([]string, len(args))
	offsets := make([]int64, len(args))
	var required int64
	for i, arg := range args {
		info, err := pltype.Lookup(fn.ArgTypes[i])
		if err != nil {
			return nil, nil, err
		}
		offsets[i] = required
		switch {
		case arg.Null:
			tokens[i] = "__null__"
		case fn.ArgTypes[i] == pltype.GStore:
			tokens[i] = "g:" + fmt.Sprintf("%x", arg.Handle)
		case info.ByVal:
			tokens[i] = fmt.Sprintf("v:%x", uint64(arg.Value))
		case info.Len > 0:
			tokens[i] = fmt.Sprintf("r:%x", required)
			required += pltype.AlignUp(int64(info.Len), pltype.MaxAlign)
		case info.Len == pltype.VarLen:
			size, err := pltype.VarlenaSize(arg.Bytes)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "argument %d of %s", i+1, fn.Name)
			}
			tokens[i] = fmt.Sprintf("r:%x", required)
			required += pltype.AlignUp(int64(size), pltype.MaxAlign)
		default:
			return nil, nil, errors.Errorf("data type is not suitable for GPU code: %s",
				pltype.Name(fn.ArgTypes[i]))
		}
	}
	if required == 0 {
		return tokens, nil, nil // no argument buffer is needed
	}

	seg, err := createSegment(fn.ID, "argbuf", required)
	if err != nil {
		return nil, nil, err
	}
	buf := seg.Bytes()
	for i, arg := range args {
		if arg.Null || fn.ArgTypes[i] == pltype.GStore {
			continue
		}
		info, _ := pltype.Lookup(fn.ArgTypes[i])
		if info.ByVal {
			continue
		}
		n := int(info.Len)
		if info.Len == pltype.VarLen {
			n, _ = pltype.VarlenaSize(arg.Bytes)
		}
		copy(buf[offsets[i]:], arg.Bytes[:n])
	}
	return tokens, seg, nil
}
