package fingerprint

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/Fybrk/dupfinder/internal/logging"
	"github.com/Fybrk/dupfinder/internal/metrics"
	"github.com/Fybrk/dupfinder/pkg/types"
)

const (
	DefaultBlockSize          = 1024
	DefaultPrefixBlocks       = 1
	DefaultSamplePercent      = 4.0
	DefaultSampleBytes        = 128
	DefaultLargeFileThreshold = 50 * 1024 * 1024

	compareBufferSize = 64 * 1024
)

// Options tunes the fingerprint depths. Zero values take the defaults.
type Options struct {
	BlockSize          int
	PrefixBlocks       int
	SamplePercent      float64
	SampleBytes        int
	LargeFileThreshold int64
	Logger             *zap.Logger
}

// Fingerprinter computes progressively deeper content digests.
type Fingerprinter struct {
	blockSize    int
	prefixBlocks int
	stride       int
	sampleBytes  int
	largeFile    int64
	log          *zap.Logger
}

func New(opts Options) *Fingerprinter {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.PrefixBlocks <= 0 {
		opts.PrefixBlocks = DefaultPrefixBlocks
	}
	if opts.SamplePercent <= 0 || opts.SamplePercent > 100 {
		opts.SamplePercent = DefaultSamplePercent
	}
	if opts.SampleBytes <= 0 {
		opts.SampleBytes = DefaultSampleBytes
	}
	if opts.LargeFileThreshold <= 0 {
		opts.LargeFileThreshold = DefaultLargeFileThreshold
	}

	stride := int(math.Round(100.0 / opts.SamplePercent))
	if stride < 1 {
		stride = 1
	}

	return &Fingerprinter{
		blockSize:    opts.BlockSize,
		prefixBlocks: opts.PrefixBlocks,
		stride:       stride,
		sampleBytes:  opts.SampleBytes,
		largeFile:    opts.LargeFileThreshold,
		log:          logging.OrNop(opts.Logger).Named("fingerprint"),
	}
}

// Stride returns the block interval used for sample digests.
func (f *Fingerprinter) Stride() int {
	return f.stride
}

// IsSmall reports whether a file of this size collapses to its prefix digest.
func (f *Fingerprinter) IsSmall(size int64) bool {
	return size <= int64(f.blockSize)
}

// IsLarge reports whether a file of this size never gets a true full digest.
func (f *Fingerprinter) IsLarge(size int64) bool {
	return size > f.largeFile
}

// EffectiveLevel is the deepest level worth computing for a file of this size.
func (f *Fingerprinter) EffectiveLevel(size int64, target types.DetailLevel) types.DetailLevel {
	if f.IsSmall(size) && target > types.LevelPrefix {
		return types.LevelPrefix
	}
	if f.IsLarge(size) && target > types.LevelSample {
		return types.LevelSample
	}
	return target
}

// Compute brings have up to at least target, returning the new checksums and
// the number of bytes read. Digests already present in have are kept. On an
// I/O error have is returned unchanged alongside the error.
func (f *Fingerprinter) Compute(path string, size int64, have types.Checksums, target types.DetailLevel) (types.Checksums, int64, error) {
	if target <= types.LevelSize || have.Level() >= target {
		return have, 0, nil
	}

	effective := f.EffectiveLevel(size, target)
	var (
		computed types.Checksums
		n        int64
		err      error
	)
	if have.Level() < effective {
		computed, n, err = f.hash(path, effective)
		if err != nil {
			metrics.RecordFingerprintError()
			f.log.Warn("Fingerprint failed",
				zap.String("path", path),
				zap.String("level", effective.String()),
				zap.Error(err))
			return have, n, err
		}
		metrics.RecordDigest(effective.String(), n)
	}

	result := have.Merge(computed)
	if f.IsSmall(size) {
		result.Sample = result.Prefix
		result.Full = result.Prefix
	} else if f.IsLarge(size) && target == types.LevelFull {
		result.Full = result.Sample
	}
	return result, n, nil
}

// hash reads the file once and fills every digest up to level.
func (f *Fingerprinter) hash(path string, level types.DetailLevel) (types.Checksums, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return types.Checksums{}, 0, err
	}
	defer file.Close()

	prefix := xxhash.New()
	var sample, full *xxhash.Digest
	if level >= types.LevelSample {
		sample = xxhash.New()
	}
	if level >= types.LevelFull {
		full = xxhash.New()
	}

	var sum types.Checksums
	var total int64
	buffer := make([]byte, f.blockSize)

	// A full digest needs every byte, so read straight through; otherwise
	// seek to the blocks the shallower digests need.
	sequential := full != nil
	var reader *bufio.Reader
	if sequential {
		reader = bufio.NewReaderSize(file, compareBufferSize)
	}

	for i := 0; ; i++ {
		inPrefix := i < f.prefixBlocks
		inSample := inPrefix || i%f.stride == 0

		if !sequential {
			if sample == nil && !inPrefix {
				break
			}
			if !inSample {
				continue
			}
		}

		var n int
		if sequential {
			n, err = io.ReadFull(reader, buffer)
		} else {
			n, err = file.ReadAt(buffer, int64(i)*int64(f.blockSize))
		}
		if n == 0 {
			if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return types.Checksums{}, total, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return types.Checksums{}, total, fmt.Errorf("failed to read %s: %w", path, err)
		}

		block := buffer[:n]
		total += int64(n)

		if i == 0 {
			sum.SampleBytes = bytes.Clone(block[:min(n, f.sampleBytes)])
		}
		if inPrefix {
			prefix.Write(block)
		}
		if sample != nil && inSample {
			sample.Write(block)
		}
		if full != nil {
			full.Write(block)
		}
		if n < len(buffer) {
			break
		}
	}

	if sum.SampleBytes == nil {
		sum.SampleBytes = []byte{}
	}
	sum.Prefix = coerce(prefix.Sum64())
	if sample != nil {
		sum.Sample = coerce(sample.Sum64())
	}
	if full != nil {
		sum.Full = coerce(full.Sum64())
	}
	return sum, total, nil
}

// Identical compares two files byte for byte.
func (f *Fingerprinter) Identical(a, b string) (bool, error) {
	same, err := f.identical(a, b)
	metrics.RecordComparison(same, err)
	if err != nil {
		f.log.Warn("Byte comparison failed",
			zap.String("a", a),
			zap.String("b", b),
			zap.Error(err))
	}
	return same, err
}

func (f *Fingerprinter) identical(a, b string) (bool, error) {
	fa, err := os.Open(a)
	if err != nil {
		return false, err
	}
	defer fa.Close()

	fb, err := os.Open(b)
	if err != nil {
		return false, err
	}
	defer fb.Close()

	bufA := make([]byte, compareBufferSize)
	bufB := make([]byte, compareBufferSize)
	for {
		na, errA := io.ReadFull(fa, bufA)
		nb, errB := io.ReadFull(fb, bufB)
		if !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false, nil
		}

		doneA, err := finished(errA)
		if err != nil {
			return false, fmt.Errorf("failed to read %s: %w", a, err)
		}
		doneB, err := finished(errB)
		if err != nil {
			return false, fmt.Errorf("failed to read %s: %w", b, err)
		}
		if doneA || doneB {
			return doneA == doneB, nil
		}
	}
}

func finished(err error) (bool, error) {
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true, nil
	default:
		return false, err
	}
}

// coerce keeps computed digests away from the undefined value.
func coerce(sum uint64) types.Digest {
	if sum == 0 {
		return 1
	}
	return types.Digest(sum)
}
