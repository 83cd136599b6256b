package intercept

import (
	"fmt"
	"runtime"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// Codec markers prefixed to every recorded segment.
const (
	codecZstd   byte = 'z'
	codecSnappy byte = 's'
)

// ZstdCompress compresses data with zstd, appending to dst.
func ZstdCompress(dst, data []byte) []byte {
	encOpts := []zstd.EOption{
		zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
	}
	if len(data) > 1024*1024*64 {
		encOpts = append(encOpts, zstd.WithEncoderConcurrency(max(1, runtime.NumCPU()/2)))
	}
	encoder, err := zstd.NewWriter(nil, encOpts...)
	if err != nil {
		panic(err) // only fails on invalid options
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, dst)
}

// ZstdDecompress decompresses zstd data, appending to dst.
func ZstdDecompress(dst, data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, dst)
}

// SnappyCompress compresses data in the snappy block format, favouring speed over ratio.
func SnappyCompress(dst, data []byte) []byte {
	return s2.EncodeSnappyBetter(dst, data)
}

func SnappyDecompress(dst, data []byte) ([]byte, error) {
	return snappy.Decode(dst, data)
}

// compressSegment compresses a recorded segment, prefixing the codec marker.
func compressSegment(codec byte, data []byte) []byte {
	dst := []byte{codec}
	if codec == codecSnappy {
		return append(dst, SnappyCompress(nil, data)...)
	}
	return ZstdCompress(dst, data)
}

func decompressSegment(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("empty segment")
	}
	switch blob[0] {
	case codecZstd:
		return ZstdDecompress(nil, blob[1:])
	case codecSnappy:
		return SnappyDecompress(nil, blob[1:])
	default:
		return nil, fmt.Errorf("unknown segment codec %q", blob[0])
	}
}

func parseCodec(name string) (byte, error) {
	switch name {
	case "", "zstd":
		return codecZstd, nil
	case "snappy":
		return codecSnappy, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}
