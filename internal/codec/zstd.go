package codec

import (
	"github.com/klauspost/compress/zstd"
)

// zstdEncoder/zstdDecoder are cheap to construct and the klauspost package
// documents them as safe for concurrent use, so we keep one pair of
// singletons rather than allocate per call.
var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

func zstdCompress(payload []byte) ([]byte, error) {
	return zstdEncoder.EncodeAll(payload, nil), nil
}

func zstdDecompress(body []byte) ([]byte, error) {
	return zstdDecoder.DecodeAll(body, nil)
}
