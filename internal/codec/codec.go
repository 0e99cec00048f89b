// Package codec implements the per-tier compression policy: young stores
// uncompressed, mature uses LZ4, old/archive use ZSTD. See spec §4.3.
//
// Every encoded blob carries a one-byte tag identifying the codec used to
// produce it. decode refuses to run a codec other than the tag's codec —
// a mismatch is a CorruptRecord, never a silent best-effort decode.
package codec

import (
	"fmt"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/types"
)

// tag values stored as the first byte of every encoded blob.
const (
	tagNone byte = 0x00
	tagLZ4  byte = 0x01
	tagZstd byte = 0x02
)

// CodecForTier returns the compression policy mandated for a tier (spec §4.6
// table: young=none, mature=lz4, old/archive=zstd).
func CodecForTier(tier types.Tier) types.CompressionType {
	switch tier {
	case types.TierYoung:
		return types.CompressionNone
	case types.TierMature:
		return types.CompressionLZ4
	case types.TierOld, types.TierArchive:
		return types.CompressionZstd
	default:
		return types.CompressionNone
	}
}

// Encode compresses payload per the tier's mandated codec and returns the
// tagged blob plus the compression type applied.
func Encode(payload []byte, tier types.Tier) ([]byte, types.CompressionType, error) {
	ct := CodecForTier(tier)
	body, err := encodeWith(ct, payload)
	if err != nil {
		return nil, "", err
	}
	return append([]byte{tagFor(ct)}, body...), ct, nil
}

// Decode reverses Encode. It is an error to decode with a compressionType
// that doesn't match the blob's own tag byte (spec §4.3: "The engine never
// decompresses with a codec different from the stored compression_type").
func Decode(blob []byte, compressionType types.CompressionType) ([]byte, error) {
	if len(blob) == 0 {
		return nil, types.NewError(types.CodeCorruptRecord, "empty blob", nil)
	}
	tag, body := blob[0], blob[1:]
	want := tagFor(compressionType)
	if tag != want {
		return nil, types.NewError(types.CodeCorruptRecord, "codec tag mismatch", map[string]any{
			"stored_tag": tag, "expected_tag": want, "compression_type": compressionType,
		})
	}
	return decodeWith(compressionType, body)
}

func tagFor(ct types.CompressionType) byte {
	switch ct {
	case types.CompressionNone:
		return tagNone
	case types.CompressionLZ4:
		return tagLZ4
	case types.CompressionZstd:
		return tagZstd
	default:
		return tagNone
	}
}

func encodeWith(ct types.CompressionType, payload []byte) ([]byte, error) {
	switch ct {
	case types.CompressionNone:
		return payload, nil
	case types.CompressionLZ4:
		return lz4Compress(payload)
	case types.CompressionZstd:
		return zstdCompress(payload)
	default:
		return nil, fmt.Errorf("codec: unknown compression type %q", ct)
	}
}

func decodeWith(ct types.CompressionType, body []byte) ([]byte, error) {
	switch ct {
	case types.CompressionNone:
		return body, nil
	case types.CompressionLZ4:
		return lz4Decompress(body)
	case types.CompressionZstd:
		return zstdDecompress(body)
	default:
		return nil, types.NewError(types.CodeCorruptRecord, fmt.Sprintf("unknown compression type %q", ct), nil)
	}
}
