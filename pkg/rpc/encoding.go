package rpc

import (
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/mr-tron/base58"
)

// Decoded payloads never exceed an executable file.
const maxDecodedSize = 4 * 1024 * 1024

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	})
	return zstdEnc, zstdDec, zstdErr
}

// EncodeData encodes data as a [payload, encoding] pair.
func EncodeData(data []byte, encoding Encoding) ([]string, error) {
	switch encoding {
	case EncodingBase58:
		return []string{base58.Encode(data), string(EncodingBase58)}, nil

	case EncodingBase64Zstd:
		compressed, err := compressZstd(data)
		if err != nil {
			return nil, fmt.Errorf("zstd compression failed: %w", err)
		}
		return []string{base64.StdEncoding.EncodeToString(compressed), string(EncodingBase64Zstd)}, nil

	default:
		return []string{base64.StdEncoding.EncodeToString(data), string(EncodingBase64)}, nil
	}
}

// DecodeData decodes a payload in the given encoding.
func DecodeData(encoded string, encoding Encoding) ([]byte, error) {
	switch encoding {
	case EncodingBase58:
		return base58.Decode(encoded)

	case EncodingBase64, "":
		return base64.StdEncoding.DecodeString(encoded)

	case EncodingBase64Zstd:
		compressed, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("base64 decode failed: %w", err)
		}
		return decompressZstd(compressed)

	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
}

// ParseEncoding parses an encoding name. Unknown names yield base64.
func ParseEncoding(s string) Encoding {
	switch s {
	case "base58":
		return EncodingBase58
	case "base64+zstd":
		return EncodingBase64Zstd
	default:
		return EncodingBase64
	}
}

func compressZstd(data []byte) ([]byte, error) {
	enc, _, err := zstdCodecs()
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(data, nil), nil
}

func decompressZstd(data []byte) ([]byte, error) {
	_, dec, err := zstdCodecs()
	if err != nil {
		return nil, err
	}
	return dec.DecodeAll(data, nil)
}
