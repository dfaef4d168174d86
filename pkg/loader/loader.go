// Package loader reads and writes tendril executable files.
//
// An executable file has the layout:
//
//	#!/usr/bin/env tendril run       optional hash bang line
//	{"name":"demo"}                  JSON headers object
//	\n                               separator
//	<memory image>                   to end of file
//
// The memory image is either exactly 65536 raw bytes or a zstd frame that
// decompresses to exactly 65536 bytes. A file that is exactly 65536 bytes
// long is read as a bare image with no hash bang and empty headers.
package loader

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/fortiblox/tendril/pkg/program"
)

// HeaderDigest holds the base58 SHA3-256 digest of the memory image.
const HeaderDigest = "tendril.digest"

// Errors.
var (
	ErrTooLarge         = errors.New("executable file too large")
	ErrInvalidHashBang  = errors.New("invalid hash bang")
	ErrInvalidHeaders   = errors.New("invalid headers")
	ErrMissingSeparator = errors.New("missing header separator")
	ErrInvalidImage     = errors.New("invalid memory image")
	ErrDigestMismatch   = errors.New("memory image digest mismatch")
)

// Maximum sizes.
const (
	MaxFileSize    = 4 * 1024 * 1024 // 4 MB max executable size
	maxDecodeBytes = 1 << 20
)

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodeBytes))
	})
	return encoder, decoder, codecErr
}

// Options controls Encode.
type Options struct {
	// Compress stores the memory image as a zstd frame, unless that would
	// make the file exactly one bare image long.
	Compress bool
	// Digest records the image digest in the headers.
	Digest bool
	// KeepHeaders writes the headers exactly as p carries them, including
	// any HeaderDigest. Digest is ignored.
	KeepHeaders bool
}

// Loader decodes executable files.
type Loader struct {
	// MaxFileSize bounds the accepted input size.
	MaxFileSize int
	// SkipDigest disables verification of HeaderDigest.
	SkipDigest bool
}

// NewLoader creates a loader with default limits.
func NewLoader() *Loader {
	return &Loader{MaxFileSize: MaxFileSize}
}

// Decode parses an executable file.
func (l *Loader) Decode(data []byte) (*program.Program, error) {
	if len(data) > l.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}

	if len(data) == program.StateSize {
		return program.New("", nil, data)
	}

	rest := data
	var hashBang string
	if bytes.HasPrefix(rest, []byte("#!")) {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			return nil, fmt.Errorf("%w: unterminated hash bang", ErrMissingSeparator)
		}
		hashBang = string(rest[:i])
		rest = rest[i+1:]
	}

	dec := json.NewDecoder(bytes.NewReader(rest))
	var headers program.Headers
	if err := dec.Decode(&headers); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeaders, err)
	}
	if headers == nil {
		return nil, fmt.Errorf("%w: headers must be an object", ErrInvalidHeaders)
	}

	rest = rest[dec.InputOffset():]
	if len(rest) == 0 || rest[0] != '\n' {
		return nil, ErrMissingSeparator
	}

	state, err := decodeImage(rest[1:])
	if err != nil {
		return nil, err
	}

	if !l.SkipDigest {
		if err := verifyDigest(headers, state); err != nil {
			return nil, err
		}
	}

	return program.New(hashBang, headers, state)
}

// Read decodes an executable from r.
func (l *Loader) Read(r io.Reader) (*program.Program, error) {
	data, err := io.ReadAll(io.LimitReader(r, int64(l.MaxFileSize)+1))
	if err != nil {
		return nil, fmt.Errorf("read executable: %w", err)
	}
	return l.Decode(data)
}

// Load decodes the executable file at path.
func (l *Loader) Load(path string) (*program.Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open executable: %w", err)
	}
	defer f.Close()

	p, err := l.Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Decode parses an executable file with default limits.
func Decode(data []byte) (*program.Program, error) {
	return NewLoader().Decode(data)
}

// Read decodes an executable from r with default limits.
func Read(r io.Reader) (*program.Program, error) {
	return NewLoader().Read(r)
}

// Load decodes the executable file at path with default limits.
func Load(path string) (*program.Program, error) {
	return NewLoader().Load(path)
}

func decodeImage(image []byte) ([]byte, error) {
	if len(image) == program.StateSize {
		return image, nil
	}
	if !bytes.HasPrefix(image, zstdMagic) {
		return nil, fmt.Errorf("%w: %d bytes, want %d or a zstd frame",
			ErrInvalidImage, len(image), program.StateSize)
	}

	_, dec, err := codecs()
	if err != nil {
		return nil, fmt.Errorf("zstd init: %w", err)
	}
	state, err := dec.DecodeAll(image, make([]byte, 0, program.StateSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if len(state) != program.StateSize {
		return nil, fmt.Errorf("%w: decompressed to %d bytes, want %d",
			ErrInvalidImage, len(state), program.StateSize)
	}
	return state, nil
}

func verifyDigest(headers program.Headers, state []byte) error {
	v, ok := headers[HeaderDigest]
	if !ok {
		return nil
	}
	want, ok := v.(string)
	if !ok {
		return fmt.Errorf("%w: %s must be a string", ErrInvalidHeaders, HeaderDigest)
	}
	got := program.DigestOf(state).String()
	if got != want {
		return fmt.Errorf("%w: got %s, header says %s", ErrDigestMismatch, got, want)
	}
	return nil
}

// Encode serializes p. Unless opts.KeepHeaders is set, a stale HeaderDigest
// carried by p is dropped or refreshed per opts.Digest.
func Encode(p *program.Program, opts Options) ([]byte, error) {
	hashBang := p.HashBang()
	if hashBang != "" && (!strings.HasPrefix(hashBang, "#!") || strings.ContainsRune(hashBang, '\n')) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHashBang, hashBang)
	}

	hdr := p.HeadersJSON()
	if !opts.KeepHeaders {
		headers := p.Headers()
		delete(headers, HeaderDigest)
		if opts.Digest {
			headers[HeaderDigest] = p.Digest().String()
		}
		var err error
		if hdr, err = json.Marshal(headers); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidHeaders, err)
		}
	}

	state := p.State()
	if opts.Compress {
		enc, _, err := codecs()
		if err != nil {
			return nil, fmt.Errorf("zstd init: %w", err)
		}
		// A framed file of exactly StateSize bytes would be read back as a
		// bare image. The raw framing is always longer.
		if data := frame(hashBang, hdr, enc.EncodeAll(state, nil)); len(data) != program.StateSize {
			return data, nil
		}
	}
	return frame(hashBang, hdr, state), nil
}

func frame(hashBang string, hdr, image []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(hashBang) + len(hdr) + len(image) + 2)
	if hashBang != "" {
		buf.WriteString(hashBang)
		buf.WriteByte('\n')
	}
	buf.Write(hdr)
	buf.WriteByte('\n')
	buf.Write(image)
	return buf.Bytes()
}

// Write encodes p to w.
func Write(w io.Writer, p *program.Program, opts Options) error {
	data, err := Encode(p, opts)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Save writes p to path. Files with a hash bang are made executable.
func Save(path string, p *program.Program, opts Options) error {
	data, err := Encode(p, opts)
	if err != nil {
		return err
	}
	mode := os.FileMode(0644)
	if p.HashBang() != "" {
		mode = 0755
	}
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("write executable: %w", err)
	}
	return nil
}
