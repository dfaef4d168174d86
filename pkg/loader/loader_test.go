package loader

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fortiblox/tendril/pkg/program"
)

func testProgram(t *testing.T, hashBang string) *program.Program {
	t.Helper()
	state := make([]byte, program.StateSize)
	state[0] = 0x08
	for i := 8; i < 64; i++ {
		state[i] = byte(i)
	}
	p, err := program.New(hashBang, program.Headers{"name": "demo", "version": 2}, state)
	if err != nil {
		t.Fatalf("program.New() failed: %v", err)
	}
	return p
}

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name     string
		hashBang string
		opts     Options
	}{
		{"raw", "", Options{}},
		{"compressed", "", Options{Compress: true}},
		{"hash bang", "#!/usr/bin/env tendril run", Options{}},
		{"digest", "#!tendril", Options{Compress: true, Digest: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testProgram(t, tt.hashBang)

			data, err := Encode(p, tt.opts)
			if err != nil {
				t.Fatalf("Encode() failed: %v", err)
			}
			if tt.opts.Compress && len(data) >= program.StateSize {
				t.Errorf("compressed file is %d bytes", len(data))
			}

			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode() failed: %v", err)
			}
			if got.HashBang() != tt.hashBang {
				t.Errorf("HashBang() = %q, want %q", got.HashBang(), tt.hashBang)
			}
			if !bytes.Equal(got.State(), p.State()) {
				t.Error("State() differs after round trip")
			}
			if v, _ := got.Header("name"); v != "demo" {
				t.Errorf("Header(name) = %v, want demo", v)
			}
			_, hasDigest := got.Header(HeaderDigest)
			if hasDigest != tt.opts.Digest {
				t.Errorf("digest header present = %v, want %v", hasDigest, tt.opts.Digest)
			}
		})
	}
}

func TestDecodeBareImage(t *testing.T) {
	state := make([]byte, program.StateSize)
	state[0] = '#'
	state[1] = '!'

	p, err := Decode(state)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if p.HashBang() != "" || len(p.Headers()) != 0 {
		t.Errorf("bare image decoded with hash bang %q, headers %v", p.HashBang(), p.Headers())
	}
	if !bytes.Equal(p.State(), state) {
		t.Error("State() differs from bare image")
	}
}

func TestEncodeAvoidsBareImageLength(t *testing.T) {
	state := make([]byte, program.StateSize)
	state[0] = 0x08
	state[8] = 0x01

	build := func(pad int) *program.Program {
		p, err := program.New("#!tendril", program.Headers{"pad": strings.Repeat("x", pad)}, state)
		if err != nil {
			t.Fatalf("program.New() failed: %v", err)
		}
		return p
	}

	short, err := Encode(build(0), Options{Compress: true})
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	p := build(program.StateSize - len(short))

	data, err := Encode(p, Options{Compress: true})
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	if len(data) == program.StateSize {
		t.Fatalf("Encode() produced %d bytes", len(data))
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if got.ID() != p.ID() {
		t.Errorf("ID() = %v, want %v", got.ID(), p.ID())
	}
	if got.HashBang() != "#!tendril" {
		t.Errorf("HashBang() = %q", got.HashBang())
	}
}

func TestDecodePrettyHeaders(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("#!tendril\n{\n  \"name\": \"pretty\",\n  \"n\": [1, 2]\n}\n")
	buf.Write(make([]byte, program.StateSize))

	p, err := Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if v, _ := p.Header("name"); v != "pretty" {
		t.Errorf("Header(name) = %v, want pretty", v)
	}
}

func TestDecodeErrors(t *testing.T) {
	image := make([]byte, program.StateSize)

	frame := func(head string, img []byte) []byte {
		return append([]byte(head), img...)
	}

	digestProgram := testProgram(t, "")
	withDigest, err := Encode(digestProgram, Options{Digest: true})
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	// Flip one image byte.
	withDigest[len(withDigest)-1] ^= 0xFF

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"too large", make([]byte, MaxFileSize+1), ErrTooLarge},
		{"unterminated hash bang", []byte("#!tendril"), ErrMissingSeparator},
		{"not json", frame("hello\n", image), ErrInvalidHeaders},
		{"array headers", frame("[1,2]\n", image), ErrInvalidHeaders},
		{"null headers", frame("null\n", image), ErrInvalidHeaders},
		{"no separator", frame("{}", image), ErrMissingSeparator},
		{"wrong separator", frame("{} ", image), ErrMissingSeparator},
		{"short image", frame("{}\n", image[:100]), ErrInvalidImage},
		{"long image", frame("{}\n", append(image, 0)), ErrInvalidImage},
		{"corrupt zstd", frame("{}\n", append(append([]byte(nil), zstdMagic...), 1, 2, 3)), ErrInvalidImage},
		{"digest mismatch", withDigest, ErrDigestMismatch},
		{"digest not string", frame(`{"tendril.digest":1}`+"\n", image), ErrInvalidHeaders},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("Decode() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSkipDigest(t *testing.T) {
	data, err := Encode(testProgram(t, ""), Options{Digest: true})
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	data[len(data)-1] ^= 0xFF

	l := NewLoader()
	l.SkipDigest = true
	if _, err := l.Decode(data); err != nil {
		t.Errorf("Decode() with SkipDigest failed: %v", err)
	}
}

func TestEncodeDropsStaleDigest(t *testing.T) {
	p := testProgram(t, "")
	derived, err := p.Derive(make([]byte, program.StateSize), program.Headers{HeaderDigest: p.Digest().String()})
	if err != nil {
		t.Fatalf("Derive() failed: %v", err)
	}

	data, err := Encode(derived, Options{})
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	if _, err := Decode(data); err != nil {
		t.Errorf("Decode() failed on re-encoded derived program: %v", err)
	}
}

func TestEncodeKeepHeaders(t *testing.T) {
	p := testProgram(t, "")
	stale, err := p.Derive(p.State(), program.Headers{HeaderDigest: "stale"})
	if err != nil {
		t.Fatalf("Derive() failed: %v", err)
	}

	data, err := Encode(stale, Options{Compress: true, KeepHeaders: true})
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	if _, err := Decode(data); !errors.Is(err, ErrDigestMismatch) {
		t.Errorf("Decode() error = %v, want ErrDigestMismatch", err)
	}

	l := NewLoader()
	l.SkipDigest = true
	got, err := l.Decode(data)
	if err != nil {
		t.Fatalf("Decode() with SkipDigest failed: %v", err)
	}
	if got.ID() != stale.ID() {
		t.Errorf("ID() = %s, want %s", got.ID(), stale.ID())
	}
}

func TestEncodeRejectsBadHashBang(t *testing.T) {
	for _, hb := range []string{"tendril", "#!a\nb"} {
		p := testProgram(t, hb)
		if _, err := Encode(p, Options{}); !errors.Is(err, ErrInvalidHashBang) {
			t.Errorf("Encode(%q) error = %v, want ErrInvalidHashBang", hb, err)
		}
	}
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.tdl")
	p := testProgram(t, "#!/usr/bin/env tendril run")

	if err := Save(path, p, Options{Compress: true}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() failed: %v", err)
	}
	if info.Mode().Perm()&0100 == 0 {
		t.Errorf("file mode = %v, want executable", info.Mode())
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if got.ID() != p.ID() {
		t.Errorf("ID() = %s, want %s", got.ID(), p.ID())
	}

	if _, err := Load(filepath.Join(dir, "missing")); err == nil {
		t.Error("Load() of missing file should fail")
	}
}

func TestReadWrite(t *testing.T) {
	p := testProgram(t, "")
	var buf bytes.Buffer
	if err := Write(&buf, p, Options{}); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("file starts with %q, want headers", buf.String()[:1])
	}

	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if got.ID() != p.ID() {
		t.Errorf("ID() = %s, want %s", got.ID(), p.ID())
	}
}
