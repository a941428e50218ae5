// Package wire prepares sync payloads for the network: it throttles movement
// samples, projects entities down to the fields a client needs and encodes
// messages into compact, reversible frames.
package wire

import (
	"bytes"
	"io"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/rotisserie/eris"
	"github.com/vmihailenco/msgpack/v5"
)

// Format selects the body encoding of a frame.
type Format uint8

const (
	FormatJSON Format = iota
	FormatMsgpack
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatMsgpack:
		return "msgpack"
	}
	return "unknown"
}

// ParseFormat maps a config value to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "json":
		return FormatJSON, nil
	case "msgpack":
		return FormatMsgpack, nil
	}
	return 0, eris.Wrapf(ErrUnknownFormat, "format %q", s)
}

// Compression selects the optional general-purpose compression of a frame.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	}
	return "unknown"
}

// ParseCompression maps a config value to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	}
	return 0, eris.Wrapf(ErrUnknownCompression, "compression %q", s)
}

var (
	ErrShortFrame         = eris.New("wire frame too short")
	ErrUnknownFormat      = eris.New("unknown wire format")
	ErrUnknownCompression = eris.New("unknown wire compression")
	ErrTokenTable         = eris.New("invalid token table")
)

// escape marks a key that must not be expanded on decode.
const escape = "~"

const maxDecodedFrame = 64 << 20

// DefaultTokens is the key vocabulary shortened on the wire.
func DefaultTokens() map[string]string {
	return map[string]string{
		"type":        "t",
		"data":        "d",
		"timestamp":   "ts",
		"fromVersion": "fv",
		"toVersion":   "tv",
		"version":     "v",
		"added":       "a",
		"updated":     "u",
		"removed":     "r",
		"changes":     "c",
		"rotation":    "rot",
		"health":      "hp",
		"maxHealth":   "mhp",
		"velocityX":   "vx",
		"velocityY":   "vy",
		"position":    "pos",
		"asteroids":   "ast",
		"players":     "pl",
		"entities":    "ent",
		"chunks":      "ch",
		"entityId":    "eid",
		"chunkId":     "cid",
		"samples":     "sm",
		"size":        "sz",
		"name":        "n",
		"score":       "sc",
		"boost":       "b",
	}
}

// CodecOptions configures a Codec.
type CodecOptions struct {
	Format      Format
	Compression Compression
	// CompressMinBytes is the body size below which compression is skipped.
	CompressMinBytes int
	// Tokens maps long keys to their wire form. Nil selects DefaultTokens.
	Tokens map[string]string
}

// DefaultCodecOptions returns compact JSON with zstd above 512 bytes.
func DefaultCodecOptions() CodecOptions {
	return CodecOptions{
		Format:           FormatJSON,
		Compression:      CompressionZstd,
		CompressMinBytes: 512,
	}
}

// Codec turns arbitrary JSON-shaped values into frames and back. A frame is a
// header byte (format<<4 | compression) followed by the body. Keys are
// shortened through the token table; a key that collides with a token, or
// that starts with the escape prefix, is sent escaped so the renaming stays
// invertible for any input.
type Codec struct {
	opts    CodecOptions
	toShort map[string]string
	toLong  map[string]string

	zenc *zstd.Encoder
	zdec *zstd.Decoder
}

// NewCodec validates the token table and prepares the compressors.
func NewCodec(opts CodecOptions) (*Codec, error) {
	if opts.Tokens == nil {
		opts.Tokens = DefaultTokens()
	}
	if opts.Format > FormatMsgpack {
		return nil, eris.Wrapf(ErrUnknownFormat, "format %d", opts.Format)
	}
	if opts.Compression > CompressionLZ4 {
		return nil, eris.Wrapf(ErrUnknownCompression, "compression %d", opts.Compression)
	}

	c := &Codec{
		opts:    opts,
		toShort: make(map[string]string, len(opts.Tokens)),
		toLong:  make(map[string]string, len(opts.Tokens)),
	}
	longs := make([]string, 0, len(opts.Tokens))
	for long := range opts.Tokens {
		longs = append(longs, long)
	}
	sort.Strings(longs)
	for _, long := range longs {
		short := opts.Tokens[long]
		switch {
		case short == "" || long == "":
			return nil, eris.Wrapf(ErrTokenTable, "empty token for %q", long)
		case strings.HasPrefix(short, escape):
			return nil, eris.Wrapf(ErrTokenTable, "token %q uses the escape prefix", short)
		}
		if prev, dup := c.toLong[short]; dup {
			return nil, eris.Wrapf(ErrTokenTable, "token %q used by %q and %q", short, prev, long)
		}
		c.toShort[long] = short
		c.toLong[short] = long
	}

	var err error
	if opts.Compression == CompressionZstd {
		if c.zenc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest)); err != nil {
			return nil, eris.Wrap(err, "zstd encoder")
		}
	}
	// The decoder is always available so frames from any peer can be read.
	if c.zdec, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedFrame)); err != nil {
		return nil, eris.Wrap(err, "zstd decoder")
	}
	return c, nil
}

// Close releases the compressor state.
func (c *Codec) Close() {
	if c.zenc != nil {
		_ = c.zenc.Close()
	}
	if c.zdec != nil {
		c.zdec.Close()
	}
}

// Encode renders v as a frame.
func (c *Codec) Encode(v any) ([]byte, error) {
	frame, _, err := c.encode(v)
	return frame, err
}

// encode also returns the size of v as plain JSON, the baseline for
// bandwidth accounting.
func (c *Codec) encode(v any) ([]byte, int, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, 0, eris.Wrap(err, "marshal value")
	}
	var tree any
	if err := json.Unmarshal(plain, &tree); err != nil {
		return nil, len(plain), eris.Wrap(err, "normalise value")
	}
	tree = c.rename(tree, c.shorten)

	var body []byte
	switch c.opts.Format {
	case FormatMsgpack:
		body, err = msgpack.Marshal(tree)
	default:
		body, err = json.Marshal(tree)
	}
	if err != nil {
		return nil, len(plain), eris.Wrapf(err, "encode %s body", c.opts.Format)
	}

	comp := CompressionNone
	if c.opts.Compression != CompressionNone && len(body) >= c.opts.CompressMinBytes {
		packed, err := c.compress(c.opts.Compression, body)
		if err != nil {
			return nil, len(plain), err
		}
		if len(packed) < len(body) {
			body, comp = packed, c.opts.Compression
		}
	}

	frame := make([]byte, 0, len(body)+1)
	frame = append(frame, byte(c.opts.Format)<<4|byte(comp))
	frame = append(frame, body...)
	return frame, len(plain), nil
}

// Decode reverses Encode. Frames that start with '{' or '[' are plain JSON
// sent without a header and are decoded as is.
func (c *Codec) Decode(frame []byte) (any, error) {
	if len(frame) == 0 {
		return nil, ErrShortFrame
	}
	if frame[0] == '{' || frame[0] == '[' {
		var tree any
		if err := json.Unmarshal(frame, &tree); err != nil {
			return nil, eris.Wrap(err, "decode plain json")
		}
		return tree, nil
	}

	format := Format(frame[0] >> 4)
	comp := Compression(frame[0] & 0x0f)
	body := frame[1:]
	if comp != CompressionNone {
		var err error
		if body, err = c.decompress(comp, body); err != nil {
			return nil, err
		}
	}

	var tree any
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(body, &tree); err != nil {
			return nil, eris.Wrap(err, "decode json body")
		}
	case FormatMsgpack:
		if err := msgpack.Unmarshal(body, &tree); err != nil {
			return nil, eris.Wrap(err, "decode msgpack body")
		}
	default:
		return nil, eris.Wrapf(ErrUnknownFormat, "header %#x", frame[0])
	}
	return c.rename(tree, c.expand), nil
}

// DecodeInto decodes a frame into a typed value.
func (c *Codec) DecodeInto(frame []byte, out any) error {
	tree, err := c.Decode(frame)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(tree)
	if err != nil {
		return eris.Wrap(err, "re-marshal decoded frame")
	}
	return eris.Wrap(json.Unmarshal(raw, out), "unmarshal decoded frame")
}

func (c *Codec) shorten(key string) string {
	if short, ok := c.toShort[key]; ok {
		return short
	}
	if _, clash := c.toLong[key]; clash || strings.HasPrefix(key, escape) {
		return escape + key
	}
	return key
}

func (c *Codec) expand(key string) string {
	if strings.HasPrefix(key, escape) {
		return key[len(escape):]
	}
	if long, ok := c.toLong[key]; ok {
		return long
	}
	return key
}

func (c *Codec) rename(v any, fn func(string) string) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fn(k)] = c.rename(e, fn)
		}
		return out
	case []any:
		for i, e := range t {
			t[i] = c.rename(e, fn)
		}
		return t
	}
	return v
}

func (c *Codec) compress(comp Compression, body []byte) ([]byte, error) {
	switch comp {
	case CompressionZstd:
		if c.zenc == nil {
			return nil, eris.New("zstd encoder not configured")
		}
		return c.zenc.EncodeAll(body, make([]byte, 0, len(body))), nil
	case CompressionLZ4:
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, eris.Wrap(err, "lz4 compress")
		}
		if err := zw.Close(); err != nil {
			return nil, eris.Wrap(err, "lz4 flush")
		}
		return buf.Bytes(), nil
	}
	return nil, eris.Wrapf(ErrUnknownCompression, "compression %d", comp)
}

func (c *Codec) decompress(comp Compression, body []byte) ([]byte, error) {
	switch comp {
	case CompressionZstd:
		out, err := c.zdec.DecodeAll(body, nil)
		if err != nil {
			return nil, eris.Wrap(err, "zstd decompress")
		}
		return out, nil
	case CompressionLZ4:
		zr := lz4.NewReader(bytes.NewReader(body))
		out, err := io.ReadAll(io.LimitReader(zr, maxDecodedFrame))
		if err != nil {
			return nil, eris.Wrap(err, "lz4 decompress")
		}
		return out, nil
	}
	return nil, eris.Wrapf(ErrUnknownCompression, "compression %d", comp)
}
