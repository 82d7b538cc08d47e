package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// CompressionThreshold is the minimum payload size before compression is
	// considered. Below 2KB the zstd overhead is not worth it.
	CompressionThreshold = 2048

	// MaxPayloadSize is the maximum allowed uncompressed job payload size.
	MaxPayloadSize = 10 * 1024 * 1024 // 10MB

	// MaxDecompressedSize is the hard cap during decompression to prevent
	// compression bombs.
	MaxDecompressedSize = 10 * 1024 * 1024 // 10MB

	encodingIdentity = "identity"
	encodingZstd     = "zstd"
)

var (
	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrDecompressionBomb is returned when decompressed size exceeds limit.
	ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")

	// ErrCorrupted is returned when payload digest verification fails.
	ErrCorrupted = errors.New("payload digest mismatch")
)

// envelope is the stored representation of a job. The payload travels
// separately from the metadata so it can be compressed and integrity-checked
// independently of status updates.
type envelope struct {
	Job      Job    `json:"job"`
	Encoding string `json:"encoding"`
	Digest   string `json:"digest,omitempty"`
	Size     uint64 `json:"size"`
	Body     []byte `json:"body,omitempty"`
}

// Codec encodes job records with optional payload compression. Encoder and
// decoder are goroutine-safe and can be reused.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCodec creates a codec with pooled zstd encoder/decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// EncodeJob serializes a job for storage, compressing the payload when
// beneficial. The digest covers the original (uncompressed) payload.
func (c *Codec) EncodeJob(job *Job) ([]byte, error) {
	if len(job.Payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	env := envelope{
		Encoding: encodingIdentity,
		Size:     uint64(len(job.Payload)),
	}
	env.Job = *job
	env.Job.Payload = nil

	body := []byte(job.Payload)
	if len(body) > 0 {
		env.Digest = computeDigest(body)
	}

	if len(body) >= CompressionThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()
		if enc != nil {
			compressed := enc.EncodeAll(body, nil)
			if len(compressed) < len(body) {
				body = compressed
				env.Encoding = encodingZstd
			}
		}
	}
	env.Body = body

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding job: %w", err)
	}
	return data, nil
}

// DecodeJob deserializes a stored job record, decompressing and verifying
// the payload digest.
func (c *Codec) DecodeJob(data []byte) (*Job, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding job: %w", err)
	}

	body := env.Body
	switch env.Encoding {
	case encodingIdentity, "":
	case encodingZstd:
		if env.Size > MaxDecompressedSize {
			return nil, ErrDecompressionBomb
		}

		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}

		decompressed, err := dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
		if uint64(len(decompressed)) > MaxDecompressedSize {
			return nil, ErrDecompressionBomb
		}
		body = decompressed
	default:
		return nil, fmt.Errorf("unsupported encoding: %q", env.Encoding)
	}

	if env.Digest != "" && computeDigest(body) != env.Digest {
		return nil, ErrCorrupted
	}

	job := env.Job
	if len(body) > 0 {
		job.Payload = body
	}
	return &job, nil
}

// computeDigest computes a sha256 digest in canonical format.
func computeDigest(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}
