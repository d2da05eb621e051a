// Package chunk stores function prototypes as CBOR files. A chunk pairs
// the main prototype with a content hash of its canonical encoding so a
// damaged or edited file is rejected before it reaches the runtime.
package chunk

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"

	"github.com/chazu/lumen/vm"
	"github.com/fxamacker/cbor/v2"
)

// Version is the chunk format version written by Marshal.
const Version = 1

// Chunk is the on-disk form of a main prototype.
type Chunk struct {
	Version uint8         `cbor:"1,keyasint"`
	Hash    [32]byte      `cbor:"2,keyasint"`
	Main    *vm.Prototype `cbor:"3,keyasint"`
}

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("chunk: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Hash returns the content hash of p: the SHA-256 of its canonical CBOR
// encoding. Equal prototypes hash equally.
func Hash(p *vm.Prototype) ([32]byte, error) {
	data, err := encMode.Marshal(p)
	if err != nil {
		return [32]byte{}, fmt.Errorf("chunk: encode prototype: %w", err)
	}
	return sha256.Sum256(data), nil
}

// Marshal verifies p and encodes it as a chunk.
func Marshal(p *vm.Prototype) ([]byte, error) {
	if err := p.Verify(); err != nil {
		return nil, fmt.Errorf("chunk: %w", err)
	}
	h, err := Hash(p)
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(&Chunk{Version: Version, Hash: h, Main: p})
}

// Unmarshal decodes a chunk, checks its version and hash, and verifies the
// prototype.
func Unmarshal(data []byte) (*vm.Prototype, error) {
	var c Chunk
	if err := cbor.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("chunk: unmarshal: %w", err)
	}
	if c.Version != Version {
		return nil, fmt.Errorf("chunk: unsupported version %d (want %d)", c.Version, Version)
	}
	if c.Main == nil {
		return nil, fmt.Errorf("chunk: no main prototype")
	}
	computed, err := Hash(c.Main)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(computed[:], c.Hash[:]) {
		return nil, fmt.Errorf("chunk: hash mismatch: declared %x, computed %x", c.Hash[:8], computed[:8])
	}
	if err := c.Main.Verify(); err != nil {
		return nil, fmt.Errorf("chunk: %w", err)
	}
	return c.Main, nil
}

// WriteFile encodes p into the named file.
func WriteFile(path string, p *vm.Prototype) error {
	data, err := Marshal(p)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("chunk: %w", err)
	}
	return nil
}

// ReadFile decodes the chunk in the named file.
func ReadFile(path string) (*vm.Prototype, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("chunk: %w", err)
	}
	p, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}
