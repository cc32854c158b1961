package image

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Marshal serializes an image to canonical CBOR. Equal images always encode
// to identical bytes.
func Marshal(img *Image) ([]byte, error) {
	return cborEncMode.Marshal(img)
}

// Unmarshal deserializes and validates an image.
func Unmarshal(data []byte) (*Image, error) {
	var img Image
	if err := cbor.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("image: unmarshal: %w", err)
	}
	if err := img.Validate(); err != nil {
		return nil, err
	}
	return &img, nil
}

// ReadFile loads an image from path.
func ReadFile(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("image: read %s: %w", path, err)
	}
	return Unmarshal(data)
}

// WriteFile stores img at path.
func WriteFile(path string, img *Image) error {
	data, err := Marshal(img)
	if err != nil {
		return fmt.Errorf("image: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("image: write %s: %w", path, err)
	}
	return nil
}
