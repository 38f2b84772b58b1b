// Package drm reverses the store's content protection: per-entry symmetric
// keys wrapped under a device/user-derived key, AES in ECB mode, PKCS#7
// padding. Removal rewrites the protected archive into a plain one of the
// same container format.
package drm

import (
	"archive/zip"
	"crypto/aes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/kobodl/kobodl/internal/errs"
)

// Remover holds the wrapping key derived for one (device, user) pair.
type Remover struct {
	key []byte
}

// NewRemover derives the wrapping key: the second half of the hexadecimal
// SHA-256 digest of deviceID+userID, decoded back to raw bytes.
func NewRemover(deviceID, userID string) *Remover {
	digest := sha256.Sum256([]byte(deviceID + userID))
	hexDigest := hex.EncodeToString(digest[:])
	key, _ := hex.DecodeString(hexDigest[32:])
	return &Remover{key: key}
}

// RemoveDrm copies the archive at inputPath to outputPath entry by entry.
// Entries named in contentKeys are decrypted; all others are copied verbatim,
// preserving names and relative order. Any cryptographic or structural
// failure surfaces as ErrDrmDecryptionFailed with no partial output kept.
func (r *Remover) RemoveDrm(inputPath, outputPath string, contentKeys map[string]string) error {
	in, err := zip.OpenReader(inputPath)
	if err != nil {
		return fmt.Errorf("%w: opening input archive: %v", errs.ErrDrmDecryptionFailed, err)
	}
	defer in.Close()

	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	outZip := zip.NewWriter(out)

	if err := r.rewrite(&in.Reader, outZip, contentKeys); err != nil {
		outZip.Close()
		out.Close()
		os.Remove(outputPath)
		return err
	}
	if err := outZip.Close(); err != nil {
		out.Close()
		os.Remove(outputPath)
		return err
	}
	return out.Close()
}

func (r *Remover) rewrite(in *zip.Reader, out *zip.Writer, contentKeys map[string]string) error {
	for _, f := range in.File {
		src, err := f.Open()
		if err != nil {
			return fmt.Errorf("%w: reading entry %s: %v", errs.ErrDrmDecryptionFailed, f.Name, err)
		}
		contents, err := io.ReadAll(src)
		src.Close()
		if err != nil {
			return fmt.Errorf("%w: reading entry %s: %v", errs.ErrDrmDecryptionFailed, f.Name, err)
		}

		if keyB64, ok := contentKeys[f.Name]; ok {
			contents, err = r.decryptContents(contents, keyB64)
			if err != nil {
				return fmt.Errorf("%w: entry %s: %v", errs.ErrDrmDecryptionFailed, f.Name, err)
			}
		}

		dst, err := out.Create(f.Name)
		if err != nil {
			return err
		}
		if _, err := dst.Write(contents); err != nil {
			return err
		}
	}
	return nil
}

// decryptContents unwraps the entry key with the device/user key, then
// decrypts the entry bytes with it. Both steps use the same cipher in direct
// (no-chaining) mode.
func (r *Remover) decryptContents(contents []byte, contentKeyB64 string) ([]byte, error) {
	wrappedKey, err := base64.StdEncoding.DecodeString(contentKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decoding content key: %v", err)
	}

	contentKey, err := decryptECB(r.key, wrappedKey)
	if err != nil {
		return nil, fmt.Errorf("unwrapping content key: %v", err)
	}

	plain, err := decryptECB(contentKey, contents)
	if err != nil {
		return nil, fmt.Errorf("decrypting contents: %v", err)
	}

	return unpadPKCS7(plain, aes.BlockSize)
}

func decryptECB(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(data))
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += block.BlockSize() {
		block.Decrypt(out[i:], data[i:])
	}
	return out, nil
}

func unpadPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, fmt.Errorf("invalid padding length %d", n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:len(data)-n], nil
}
