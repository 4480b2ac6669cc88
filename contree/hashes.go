package contree

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

// SHA256Hash returns the lowercase hex SHA-256 digest of data. This is the
// content address the service uses to deduplicate uploaded files.
func SHA256Hash(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

// SHA256HashStream hashes a reader without buffering it in memory.
func SHA256HashStream(reader io.Reader) (string, error) {
	hash := sha256.New()
	if _, err := io.Copy(hash, reader); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

// Base64Encode encodes binary content for storage in a JSON cache payload.
func Base64Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// Base64Decode is the inverse of Base64Encode.
func Base64Decode(encoded string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(encoded)
}
