package processor

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

type Hasher struct {
	algorithm string
}

func NewHasher(algorithm string) *Hasher {
	return &Hasher{algorithm: strings.ToLower(algorithm)}
}

// ComputeHash hashes the listed fields in order. Missing fields hash as empty.
func (h *Hasher) ComputeHash(values map[string]interface{}, fields []string) (string, error) {
	if len(fields) == 0 {
		return "", fmt.Errorf("no fields specified for hashing")
	}

	var builder strings.Builder
	for _, field := range fields {
		val, exists := values[field]
		if !exists || val == nil {
			val = ""
		}
		fmt.Fprintf(&builder, "%v|", val)
	}
	input := []byte(builder.String())

	switch h.algorithm {
	case "sha256":
		sum := sha256.Sum256(input)
		return hex.EncodeToString(sum[:]), nil
	case "sha1":
		sum := sha1.Sum(input)
		return hex.EncodeToString(sum[:]), nil
	default:
		sum := md5.Sum(input)
		return hex.EncodeToString(sum[:]), nil
	}
}
