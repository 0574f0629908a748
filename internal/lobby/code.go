package lobby

import (
	"strings"

	"github.com/google/uuid"
)

// CodeGenerator produces candidate lobby codes. Candidates may collide; the
// Directory checks each one before use.
type CodeGenerator interface {
	Generate() string
}

// CodeGeneratorFunc adapts a plain function into a CodeGenerator.
type CodeGeneratorFunc func() string

// Generate calls f.
func (f CodeGeneratorFunc) Generate() string { return f() }

// UUIDCodeGenerator truncates a random UUID to a short code.
type UUIDCodeGenerator struct {
	// Length is the number of characters kept, clamped to [1, 32].
	Length int
}

// Generate returns the first Length hex digits of a fresh v4 UUID.
func (g UUIDCodeGenerator) Generate() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	n := g.Length
	if n < 1 {
		n = 1
	}
	if n > len(hex) {
		n = len(hex)
	}
	return hex[:n]
}
