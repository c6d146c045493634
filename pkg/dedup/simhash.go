// Package dedup detects exact and near-duplicate text within a single scrape batch.
package dedup

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math/bits"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

const fingerprintBits = 64

// fold chains are not safe for concurrent use, so each caller takes one from the pool
var foldPool = sync.Pool{
	New: func() any {
		return transform.Chain(norm.NFKC, cases.Fold(), width.Fold)
	},
}

func fold(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ToValidUTF8(s, "")
	tr := foldPool.Get().(transform.Transformer)
	out, _, err := transform.String(tr, s)
	tr.Reset()
	foldPool.Put(tr)
	if err != nil {
		return strings.ToLower(s)
	}
	return out
}

// Tokenize splits text into case-folded words of at least two runes. Letters, digits,
// combining marks and underscores form words; everything else separates them, so CJK
// and Latin scripts are handled alike.
func Tokenize(text string) []string {
	words := strings.FieldsFunc(fold(text), func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r) || r == '_')
	})
	tokens := words[:0]
	for _, w := range words {
		if utf8.RuneCountInString(w) >= 2 {
			tokens = append(tokens, w)
		}
	}
	return tokens
}

// SimHash computes the 64-bit weighted-majority fingerprint of text.
// Text without tokens yields 0.
func SimHash(text string) uint64 {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return 0
	}

	var v [fingerprintBits]int
	for _, tok := range tokens {
		h := tokenHash(tok)
		for i := 0; i < fingerprintBits; i++ {
			if h&(1<<uint(i)) != 0 {
				v[i]++
			} else {
				v[i]--
			}
		}
	}

	var fp uint64
	for i := 0; i < fingerprintBits; i++ {
		if v[i] > 0 {
			fp |= 1 << uint(i)
		}
	}
	return fp
}

// tokenHash takes the low 64 bits of the token's MD5 digest.
func tokenHash(tok string) uint64 {
	sum := md5.Sum([]byte(tok))
	return binary.BigEndian.Uint64(sum[8:])
}

// HammingDistance counts differing bits between two fingerprints.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// ContentHash returns the exact-dedup key of text: whitespace removed, case folded,
// SHA-256, first 16 hex characters.
func ContentHash(text string) string {
	return digest(compact(text))
}

func compact(text string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, fold(text))
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}
