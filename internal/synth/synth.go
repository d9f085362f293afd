// Package synth implements C3: deterministic synthesis of "genesis" entities
// for empty cells, keyed only by (x, y, zone). Grounded on the teacher's own
// hash-seeded determinism idiom (ownworld.go:GetEfficiency and
// pkg/game/mechanics.go:GetEfficiency both derive a float from
// BLAKE3(inputs)); gridkeep follows the same "hash the coordinates, seed a
// PRNG, derive everything else from draws on that PRNG" shape, substituting
// the SHA-256 truncation spec.md §4.3 mandates for the seed itself.
package synth

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"
	"time"

	"gridkeep/internal/entity"
)

// Seed derives the 32-bit deterministic seed for (x, y, zone), per
// spec.md §4.3: seed = SHA-256("x:y:zone") truncated to 32 bits.
func Seed(x, y int64, zone int) uint32 {
	h := sha256.Sum256([]byte(fmt.Sprintf("%d:%d:%d", x, y, zone)))
	return binary.BigEndian.Uint32(h[:4])
}

// rngFor returns a math/rand source seeded deterministically from (x,y,zone).
// math/rand (not a third-party PRNG) is used because nothing in the pack
// reaches for one; the teacher's own derived-randomness helpers are all
// hash-to-float, which is what this mirrors at one remove.
func rngFor(x, y int64, zone int) *rand.Rand {
	return rand.New(rand.NewSource(int64(Seed(x, y, zone))))
}

// UUIDv4 draws 128 random bits from r and sets the version/variant bits per
// RFC 4122, so the same (x,y,zone) always synthesizes the same uuid.
func UUIDv4(r *rand.Rand) string {
	var b [16]byte
	r.Read(b[:])
	b[6] = (b[6] & 0x0f) | 0x40 // version 4
	b[8] = (b[8] & 0x3f) | 0x80 // variant 10xx
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

// Aesthetics draws the two sub-maps (bar channels, glyphs) with replacement
// from the palette/glyph tables, per spec.md §4.3.
func Aesthetics(r *rand.Rand) entity.Aesthetics {
	bar := make(map[string]string, 8)
	glyphs := make(map[string]string, 8)
	for i := 0; i < 8; i++ {
		bar[fmt.Sprintf("channel_%d", i)] = defaultBarChannels[r.Intn(len(defaultBarChannels))]
		glyphs[fmt.Sprintf("glyph_%d", i)] = defaultGlyphs[r.Intn(len(defaultGlyphs))]
	}
	return entity.Aesthetics{
		"bar":    bar,
		"glyphs": glyphs,
	}
}

// Genesis synthesizes the deterministic, unpersisted default entity for a
// cell per spec.md §3/§4.3: index=nil, iter=0, state=0 (void), minted=false,
// ownership=nil, exists=false.
func Genesis(x, y int64, zone int) entity.Entity {
	r := rngFor(x, y, zone)
	return entity.Entity{
		Index:       nil,
		Iter:        0,
		UUID:        UUIDv4(r),
		State:       entity.StateGenesis,
		Name:        "Void",
		Description: "Genesis",
		PositionX:   x,
		PositionY:   y,
		PositionZ:   zone,
		Aesthetics:  Aesthetics(r),
		Ownership:   nil,
		Minted:      false,
		Timestamp:   time.Now().Unix(),
		Exists:      false,
	}
}

// TarotCard returns the name and meaning at position n (mod deck length) of
// the deterministic shuffle of the tarot deck for (x, y, zone), per
// spec.md §4.3's "deterministic_shuffle(all_tarot_cards, 'x:y:z')[last_iter
// mod N]".
func TarotCard(x, y int64, zone int, n int64) (name, meaning string) {
	shuffled := deterministicShuffle(x, y, zone)
	idx := int(n % int64(len(shuffled)))
	if idx < 0 {
		idx += len(shuffled)
	}
	card := shuffled[idx]
	return card.Name, card.Meaning
}

// deterministicShuffle runs a Fisher-Yates shuffle of the tarot deck using
// the same seeded-RNG discipline as the rest of the package, so the same
// (x,y,zone) always yields the same ordering.
func deterministicShuffle(x, y int64, zone int) []tarotCard {
	r := rngFor(x, y, zone)
	out := make([]tarotCard, len(tarotDeck))
	copy(out, tarotDeck)
	for i := len(out) - 1; i > 0; i-- {
		j := r.Intn(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}
