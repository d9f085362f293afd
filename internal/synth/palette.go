package synth

// Palette and glyph tables are opaque per spec.md §1 ("the deterministic
// aesthetic/glyph tables... opaque palettes consumed by the synthesizer").
// gridkeep ships a placeholder table so the synthesizer has something to
// index into; the entries' actual values carry no invariant of their own.
var defaultBarChannels = []string{
	"ember", "verdigris", "cobalt", "umber", "opal", "ash", "crimson", "slate",
}

var defaultGlyphs = []string{
	"spiral", "lattice", "rune", "shard", "wave", "thorn", "prism", "knot",
}

// tarotCards is the opaque ordered string set referenced by spec.md §1 ("the
// tarot name list... an opaque ordered string set"). Each card also carries
// a short "meaning" used as an iterated entity's description (spec.md §4.3).
type tarotCard struct {
	Name    string
	Meaning string
}

var tarotDeck = []tarotCard{
	{"The Fool", "Beginnings without a map."},
	{"The Magician", "Will made manifest."},
	{"The High Priestess", "What is known but not yet said."},
	{"The Empress", "Growth finding its own shape."},
	{"The Emperor", "Order imposed on raw ground."},
	{"The Hierophant", "Tradition passed hand to hand."},
	{"The Lovers", "A choice that defines what follows."},
	{"The Chariot", "Momentum held on a single course."},
	{"Strength", "Quiet force over brute force."},
	{"The Hermit", "Withdrawal in search of a signal."},
	{"Wheel of Fortune", "A turn nobody ordered."},
	{"Justice", "Weight returned in kind."},
	{"The Hanged Man", "Suspension as a form of sight."},
	{"Death", "An ending that clears the ground."},
	{"Temperance", "Two things mixed until they are one."},
	{"The Devil", "A chain mistaken for a choice."},
	{"The Tower", "A structure that could not hold."},
	{"The Star", "A thin light after the collapse."},
	{"The Moon", "A path visible only in pieces."},
	{"The Sun", "Plain sight, nothing hidden."},
	{"Judgement", "A reckoning that was already due."},
	{"The World", "A cycle closing on itself."},
}
