package classify

// Tag is the closed set of game states the loop reasons about.
type Tag string

const (
	TagTitleScreen     Tag = "TitleScreen"
	TagOverworld       Tag = "Overworld"
	TagBattle          Tag = "Battle"
	TagMenu            Tag = "Menu"
	TagDialog          Tag = "Dialog"
	TagSpecialLocation Tag = "SpecialLocation"
	TagVictory         Tag = "Victory"
	TagGameOver        Tag = "GameOver"
	TagUnknown         Tag = "Unknown"
)

// Classifier maps Facts onto a Tag using a fixed-priority rule table.
// First match wins; there is no scoring. The ordering matters: battle
// flags co-occur with menu and dialog flags (battle move selection sets
// both) so battle is checked first, and terminal states beat location
// rules so a blackout inside a gym still classifies as GameOver.
type Classifier struct {
	special map[string]struct{}
}

// New creates a classifier. specialLocations are map names that
// classify as SpecialLocation when no battle or terminal flag is set.
func New(specialLocations []string) *Classifier {
	special := make(map[string]struct{}, len(specialLocations))
	for _, loc := range specialLocations {
		special[loc] = struct{}{}
	}
	return &Classifier{special: special}
}

// Classify returns exactly one tag for any Facts value. It is a pure
// function: the same Facts always yield the same tag, and no input
// panics or errors; unclassifiable input is Unknown.
func (c *Classifier) Classify(f Facts) Tag {
	switch {
	case f.InBattle:
		return TagBattle
	case f.Victory:
		return TagVictory
	case f.PartyWiped:
		return TagGameOver
	case c.isSpecial(f.Location):
		return TagSpecialLocation
	case f.DialogOpen || (f.InputLocked && !f.MenuOpen):
		return TagDialog
	case f.MenuOpen:
		return TagMenu
	case f.TitleScreen:
		return TagTitleScreen
	case f.WorldLoaded:
		return TagOverworld
	default:
		return TagUnknown
	}
}

func (c *Classifier) isSpecial(location string) bool {
	if location == "" {
		return false
	}
	_, ok := c.special[location]
	return ok
}

// Debouncer suppresses single-tick classification flicker. A raw
// classification becomes the reported state only after it has been
// observed n consecutive times; until then the previous confirmed
// state stands. This tolerates transition artifacts like the one-frame
// menu flag during a battle intro animation.
type Debouncer struct {
	n         int
	confirmed Tag
	candidate Tag
	streak    int
}

// NewDebouncer creates a debouncer requiring n consecutive identical
// observations. n values below 1 are treated as 1 (no debouncing).
// The initial confirmed state is Unknown.
func NewDebouncer(n int) *Debouncer {
	if n < 1 {
		n = 1
	}
	return &Debouncer{n: n, confirmed: TagUnknown}
}

// Observe records one raw classification and returns the confirmed tag.
func (d *Debouncer) Observe(tag Tag) Tag {
	if tag == d.confirmed {
		d.candidate = ""
		d.streak = 0
		return d.confirmed
	}

	if tag == d.candidate {
		d.streak++
	} else {
		d.candidate = tag
		d.streak = 1
	}

	if d.streak >= d.n {
		d.confirmed = tag
		d.candidate = ""
		d.streak = 0
	}
	return d.confirmed
}

// Confirmed returns the current confirmed tag without observing.
func (d *Debouncer) Confirmed() Tag {
	return d.confirmed
}

// Reset restores a previously confirmed tag, used when resuming from a
// checkpoint so the first post-recovery tick does not report a bogus
// transition out of Unknown.
func (d *Debouncer) Reset(tag Tag) {
	d.confirmed = tag
	d.candidate = ""
	d.streak = 0
}
