// Package classify derives structured facts from raw emulator state
// snapshots and maps them onto a closed set of game-state tags.
package classify

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Snapshot is one immutable capture of machine state. The provider
// creates exactly one per tick; nothing mutates it afterwards.
type Snapshot struct {
	// Timestamp is when the bridge captured the state window.
	Timestamp time.Time
	// Raw is the bridge's state JSON exactly as received.
	Raw json.RawMessage
	// Facts is the structured view derived from Raw.
	Facts Facts
	// Fingerprint is a short content hash of Raw, used to correlate
	// turns with snapshots and to detect stalled emulator output.
	Fingerprint string
}

// Fingerprint returns a 16-hex-character SHA-256 prefix of raw.
func Fingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

// Move is one usable move on a party member.
type Move struct {
	Slot int    `json:"slot"`
	Name string `json:"name"`
	Type string `json:"type"`
	PP   int    `json:"pp"`
}

// Combatant is a party member or enemy as reported by the bridge.
type Combatant struct {
	Name  string   `json:"name"`
	Level int      `json:"level"`
	HP    int      `json:"hp"`
	MaxHP int      `json:"max_hp"`
	Types []string `json:"types"`
	Moves []Move   `json:"moves,omitempty"`
}

// Item is one inventory slot.
type Item struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Facts is the structured data derived from one snapshot: location,
// flags, party, inventory, and the local passability grid. The zero
// value is valid and classifies as Unknown.
type Facts struct {
	// Location identifies the current map by name (e.g., "Route1").
	Location string `json:"location"`
	MapID    int    `json:"map_id"`

	// Player position and heading within the current map.
	PlayerX int    `json:"player_x"`
	PlayerY int    `json:"player_y"`
	Heading string `json:"heading"` // up, down, left, right

	// WorldLoaded reports whether a playable map is loaded at all.
	// False during boot, title screen, and save-load transitions.
	WorldLoaded bool `json:"world_loaded"`

	// Battle state. InBattle can co-occur with dialog and menu flags
	// (battle menus set both) and always wins classification.
	InBattle   bool   `json:"in_battle"`
	BattleKind string `json:"battle_kind,omitempty"` // wild, trainer, gym

	// UI flags.
	DialogOpen  bool `json:"dialog_open"`
	MenuOpen    bool `json:"menu_open"`
	InputLocked bool `json:"input_locked"`
	TitleScreen bool `json:"title_screen"`

	// Terminal flags.
	Victory    bool `json:"victory"`
	PartyWiped bool `json:"party_wiped"`

	// Grid is the local passability grid, row-major, true = walkable.
	// The player position indexes into it as Grid[y][x].
	Grid [][]bool `json:"grid,omitempty"`

	Party []Combatant `json:"party,omitempty"`
	Enemy *Combatant  `json:"enemy,omitempty"`
	Items []Item      `json:"items,omitempty"`
}

// ActivePartyMember returns the first party member with HP remaining,
// or nil if the party is empty or wiped.
func (f Facts) ActivePartyMember() *Combatant {
	for i := range f.Party {
		if f.Party[i].HP > 0 {
			return &f.Party[i]
		}
	}
	return nil
}

// wireState mirrors the bridge's state JSON. Kept separate from Facts
// so the wire shape can drift without touching classification logic.
type wireState struct {
	Location struct {
		Name  string `json:"name"`
		MapID int    `json:"map_id"`
	} `json:"location"`
	Player struct {
		X       int    `json:"x"`
		Y       int    `json:"y"`
		Heading string `json:"heading"`
	} `json:"player"`
	Flags struct {
		WorldLoaded bool   `json:"world_loaded"`
		InBattle    bool   `json:"in_battle"`
		BattleKind  string `json:"battle_kind"`
		DialogOpen  bool   `json:"dialog_open"`
		MenuOpen    bool   `json:"menu_open"`
		InputLocked bool   `json:"input_locked"`
		TitleScreen bool   `json:"title_screen"`
		Victory     bool   `json:"victory"`
		PartyWiped  bool   `json:"party_wiped"`
	} `json:"flags"`
	Grid  [][]int     `json:"grid"`
	Party []Combatant `json:"party"`
	Enemy *Combatant  `json:"enemy"`
	Items []Item      `json:"items"`
}

// Extract parses the bridge's state JSON into Facts. Malformed or
// partial input never errors upward: whatever fields parse are kept
// and the rest stay at their zero values, which classify as Unknown.
func Extract(raw []byte) Facts {
	var w wireState
	if err := json.Unmarshal(raw, &w); err != nil {
		return Facts{}
	}

	f := Facts{
		Location:    w.Location.Name,
		MapID:       w.Location.MapID,
		PlayerX:     w.Player.X,
		PlayerY:     w.Player.Y,
		Heading:     w.Player.Heading,
		WorldLoaded: w.Flags.WorldLoaded,
		InBattle:    w.Flags.InBattle,
		BattleKind:  w.Flags.BattleKind,
		DialogOpen:  w.Flags.DialogOpen,
		MenuOpen:    w.Flags.MenuOpen,
		InputLocked: w.Flags.InputLocked,
		TitleScreen: w.Flags.TitleScreen,
		Victory:     w.Flags.Victory,
		PartyWiped:  w.Flags.PartyWiped,
		Party:       w.Party,
		Enemy:       w.Enemy,
		Items:       w.Items,
	}

	// The bridge encodes walkability as 0 = passable, 1 = blocked.
	if len(w.Grid) > 0 {
		f.Grid = make([][]bool, len(w.Grid))
		for y, row := range w.Grid {
			f.Grid[y] = make([]bool, len(row))
			for x, cell := range row {
				f.Grid[y][x] = cell == 0
			}
		}
	}

	return f
}

// NewSnapshot builds an immutable snapshot from one raw state window.
func NewSnapshot(ts time.Time, raw []byte) Snapshot {
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return Snapshot{
		Timestamp:   ts,
		Raw:         cp,
		Facts:       Extract(cp),
		Fingerprint: Fingerprint(cp),
	}
}
