package classify

import "testing"

func TestClassifyRulePriority(t *testing.T) {
	c := New([]string{"VictoryRoad", "SafariZone"})

	tests := []struct {
		name  string
		facts Facts
		want  Tag
	}{
		{
			name:  "zero facts is unknown",
			facts: Facts{},
			want:  TagUnknown,
		},
		{
			name:  "battle flag overrides location default",
			facts: Facts{InBattle: true, Location: "Route1", WorldLoaded: true},
			want:  TagBattle,
		},
		{
			name: "battle flag overrides co-occurring menu and dialog flags",
			facts: Facts{
				InBattle: true, MenuOpen: true, DialogOpen: true, WorldLoaded: true,
			},
			want: TagBattle,
		},
		{
			name:  "victory beats special location",
			facts: Facts{Victory: true, Location: "VictoryRoad", WorldLoaded: true},
			want:  TagVictory,
		},
		{
			name:  "party wipe is game over",
			facts: Facts{PartyWiped: true, WorldLoaded: true},
			want:  TagGameOver,
		},
		{
			name:  "special location lookup",
			facts: Facts{Location: "SafariZone", WorldLoaded: true},
			want:  TagSpecialLocation,
		},
		{
			name:  "dialog via text box",
			facts: Facts{DialogOpen: true, WorldLoaded: true},
			want:  TagDialog,
		},
		{
			name:  "dialog via input lock without menu",
			facts: Facts{InputLocked: true, WorldLoaded: true},
			want:  TagDialog,
		},
		{
			name:  "menu with input lock is menu, not dialog",
			facts: Facts{MenuOpen: true, InputLocked: true, WorldLoaded: true},
			want:  TagMenu,
		},
		{
			name:  "title screen",
			facts: Facts{TitleScreen: true},
			want:  TagTitleScreen,
		},
		{
			name:  "world loaded defaults to overworld",
			facts: Facts{WorldLoaded: true, Location: "Route1"},
			want:  TagOverworld,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Classify(tt.facts); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyDeterministic(t *testing.T) {
	c := New(nil)
	f := Facts{InBattle: true, MenuOpen: true, WorldLoaded: true, Location: "Route1"}
	first := c.Classify(f)
	for i := 0; i < 100; i++ {
		if got := c.Classify(f); got != first {
			t.Fatalf("classification changed between calls: %v then %v", first, got)
		}
	}
}

func TestDebouncerSuppressesFlicker(t *testing.T) {
	d := NewDebouncer(2)

	// Establish Overworld.
	d.Observe(TagOverworld)
	if got := d.Observe(TagOverworld); got != TagOverworld {
		t.Fatalf("confirmed = %v, want Overworld", got)
	}

	// One-tick flicker to Battle must not change the reported state.
	if got := d.Observe(TagBattle); got != TagOverworld {
		t.Errorf("after single flicker tick, confirmed = %v, want Overworld", got)
	}

	// Back to Overworld: still Overworld.
	if got := d.Observe(TagOverworld); got != TagOverworld {
		t.Errorf("after flicker recovery, confirmed = %v, want Overworld", got)
	}

	// Two consecutive Battle observations confirm the change.
	d.Observe(TagBattle)
	if got := d.Observe(TagBattle); got != TagBattle {
		t.Errorf("after 2 consecutive battle ticks, confirmed = %v, want Battle", got)
	}
}

func TestDebouncerWindowOfOne(t *testing.T) {
	d := NewDebouncer(1)
	if got := d.Observe(TagBattle); got != TagBattle {
		t.Errorf("n=1 should confirm immediately, got %v", got)
	}
}

func TestDebouncerReset(t *testing.T) {
	d := NewDebouncer(3)
	d.Reset(TagBattle)
	if got := d.Confirmed(); got != TagBattle {
		t.Errorf("Confirmed() after Reset = %v, want Battle", got)
	}
	// A single divergent observation does not dislodge the restored state.
	if got := d.Observe(TagOverworld); got != TagBattle {
		t.Errorf("Observe after Reset = %v, want Battle", got)
	}
}
