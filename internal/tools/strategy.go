package tools

import (
	"fmt"
	"strings"

	"github.com/gambitbot/gambit/internal/classify"
)

// Effectiveness multipliers.
const (
	immune        = 0.0
	notVery       = 0.5
	neutral       = 1.0
	super         = 2.0
	stabBonus     = 0.5
	immunePenalty = -10.0
)

// typeChart holds the non-neutral matchups for the 15 classic types;
// absent pairs are neutral. Keys are attacker then defender.
var typeChart = map[string]map[string]float64{
	"Normal":   {"Rock": notVery, "Ghost": immune},
	"Fire":     {"Fire": notVery, "Water": notVery, "Grass": super, "Ice": super, "Bug": super, "Rock": notVery, "Dragon": notVery},
	"Water":    {"Fire": super, "Water": notVery, "Grass": notVery, "Ground": super, "Rock": super, "Dragon": notVery},
	"Electric": {"Water": super, "Electric": notVery, "Grass": notVery, "Ground": immune, "Flying": super, "Dragon": notVery},
	"Grass":    {"Fire": notVery, "Water": super, "Grass": notVery, "Poison": notVery, "Ground": super, "Flying": notVery, "Bug": notVery, "Rock": super, "Dragon": notVery},
	"Ice":      {"Fire": notVery, "Water": notVery, "Grass": super, "Ice": notVery, "Ground": super, "Flying": super, "Dragon": super},
	"Fighting": {"Normal": super, "Ice": super, "Poison": notVery, "Flying": notVery, "Psychic": notVery, "Bug": notVery, "Rock": super, "Ghost": immune},
	"Poison":   {"Grass": super, "Poison": notVery, "Ground": notVery, "Rock": notVery, "Ghost": notVery},
	"Ground":   {"Fire": super, "Electric": immune, "Grass": notVery, "Poison": super, "Flying": immune, "Bug": notVery, "Rock": super},
	"Flying":   {"Electric": notVery, "Grass": super, "Fighting": super, "Bug": super, "Rock": notVery},
	"Psychic":  {"Fighting": super, "Poison": super, "Psychic": notVery},
	"Bug":      {"Fire": notVery, "Grass": super, "Fighting": notVery, "Poison": notVery, "Flying": notVery, "Psychic": super, "Ghost": notVery},
	"Rock":     {"Fire": super, "Ice": super, "Fighting": notVery, "Ground": notVery, "Flying": super, "Bug": super},
	"Ghost":    {"Normal": immune, "Psychic": immune, "Ghost": super},
	"Dragon":   {"Dragon": super},
}

// Effectiveness returns the multiplier for one attack type against one
// defending type. Unknown types are neutral.
func Effectiveness(attack, defend string) float64 {
	if row, ok := typeChart[attack]; ok {
		if mult, ok := row[defend]; ok {
			return mult
		}
	}
	return neutral
}

// DualEffectiveness multiplies the matchup across every defending
// type, the dual-type rule.
func DualEffectiveness(attack string, defend []string) float64 {
	mult := neutral
	for _, d := range defend {
		mult *= Effectiveness(attack, d)
	}
	return mult
}

func strategyTool() *Tool {
	return &Tool{
		Name:        "battle_strategy",
		Description: "Score the active party member's moves against the enemy and plan the best move selection.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		plan: planStrategy,
	}
}

func planStrategy(args map[string]any, facts classify.Facts) (*Plan, error) {
	var empty struct{}
	if err := decodeArgs("battle_strategy", args, &empty); err != nil {
		return nil, err
	}

	if !facts.InBattle {
		return nil, &InvocationError{Tool: "battle_strategy", Reason: "not in battle"}
	}
	if facts.Enemy == nil {
		return nil, &InvocationError{Tool: "battle_strategy", Reason: "no enemy data"}
	}
	active := facts.ActivePartyMember()
	if active == nil {
		return nil, &InvocationError{Tool: "battle_strategy", Reason: "no conscious party member"}
	}

	best, bestScore := -1, float64(-1)
	var bestNote string
	for i, m := range active.Moves {
		if m.PP <= 0 {
			continue
		}
		score, note := scoreMove(m, active, facts.Enemy)
		if score > bestScore {
			best, bestScore, bestNote = i, score, note
		}
	}
	if best < 0 {
		return nil, &InvocationError{Tool: "battle_strategy", Reason: "no move with PP remaining"}
	}

	chosen := active.Moves[best]
	// Select FIGHT, move the cursor down to the chosen slot, confirm.
	steps := []string{"a"}
	for i := 1; i < chosen.Slot; i++ {
		steps = append(steps, "down")
	}
	steps = append(steps, "a")

	return &Plan{
		Steps: steps,
		Note: fmt.Sprintf("%s with %s (%s) against %s [%s]: %s",
			active.Name, chosen.Name, chosen.Type,
			facts.Enemy.Name, strings.Join(facts.Enemy.Types, "/"), bestNote),
	}, nil
}

// scoreMove ranks a move by type effectiveness with a same-type attack
// bonus; immune matchups are heavily penalized so they never win over
// a usable move.
func scoreMove(m classify.Move, attacker, enemy *classify.Combatant) (float64, string) {
	mult := DualEffectiveness(m.Type, enemy.Types)
	score := mult

	var notes []string
	switch {
	case mult == immune:
		score += immunePenalty
		notes = append(notes, "no effect")
	case mult >= super:
		notes = append(notes, "super effective")
	case mult <= notVery:
		notes = append(notes, "not very effective")
	default:
		notes = append(notes, "neutral")
	}

	for _, t := range attacker.Types {
		if t == m.Type {
			score += stabBonus
			notes = append(notes, "STAB")
			break
		}
	}

	return score, strings.Join(notes, ", ")
}
