package tools

import (
	"fmt"
	"strings"

	"github.com/gambitbot/gambit/internal/classify"
)

type resourceArgs struct {
	Op string `mapstructure:"op"`
}

// restoratives in descending strength; heal picks the strongest one in
// stock that the injury actually needs.
var restoratives = []struct {
	name    string
	restore int
}{
	{"Full Restore", 999},
	{"Max Potion", 999},
	{"Hyper Potion", 200},
	{"Super Potion", 50},
	{"Potion", 20},
}

func resourceTool() *Tool {
	return &Tool{
		Name:        "manage_items",
		Description: "Inventory policy: heal the most injured party member or report stock levels.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"op": map[string]any{
					"type":        "string",
					"description": "One of: heal, check",
				},
			},
			"required": []string{"op"},
		},
		plan: planResource,
	}
}

func planResource(args map[string]any, facts classify.Facts) (*Plan, error) {
	var a resourceArgs
	if err := decodeArgs("manage_items", args, &a); err != nil {
		return nil, err
	}

	switch a.Op {
	case "heal":
		return planHeal(facts)
	case "check":
		return planCheck(facts)
	default:
		return nil, &InvocationError{Tool: "manage_items", Reason: fmt.Sprintf("unknown op %q (heal, check)", a.Op)}
	}
}

func planHeal(facts classify.Facts) (*Plan, error) {
	target := mostInjured(facts.Party)
	if target == nil {
		return nil, &NoUsableItemError{Reason: "no party member needs healing"}
	}

	missing := target.MaxHP - target.HP
	item := pickRestorative(facts.Items, missing)
	if item == "" {
		return nil, &NoUsableItemError{Reason: "no restorative in the bag"}
	}

	return &Plan{
		// Open the menu; the model drives the item submenu from there
		// with the note as guidance.
		Steps: []string{"start"},
		Note: fmt.Sprintf("use %s on %s (%d/%d HP, %d missing)",
			item, target.Name, target.HP, target.MaxHP, missing),
	}, nil
}

func planCheck(facts classify.Facts) (*Plan, error) {
	if len(facts.Items) == 0 {
		return &Plan{Note: "bag is empty"}, nil
	}
	lines := make([]string, len(facts.Items))
	for i, it := range facts.Items {
		lines[i] = fmt.Sprintf("%s x%d", it.Name, it.Count)
	}
	return &Plan{Note: "bag: " + strings.Join(lines, ", ")}, nil
}

// mostInjured returns the conscious party member with the lowest HP
// ratio, or nil when nobody is hurt.
func mostInjured(party []classify.Combatant) *classify.Combatant {
	var worst *classify.Combatant
	worstRatio := 1.0
	for i := range party {
		m := &party[i]
		if m.HP <= 0 || m.MaxHP <= 0 || m.HP >= m.MaxHP {
			continue
		}
		ratio := float64(m.HP) / float64(m.MaxHP)
		if ratio < worstRatio {
			worst, worstRatio = m, ratio
		}
	}
	return worst
}

// pickRestorative returns the weakest item in stock that still covers
// the missing HP, falling back to the strongest available when nothing
// covers it fully.
func pickRestorative(items []classify.Item, missing int) string {
	stock := make(map[string]int, len(items))
	for _, it := range items {
		stock[it.Name] = it.Count
	}

	// Walk from weakest to strongest for the smallest sufficient item.
	for i := len(restoratives) - 1; i >= 0; i-- {
		r := restoratives[i]
		if stock[r.name] > 0 && r.restore >= missing {
			return r.name
		}
	}
	// Nothing covers the full injury; use the strongest on hand.
	for _, r := range restoratives {
		if stock[r.name] > 0 {
			return r.name
		}
	}
	return ""
}
