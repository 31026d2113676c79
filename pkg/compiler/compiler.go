// Package compiler translates planned runs into platform-specific robot
// instructions and artifact files.
package compiler

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/dukex/labrun/pkg/models"
)

var (
	// ErrUnsupportedPlatform is returned for platforms the compiler has no backend for.
	ErrUnsupportedPlatform = errors.New("unsupported target platform")

	// ErrIncompatibleBindings is returned when the planned run's bindings
	// cannot be laid out on the platform's deck.
	ErrIncompatibleBindings = errors.New("bindings incompatible with target platform")
)

// Artifact roles produced by the compiler.
const (
	RoleVialabXML   = "integra_vialab_xml"
	RoleProtocolPy  = "opentrons_protocol_py"
	MediaTypeXML    = "application/xml"
	MediaTypePython = "text/x-python"
)

// Source is the platform-independent input of a compilation.
type Source struct {
	Ref   string
	Title string
	Roles []models.ProtocolRole
	Steps []models.ProtocolStep
}

// FromProtocol builds a compilation source from a protocol record.
func FromProtocol(p *models.Protocol) Source {
	return Source{Ref: p.RecordID, Title: p.Title, Roles: p.Roles, Steps: p.Steps}
}

// FromEventGraph builds a compilation source from an event graph. Each event
// becomes a step whose action is the event type.
func FromEventGraph(g *models.EventGraph) Source {
	steps := make([]models.ProtocolStep, 0, len(g.Events))

	for _, ev := range g.Events {
		step := models.ProtocolStep{ID: ev.ID, Action: ev.Type, Params: map[string]any{}}

		for k, v := range ev.Data {
			switch k {
			case "source_role":
				step.SourceRole, _ = v.(string)
			case "target_role":
				step.TargetRole, _ = v.(string)
			case "volume_ul":
				step.VolumeUL, _ = v.(float64)
			default:
				step.Params[k] = v
			}
		}

		if len(step.Params) == 0 {
			step.Params = nil
		}

		steps = append(steps, step)
	}

	return Source{Ref: g.RecordID, Title: g.Title, Roles: g.Roles, Steps: steps}
}

// File is a compiled artifact before it is written to the artifact store.
type File struct {
	Role      string
	Filename  string
	MediaType string
	Content   []byte
}

// Output is the result of compiling one planned run for one platform.
type Output struct {
	Instructions []models.Instruction
	Files        []File
}

// DeckSlot is a labware role placed on a platform deck position.
type DeckSlot struct {
	ID          string
	Role        string
	Labware     string
	Orientation string
}

// Compile translates run and src into an output for platform. planID names
// the robot plan the output belongs to.
func Compile(planID string, run *models.PlannedRun, src Source, platform models.TargetPlatform) (*Output, error) {
	if !platform.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, platform)
	}

	deck, err := layoutDeck(run.Bindings, src.Roles, platform)
	if err != nil {
		return nil, err
	}

	out := &Output{Instructions: instructions(src.Steps)}

	title := run.Title
	if title == "" {
		title = src.Title
	}

	var file File

	if platform == models.PlatformIntegraAssist {
		file, err = renderVialab(planID, title, deck, src.Steps)
	} else {
		file, err = renderOpentrons(planID, run.RecordID, title, platform, deck, src.Steps)
	}

	if err != nil {
		return nil, err
	}

	out.Files = append(out.Files, file)

	return out, nil
}

func instructions(steps []models.ProtocolStep) []models.Instruction {
	out := make([]models.Instruction, 0, len(steps))

	for i, step := range steps {
		params := map[string]any{}

		for k, v := range step.Params {
			params[k] = v
		}

		if step.SourceRole != "" {
			params["source_role"] = step.SourceRole
		}

		if step.TargetRole != "" {
			params["target_role"] = step.TargetRole
		}

		if step.VolumeUL != 0 {
			params["volume_ul"] = step.VolumeUL
		}

		if len(params) == 0 {
			params = nil
		}

		out = append(out, models.Instruction{Index: i, Command: step.Action, Params: params})
	}

	return out
}

var flexSlot = regexp.MustCompile(`^[A-D][1-4]$`)

// layoutDeck places bound labware on deck positions. Unslotted bindings take
// the next position in order. Without labware bindings the source's labware
// roles are laid out unbound.
func layoutDeck(bindings models.Bindings, roles []models.ProtocolRole, platform models.TargetPlatform) ([]DeckSlot, error) {
	var deck []DeckSlot

	for _, lw := range bindings.Labware {
		deck = append(deck, DeckSlot{ID: lw.Slot, Role: lw.RoleID, Labware: lw.LabwareRef, Orientation: lw.Orientation})
	}

	if len(deck) == 0 {
		for _, role := range roles {
			if role.Kind == "" || role.Kind == "labware" {
				deck = append(deck, DeckSlot{Role: role.RoleID})
			}
		}
	}

	positions := deckPositions(platform)
	if len(deck) > len(positions) {
		return nil, fmt.Errorf("%w: %s deck holds %d labware, %d bound", ErrIncompatibleBindings, platform, len(positions), len(deck))
	}

	used := map[string]string{}

	// explicit slots first so auto-placement cannot steal them
	for pass := 0; pass < 2; pass++ {
		for i := range deck {
			slot := &deck[i]

			if (slot.ID == "") != (pass == 1) {
				continue
			}

			if slot.ID == "" {
				slot.ID = nextFree(platform, positions, used)
			}

			key, err := normalizeSlot(slot.ID, platform)
			if err != nil {
				return nil, err
			}

			if other, ok := used[key]; ok {
				return nil, fmt.Errorf("%w: roles %q and %q share slot %s", ErrIncompatibleBindings, other, slot.Role, key)
			}

			used[key] = slot.Role

			if platform == models.PlatformIntegraAssist && slot.Orientation == "" {
				slot.Orientation = OrientationLandscape
			}
		}
	}

	return deck, nil
}

func deckPositions(platform models.TargetPlatform) []string {
	switch platform {
	case models.PlatformIntegraAssist:
		return []string{"SLOT_1", "SLOT_2", "SLOT_3", "SLOT_4"}
	case models.PlatformOpentronsFlex:
		var out []string

		for _, row := range []string{"A", "B", "C", "D"} {
			for col := 1; col <= 3; col++ {
				out = append(out, row+strconv.Itoa(col))
			}
		}

		return out
	default:
		out := make([]string, 0, 11)
		for i := 1; i <= 11; i++ {
			out = append(out, strconv.Itoa(i))
		}

		return out
	}
}

func nextFree(platform models.TargetPlatform, positions []string, used map[string]string) string {
	for _, p := range positions {
		key, _ := normalizeSlot(p, platform)
		if _, taken := used[key]; !taken {
			return p
		}
	}

	return ""
}

func normalizeSlot(id string, platform models.TargetPlatform) (string, error) {
	switch platform {
	case models.PlatformIntegraAssist:
		section, err := NormalizeSection(id)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrIncompatibleBindings, err)
		}

		return section, nil
	case models.PlatformOpentronsFlex:
		if !flexSlot.MatchString(id) {
			return "", fmt.Errorf("%w: %q is not a Flex deck slot", ErrIncompatibleBindings, id)
		}

		return id, nil
	default:
		n, err := strconv.Atoi(id)
		if err != nil || n < 1 || n > 11 {
			return "", fmt.Errorf("%w: %q is not an OT-2 deck slot", ErrIncompatibleBindings, id)
		}

		return strconv.Itoa(n), nil
	}
}
