package compiler

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"github.com/dukex/labrun/pkg/models"
)

// Deck orientations understood by VialabProtocol files.
const (
	OrientationLandscape = "landscape"
	OrientationPortrait  = "portrait"
)

var ErrEmptyDeck = errors.New("no deck slots found")

var sectionAliases = map[string]string{
	"SLOT_1": "A",
	"SLOT_2": "B",
	"SLOT_3": "C",
	"SLOT_4": "D",
	"1":      "A",
	"2":      "B",
	"3":      "C",
	"4":      "D",
}

type vialabProtocol struct {
	XMLName xml.Name     `xml:"VialabProtocol"`
	ID      string       `xml:"id,attr"`
	Name    string       `xml:"name,attr"`
	Slots   []vialabSlot `xml:"Deck>Slot"`
	Steps   vialabSteps  `xml:"Steps"`
}

type vialabSlot struct {
	ID          string `xml:"id,attr"`
	LabwareRole string `xml:"labwareRole,attr"`
	Labware     string `xml:"labware,attr,omitempty"`
	Orientation string `xml:"orientation,attr,omitempty"`
}

type vialabSteps struct {
	Steps []vialabStep `xml:"Step"`
}

type vialabStep struct {
	Index    int     `xml:"index,attr"`
	Action   string  `xml:"action,attr"`
	Source   string  `xml:"source,attr,omitempty"`
	Target   string  `xml:"target,attr,omitempty"`
	VolumeUL float64 `xml:"volumeUl,attr,omitempty"`
}

func renderVialab(planID, title string, deck []DeckSlot, steps []models.ProtocolStep) (File, error) {
	if len(deck) == 0 {
		return File{}, fmt.Errorf("%w: integra_assist needs at least one labware role", ErrIncompatibleBindings)
	}

	doc := vialabProtocol{ID: planID, Name: title}

	for _, slot := range deck {
		doc.Slots = append(doc.Slots, vialabSlot{
			ID:          slot.ID,
			LabwareRole: slot.Role,
			Labware:     slot.Labware,
			Orientation: slot.Orientation,
		})
	}

	for i, step := range steps {
		doc.Steps.Steps = append(doc.Steps.Steps, vialabStep{
			Index:    i,
			Action:   step.Action,
			Source:   step.SourceRole,
			Target:   step.TargetRole,
			VolumeUL: step.VolumeUL,
		})
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return File{}, fmt.Errorf("failed to render VialabProtocol: %w", err)
	}

	content := append([]byte(xml.Header), body...)
	content = append(content, '\n')

	return File{
		Role:      RoleVialabXML,
		Filename:  planID + ".xml",
		MediaType: MediaTypeXML,
		Content:   content,
	}, nil
}

// VialabSlot is one deck slot read back from a VialabProtocol file.
type VialabSlot struct {
	ID          string
	Section     string
	Role        string
	Orientation string
}

// ParseVialabSlots extracts the deck layout of a VialabProtocol document.
// Slot ids are normalized to deck sections A to D.
func ParseVialabSlots(content []byte) ([]VialabSlot, error) {
	var doc vialabProtocol

	if err := xml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse VialabProtocol: %w", err)
	}

	var slots []VialabSlot

	for _, s := range doc.Slots {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			continue
		}

		section, err := NormalizeSection(id)
		if err != nil {
			return nil, err
		}

		orientation := strings.ToLower(strings.TrimSpace(s.Orientation))
		if orientation == "" {
			orientation = OrientationLandscape
		}

		slots = append(slots, VialabSlot{
			ID:          id,
			Section:     section,
			Role:        strings.TrimSpace(s.LabwareRole),
			Orientation: orientation,
		})
	}

	if len(slots) == 0 {
		return nil, ErrEmptyDeck
	}

	return slots, nil
}

// NormalizeSection maps a slot id such as SLOT_2, 2 or b onto a deck section.
func NormalizeSection(id string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(id))
	if alias, ok := sectionAliases[normalized]; ok {
		normalized = alias
	}

	switch normalized {
	case "A", "B", "C", "D":
		return normalized, nil
	default:
		return "", fmt.Errorf("unsupported slot mapping %q -> %q, expected A/B/C/D", id, normalized)
	}
}
