package compiler

import (
	"bytes"
	"fmt"
	"strconv"
	"text/template"

	"github.com/dukex/labrun/pkg/models"
)

var apiLevels = map[models.TargetPlatform]string{
	models.PlatformOpentronsOT2:  "2.15",
	models.PlatformOpentronsFlex: "2.19",
}

var robotTypes = map[models.TargetPlatform]string{
	models.PlatformOpentronsOT2:  "OT-2",
	models.PlatformOpentronsFlex: "Flex",
}

var opentronsTemplate = template.Must(template.New("protocol.py").Funcs(template.FuncMap{
	"py": strconv.Quote,
}).Parse(`from opentrons import protocol_api

metadata = {
    "protocolName": {{ py .Title }},
    "robotPlan": {{ py .PlanID }},
    "plannedRun": {{ py .PlannedRunID }},
}

requirements = {"robotType": {{ py .RobotType }}, "apiLevel": {{ py .APILevel }}}


def run(protocol: protocol_api.ProtocolContext):
    labware = {}
{{- range .Deck }}
    labware[{{ py .Role }}] = protocol.load_labware({{ py (or .Labware .Role) }}, {{ py .ID }})
{{- end }}
{{- range $i, $s := .Steps }}
    protocol.comment({{ py (printf "step %d: %s" $i $s.Action) }})
{{- if and $s.SourceRole $s.TargetRole }}
    protocol.comment({{ py (printf "%s %g uL %s -> %s" $s.Action $s.VolumeUL $s.SourceRole $s.TargetRole) }})
{{- end }}
{{- end }}
`))

func renderOpentrons(planID, plannedRunID, title string, platform models.TargetPlatform, deck []DeckSlot, steps []models.ProtocolStep) (File, error) {
	var buf bytes.Buffer

	err := opentronsTemplate.Execute(&buf, map[string]any{
		"Title":        title,
		"PlanID":       planID,
		"PlannedRunID": plannedRunID,
		"RobotType":    robotTypes[platform],
		"APILevel":     apiLevels[platform],
		"Deck":         deck,
		"Steps":        steps,
	})
	if err != nil {
		return File{}, fmt.Errorf("failed to render opentrons protocol: %w", err)
	}

	return File{
		Role:      RoleProtocolPy,
		Filename:  planID + ".py",
		MediaType: MediaTypePython,
		Content:   buf.Bytes(),
	}, nil
}

// APILevel returns the Opentrons API level a platform's scripts declare.
func APILevel(platform models.TargetPlatform) string {
	return apiLevels[platform]
}
