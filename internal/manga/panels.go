package manga

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/mangalytics/mangalytics/internal/types"
)

// panelsSchema constrains the model's JSON output before we accept it.
const panelsSchema = `{
  "type": "object",
  "required": ["panels"],
  "properties": {
    "panels": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["panel_number", "description"],
        "properties": {
          "panel_number": {"type": "integer", "minimum": 1},
          "title": {"type": "string"},
          "description": {"type": "string", "minLength": 1},
          "dialogue": {"type": "string"}
        }
      }
    }
  }
}`

type panelsDocument struct {
	Panels []types.MangaPanel `json:"panels"`
}

var panelHeading = regexp.MustCompile(`(?i)^\[PANEL\s+(\d+)\]`)

// ParsePanels turns a model narrative into panels. JSON responses are
// validated against the panel schema; plain-text responses fall back to
// the [PANEL n] heading format.
func ParsePanels(raw string) ([]types.MangaPanel, error) {
	text := stripCodeFence(raw)
	if text == "" {
		return nil, fmt.Errorf("empty narrative")
	}

	if strings.HasPrefix(text, "{") {
		return parseJSONPanels(text)
	}
	return parseTextPanels(text)
}

func parseJSONPanels(text string) ([]types.MangaPanel, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(panelsSchema),
		gojsonschema.NewStringLoader(text),
	)
	if err != nil {
		return nil, fmt.Errorf("narrative is not valid JSON: %w", err)
	}
	if !result.Valid() {
		var reasons []string
		for _, desc := range result.Errors() {
			reasons = append(reasons, desc.String())
		}
		return nil, fmt.Errorf("narrative JSON failed schema validation: %s", strings.Join(reasons, "; "))
	}

	var doc panelsDocument
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, fmt.Errorf("decode narrative: %w", err)
	}
	return doc.Panels, nil
}

func parseTextPanels(text string) ([]types.MangaPanel, error) {
	var panels []types.MangaPanel
	var current *types.MangaPanel

	flush := func() {
		if current != nil {
			current.Description = strings.TrimSpace(current.Description)
			panels = append(panels, *current)
			current = nil
		}
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)

		if m := panelHeading.FindStringSubmatch(line); m != nil {
			flush()
			n, _ := strconv.Atoi(m[1])
			current = &types.MangaPanel{PanelNumber: n}
			continue
		}
		if current == nil {
			continue
		}

		switch {
		case strings.HasPrefix(line, "Title:"):
			current.Title = strings.TrimSpace(strings.TrimPrefix(line, "Title:"))
		case strings.HasPrefix(line, "Dialogue:"):
			current.Dialogue = strings.TrimSpace(strings.TrimPrefix(line, "Dialogue:"))
		case strings.HasPrefix(line, "Description:"):
			current.Description = strings.TrimSpace(strings.TrimPrefix(line, "Description:"))
		case line != "":
			if current.Description != "" {
				current.Description += " "
			}
			current.Description += line
		}
	}
	flush()

	if len(panels) == 0 {
		return nil, fmt.Errorf("no panels found in narrative")
	}
	return panels, nil
}

func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
