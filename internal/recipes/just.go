package recipes

import (
	"encoding/json"
	"fmt"
	"os/exec"
)

// JustEnumerator lists recipes by running `just --dump --dump-format
// json` and reading the recipe attributes.
type JustEnumerator struct {
	// Dir is the directory whose justfile is enumerated. Empty means the
	// daemon's working directory.
	Dir string
}

type justDump struct {
	Recipes map[string]justRecipe `json:"recipes"`
}

type justRecipe struct {
	Name       string              `json:"name"`
	Attributes []map[string]string `json:"attributes"`
}

func (e *JustEnumerator) Recipes() ([]Recipe, error) {
	cmd := exec.Command("just", "--dump", "--dump-format", "json")
	cmd.Dir = e.Dir

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("run just: %w", err)
	}

	var dump justDump
	if err := json.Unmarshal(out, &dump); err != nil {
		return nil, fmt.Errorf("parse justfile dump: %w", err)
	}

	var list []Recipe
	for _, r := range dump.Recipes {
		recipe := Recipe{Name: r.Name}

		for _, attr := range r.Attributes {
			if group, ok := attr["group"]; ok {
				recipe.Group = group
			}
		}

		list = append(list, recipe)
	}

	return list, nil
}
