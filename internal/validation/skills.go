package validation

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"bountyline/internal/domain"
)

// normalizeSkills maps parent and sub skills onto the configured taxonomy,
// merging duplicates. Unknown names are violations outside draft mode and are
// kept title-cased in drafts.
func (r *run) normalizeSkills(in []domain.Skill) []domain.Skill {
	// Casers hold state and are built per call.
	fold := cases.Fold()
	title := cases.Title(language.English)
	parents := map[string]string{}
	for parent := range r.cfg.Skills {
		parents[fold.String(parent)] = parent
	}

	var out []domain.Skill
	index := map[string]int{}
	for _, s := range in {
		raw := strings.TrimSpace(s.Skills)
		if raw == "" {
			continue
		}
		name, known := parents[fold.String(raw)]
		if !known {
			if r.mode.strict() {
				r.add("skills", "unknown skill %q", raw)
				continue
			}
			name = title.String(raw)
		}
		i, seen := index[name]
		if !seen {
			i = len(out)
			index[name] = i
			out = append(out, domain.Skill{Skills: name})
		}
		out[i].SubSkills = r.mergeSubSkills(fold, name, known, out[i].SubSkills, s.SubSkills)
	}
	return out
}

func (r *run) mergeSubSkills(fold cases.Caser, parent string, known bool, have, add []string) []string {
	allowed := map[string]string{}
	if known {
		for _, sub := range r.cfg.Skills[parent] {
			allowed[fold.String(sub)] = sub
		}
	}
	seen := map[string]bool{}
	for _, sub := range have {
		seen[fold.String(sub)] = true
	}
	for _, raw := range add {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		key := fold.String(raw)
		if seen[key] {
			continue
		}
		name, ok := allowed[key]
		if !ok {
			if known && len(allowed) > 0 && r.mode.strict() {
				r.add("skills", "unknown subskill %q for %s", raw, parent)
				continue
			}
			name = raw
		}
		seen[key] = true
		have = append(have, name)
	}
	return have
}
