package planner

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/JakeFAU/jobmarket-crawler/internal/crawler"
)

type datasetCategory struct {
	Name string       `json:"name"`
	Jobs []datasetJob `json:"jobs"`
}

type datasetJob struct {
	Name string `json:"name"`
}

// LoadDataset reads the category/keyword JSON file:
//
//	[{"name": "Software Engineering", "jobs": [{"name": "Backend Developer"}]}]
//
// Order is preserved and blank job names are skipped.
func LoadDataset(path string) ([]crawler.Category, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied dataset path.
	if err != nil {
		return nil, crawler.NewConfigurationError("dimensions.dataset_path", "read dataset: %w", err)
	}
	var raw []datasetCategory
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, crawler.NewConfigurationError("dimensions.dataset_path", "decode dataset: %w", err)
	}
	out := make([]crawler.Category, 0, len(raw))
	for _, c := range raw {
		cat := crawler.Category{Name: strings.TrimSpace(c.Name)}
		for _, j := range c.Jobs {
			if name := strings.TrimSpace(j.Name); name != "" {
				cat.Keywords = append(cat.Keywords, name)
			}
		}
		out = append(out, cat)
	}
	return out, nil
}

// MergeCategories appends extra categories after base, merging keywords of
// categories with the same name while keeping first-seen order.
func MergeCategories(base, extra []crawler.Category) []crawler.Category {
	index := make(map[string]int, len(base)+len(extra))
	out := make([]crawler.Category, 0, len(base)+len(extra))
	add := func(c crawler.Category) {
		if i, ok := index[c.Name]; ok {
			out[i].Keywords = appendUnique(out[i].Keywords, c.Keywords...)
			return
		}
		index[c.Name] = len(out)
		out = append(out, crawler.Category{Name: c.Name, Keywords: appendUnique(nil, c.Keywords...)})
	}
	for _, c := range base {
		add(c)
	}
	for _, c := range extra {
		add(c)
	}
	return out
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		dup := false
		for _, existing := range dst {
			if existing == v {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, v)
		}
	}
	return dst
}

