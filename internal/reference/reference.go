// Package reference imports portal code lists (reference candidates) from
// spreadsheets or YAML into the store.
package reference

import (
	"context"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/customs-cli/internal/model"
)

// Writer persists one candidate list.
type Writer interface {
	ReplaceCandidates(ctx context.Context, country, referenceType string, candidates []model.ReferenceCandidate) error
}

type listKey struct {
	country       string
	referenceType string
}

// Summary counts what an import wrote.
type Summary struct {
	Lists      int `json:"lists"`
	Candidates int `json:"candidates"`
}

// Save groups candidates by (country, reference type), validates each list
// and replaces it in w. Position is assigned from input order where it was
// not given.
func Save(ctx context.Context, w Writer, candidates []model.ReferenceCandidate) (Summary, error) {
	groups := make(map[listKey][]model.ReferenceCandidate)
	var order []listKey
	for _, c := range candidates {
		c.Country = strings.TrimSpace(c.Country)
		c.ReferenceType = strings.TrimSpace(c.ReferenceType)
		c.Code = strings.TrimSpace(c.Code)
		k := listKey{c.Country, c.ReferenceType}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], c)
	}

	var sum Summary
	for _, k := range order {
		list, err := normalizeList(k, groups[k])
		if err != nil {
			return sum, err
		}
		if err := w.ReplaceCandidates(ctx, k.country, k.referenceType, list); err != nil {
			return sum, eris.Wrapf(err, "reference: save %s/%s", k.country, k.referenceType)
		}
		zap.L().Info("reference: list imported",
			zap.String("country", k.country),
			zap.String("reference_type", k.referenceType),
			zap.Int("candidates", len(list)),
		)
		sum.Lists++
		sum.Candidates += len(list)
	}
	return sum, nil
}

func normalizeList(k listKey, list []model.ReferenceCandidate) ([]model.ReferenceCandidate, error) {
	if k.country == "" || k.referenceType == "" {
		return nil, eris.New("reference: country and reference_type are required")
	}
	seen := make(map[string]bool, len(list))
	for i := range list {
		c := &list[i]
		if c.Code == "" {
			return nil, eris.Errorf("reference: %s/%s row %d has no code", k.country, k.referenceType, i+1)
		}
		if seen[c.Code] {
			return nil, eris.Errorf("reference: %s/%s duplicate code %q", k.country, k.referenceType, c.Code)
		}
		seen[c.Code] = true
		if c.Position == 0 {
			c.Position = i + 1
		}
		c.LocalMatches = cleanMatches(c.LocalMatches)
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Position < list[j].Position })
	return list, nil
}

func cleanMatches(in []string) []string {
	out := make([]string, 0, len(in))
	for _, m := range in {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}
