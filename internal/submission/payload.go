package submission

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/customs-cli/internal/automation"
	"github.com/sells-group/customs-cli/internal/credential"
	"github.com/sells-group/customs-cli/internal/match"
	"github.com/sells-group/customs-cli/internal/model"
	"github.com/sells-group/customs-cli/internal/resolve"
)

// indexPlaceholder in a selector of a repeating page is replaced by the
// element index.
const indexPlaceholder = "{{index}}"

// Gap is a required field that resolved to nothing.
type Gap struct {
	Page  string
	Field string
}

func (g Gap) String() string {
	return g.Page + "/" + g.Field
}

// Resolution holds the resolved form data for one attempt.
type Resolution struct {
	Data     map[string]string
	Mappings []automation.FieldSelectors
	Gaps     []Gap
}

// ResolveTarget resolves every field of t against snap, page by page in
// sequence order and field by field in tab order. Fields with a reference
// type are passed through session. Pages with RepeatFor are resolved once
// per list element and keyed "<field>.<index>".
func ResolveTarget(ctx context.Context, t model.Target, snap model.Snapshot, session *match.Session) Resolution {
	res := Resolution{Data: make(map[string]string)}

	for _, page := range t.OrderedPages() {
		fields := page.OrderedFields()
		if page.RepeatFor == "" {
			for _, f := range fields {
				res.add(ctx, page.Name, f, f.Name, f.TargetSelectors, snap, session)
			}
			continue
		}

		for i, item := range snap.List(page.RepeatFor) {
			scoped := snap.Scoped(element(item))
			idx := strconv.Itoa(i)
			for _, f := range fields {
				key := f.Name + "." + idx
				selectors := make([]string, len(f.TargetSelectors))
				for j, sel := range f.TargetSelectors {
					selectors[j] = strings.ReplaceAll(sel, indexPlaceholder, idx)
				}
				res.add(ctx, page.Name, f, key, selectors, scoped, session)
			}
		}
	}
	return res
}

func (r *Resolution) add(ctx context.Context, page string, f model.FieldMapping, key string, selectors []string, snap model.Snapshot, session *match.Session) {
	out := resolve.Resolve(f, snap)
	if !out.Resolved {
		if f.Required {
			r.Gaps = append(r.Gaps, Gap{Page: page, Field: key})
		}
		return
	}

	value := out.Value
	if f.ReferenceType != "" && session != nil {
		value = session.MatchField(ctx, key, f.ReferenceType, value).Value
	}
	r.Data[key] = value
	r.Mappings = append(r.Mappings, automation.FieldSelectors{
		Field:     key,
		Page:      page,
		Selectors: selectors,
	})
}

// element turns a list item into the overlay for a scoped snapshot. Scalar
// items are reachable as "value".
func element(item any) map[string]any {
	if m, ok := item.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": item}
}

// BuildRequest assembles the driver payload.
func BuildRequest(t model.Target, profile model.PortalProfile, creds credential.Credentials, res Resolution, timeout time.Duration, screenshotDir string) automation.Request {
	return automation.Request{
		Action:            profile.Action(),
		BaseURL:           t.BaseURL,
		LoginURL:          t.LoginURL,
		Credentials:       creds,
		Data:              res.Data,
		FieldMappings:     res.Mappings,
		WorkflowSteps:     t.WorkflowSteps,
		TimeoutMs:         timeout.Milliseconds(),
		ScreenshotDir:     screenshotDir,
		ReferenceSelector: t.ReferenceSelector,
	}
}

// writePayload writes req to a new temp file in dir. The caller removes it.
func writePayload(dir string, req automation.Request) (string, error) {
	f, err := os.CreateTemp(dir, "customs-payload-*.json")
	if err != nil {
		return "", eris.Wrap(err, "submission: create payload file")
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(req); err != nil {
		f.Close()           //nolint:errcheck
		os.Remove(f.Name()) //nolint:errcheck
		return "", eris.Wrap(err, "submission: write payload")
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name()) //nolint:errcheck
		return "", eris.Wrap(err, "submission: close payload")
	}
	return f.Name(), nil
}
