package automation

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/customs-cli/internal/credential"
	"github.com/sells-group/customs-cli/internal/model"
)

// RodConfig configures the in-process browser driver.
type RodConfig struct {
	Headless bool
	// ControlURL attaches to a running Chrome instead of launching one.
	ControlURL string
	// ElementTimeout bounds the wait for each selector attempt.
	ElementTimeout time.Duration
	// NavigationTimeout bounds each page load.
	NavigationTimeout time.Duration
}

// RodRunner drives Chrome directly through the DevTools protocol.
type RodRunner struct {
	cfg RodConfig
}

// NewRodRunner returns a RodRunner with defaults applied.
func NewRodRunner(cfg RodConfig) *RodRunner {
	if cfg.ElementTimeout <= 0 {
		cfg.ElementTimeout = 3 * time.Second
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	return &RodRunner{cfg: cfg}
}

// Run executes the request's workflow steps. Element and navigation problems
// become a structured failure; only browser startup problems and the deadline
// are returned as errors.
func (r *RodRunner) Run(ctx context.Context, job Job) (*Result, error) {
	browser, closeFn, err := r.connect(ctx)
	if err != nil {
		return nil, eris.Wrapf(ErrProcess, "%v", err)
	}
	defer closeFn()

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, eris.Wrapf(ErrProcess, "create page: %v", err)
	}

	s := &rodSession{
		cfg:  r.cfg,
		req:  job.Request,
		page: page.Context(ctx),
		res:  &Result{},
		log:  zap.L().With(zap.String("action", job.Request.Action)),
	}

	steps := job.Request.WorkflowSteps
	if len(steps) == 0 {
		steps = DefaultSteps(job.Request)
	}
	for i, step := range steps {
		if err := s.do(step); err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, eris.Wrapf(ErrTimeout, "step %d (%s)", i+1, step.Name)
			}
			s.screenshot("failure")
			s.res.Success = false
			s.res.Error = fmt.Sprintf("step %d (%s): %v", i+1, stepLabel(step), err)
			return s.res, nil
		}
	}

	if s.res.ReferenceNumber == "" && job.Request.ReferenceSelector != "" {
		ref, err := s.readText(job.Request.ReferenceSelector)
		if err != nil {
			s.res.Warnings = append(s.res.Warnings, "reference number not found: "+err.Error())
		}
		s.res.ReferenceNumber = ref
	}
	s.screenshot("complete")
	s.res.Success = true
	return s.res, nil
}

func (r *RodRunner) connect(ctx context.Context) (*rod.Browser, func(), error) {
	controlURL := r.cfg.ControlURL
	var l *launcher.Launcher
	if controlURL == "" {
		l = launcher.New().Headless(r.cfg.Headless)
		u, err := l.Launch()
		if err != nil {
			return nil, nil, fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		if l != nil {
			l.Kill()
		}
		return nil, nil, fmt.Errorf("connect to chrome: %w", err)
	}

	return browser, func() {
		if err := browser.Close(); err != nil {
			zap.L().Debug("automation: close browser", zap.Error(err))
		}
		if l != nil {
			l.Cleanup()
		}
	}, nil
}

// DefaultSteps is the workflow used when a target configures none: open the
// login page, fill every mapped field, then read the reference.
func DefaultSteps(req Request) []model.WorkflowStep {
	var steps []model.WorkflowStep
	if req.LoginURL != "" {
		steps = append(steps, model.WorkflowStep{Name: "login page", Action: ActionNavigate, Page: req.LoginURL})
	} else if req.BaseURL != "" {
		steps = append(steps, model.WorkflowStep{Name: "portal", Action: ActionNavigate, Page: req.BaseURL})
	}
	return append(steps, model.WorkflowStep{Name: "fields", Action: ActionFillFields})
}

type rodSession struct {
	cfg   RodConfig
	req   Request
	page  *rod.Page
	res   *Result
	log   *zap.Logger
	shots int
}

func (s *rodSession) do(step model.WorkflowStep) error {
	s.log.Debug("automation: step", zap.String("step", step.Name), zap.String("step_action", step.Action))

	switch step.Action {
	case ActionNavigate:
		target := resolveURL(s.req.BaseURL, step.Page)
		if err := s.page.Timeout(s.cfg.NavigationTimeout).Navigate(target); err != nil {
			return fmt.Errorf("navigate %s: %w", target, err)
		}
		return s.page.Timeout(s.cfg.NavigationTimeout).WaitLoad()
	case ActionFill:
		return s.fill(step.Selector, expand(step.Value, s.req.Credentials))
	case ActionClick:
		el, err := s.element(step.Selector)
		if err != nil {
			return err
		}
		return el.Click(proto.InputMouseButtonLeft, 1)
	case ActionFillFields:
		return s.fillFields(step.Page)
	case ActionWait:
		if step.Selector != "" {
			_, err := s.element(step.Selector)
			return err
		}
		ctx := s.page.GetContext()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(step.WaitMs) * time.Millisecond):
			return nil
		}
	case ActionScreenshot:
		s.screenshot(step.Name)
		return nil
	case ActionReadReference:
		ref, err := s.readText(step.Selector)
		if err != nil {
			return err
		}
		s.res.ReferenceNumber = ref
		return nil
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
}

// fillFields enters every data value whose mapping belongs to page (all
// mappings when page is empty), trying each selector in order.
func (s *rodSession) fillFields(page string) error {
	for _, m := range PageFields(s.req.FieldMappings, page) {
		value, ok := s.req.Data[m.Field]
		if !ok {
			continue
		}
		var lastErr error
		filled := false
		for i, sel := range m.Selectors {
			if err := s.fill(sel, value); err != nil {
				lastErr = err
				continue
			}
			if i > 0 {
				s.res.ErrorsHandled = append(s.res.ErrorsHandled,
					fmt.Sprintf("%s: used fallback selector %q", m.Field, sel))
			}
			filled = true
			break
		}
		if !filled {
			return fmt.Errorf("element not found for field %s after %d selectors: %v", m.Field, len(m.Selectors), lastErr)
		}
	}
	return nil
}

func (s *rodSession) fill(selector, value string) error {
	el, err := s.element(selector)
	if err != nil {
		return err
	}
	if tag, err := el.Property("tagName"); err == nil && strings.EqualFold(tag.Str(), "select") {
		return el.Select([]string{value}, true, rod.SelectorTypeText)
	}
	if err := el.SelectAllText(); err != nil {
		s.log.Debug("automation: select existing text", zap.String("selector", selector), zap.Error(err))
	}
	return el.Input(value)
}

func (s *rodSession) element(selector string) (*rod.Element, error) {
	if selector == "" {
		return nil, errors.New("empty selector")
	}
	el, err := s.page.Timeout(s.cfg.ElementTimeout).Element(selector)
	if err != nil {
		return nil, fmt.Errorf("element %q not found: %w", selector, err)
	}
	return el.CancelTimeout(), nil
}

func (s *rodSession) readText(selector string) (string, error) {
	el, err := s.element(selector)
	if err != nil {
		return "", err
	}
	text, err := el.Text()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (s *rodSession) screenshot(name string) {
	if s.req.ScreenshotDir == "" {
		return
	}
	img, err := s.page.Screenshot(true, nil)
	if err != nil {
		s.log.Warn("automation: screenshot failed", zap.String("name", name), zap.Error(err))
		return
	}
	if err := os.MkdirAll(s.req.ScreenshotDir, 0o755); err != nil {
		s.log.Warn("automation: screenshot dir", zap.Error(err))
		return
	}
	s.shots++
	path := filepath.Join(s.req.ScreenshotDir, ScreenshotName(s.shots, name))
	if err := os.WriteFile(path, img, 0o644); err != nil {
		s.log.Warn("automation: write screenshot", zap.String("path", path), zap.Error(err))
		return
	}
	s.res.Screenshots = append(s.res.Screenshots, path)
}

// PageFields returns the mappings for page, or all of them when page is "".
func PageFields(mappings []FieldSelectors, page string) []FieldSelectors {
	if page == "" {
		return mappings
	}
	var out []FieldSelectors
	for _, m := range mappings {
		if m.Page == page {
			out = append(out, m)
		}
	}
	return out
}

var unsafeName = regexp.MustCompile(`[^a-z0-9]+`)

// ScreenshotName builds "<nn>-<slug>.png".
func ScreenshotName(n int, name string) string {
	slug := strings.Trim(unsafeName.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if slug == "" {
		slug = "step"
	}
	return fmt.Sprintf("%02d-%s.png", n, slug)
}

// expand substitutes {{username}}, {{password}} and {{extra.KEY}}.
func expand(v string, c credential.Credentials) string {
	if !strings.Contains(v, "{{") {
		return v
	}
	pairs := []string{"{{username}}", c.Username, "{{password}}", c.Password}
	for k, val := range c.Extra {
		pairs = append(pairs, "{{extra."+k+"}}", val)
	}
	return strings.NewReplacer(pairs...).Replace(v)
}

func resolveURL(base, ref string) string {
	if ref == "" {
		return base
	}
	r, err := url.Parse(ref)
	if err != nil || r.IsAbs() {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil || base == "" {
		return ref
	}
	return b.ResolveReference(r).String()
}

func stepLabel(step model.WorkflowStep) string {
	if step.Name != "" {
		return step.Name
	}
	return step.Action
}
