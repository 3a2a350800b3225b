package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/customs-cli/internal/automation"
	"github.com/sells-group/customs-cli/internal/credential"
	"github.com/sells-group/customs-cli/internal/declaration"
	"github.com/sells-group/customs-cli/internal/model"
	"github.com/sells-group/customs-cli/internal/store"
	"github.com/sells-group/customs-cli/internal/submission"
	"github.com/sells-group/customs-cli/internal/target"
)

type countingRunner struct {
	calls atomic.Int32
}

func (r *countingRunner) Run(_ context.Context, _ automation.Job) (*automation.Result, error) {
	n := r.calls.Add(1)
	return &automation.Result{Success: true, ReferenceNumber: fmt.Sprintf("REF-%d", n)}, nil
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateSubmission_AsyncDispatch(t *testing.T) {
	ctx := context.Background()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	declDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(declDir, "D-1.json"),
		[]byte(`{"shipper":{"country":"US"}}`), 0o600))

	runner := &countingRunner{}
	o := submission.New(submission.Deps{
		Store: st,
		Targets: target.NewRegistry(model.Target{
			ID:       "ky-customs",
			Name:     "Cayman Customs",
			BaseURL:  "https://portal.example.ky",
			LoginURL: "https://portal.example.ky/login",
			Country:  "KY",
			Profile:  model.PortalProfileGeneric,
			Pages: []model.Page{{
				Name:     "header",
				Sequence: 1,
				Fields: []model.FieldMapping{
					{Name: "origin_country", TargetSelectors: []string{"#origin"}, Source: model.DataSource{FieldPath: "shipper.country"}},
				},
			}},
		}),
		Declarations: declaration.NewFileSource(declDir),
		Credentials: credential.NewStatic(map[string]credential.Credentials{
			"ky-customs": {Username: "broker", Password: "s3cret"},
		}),
		Runner: runner,
	}, submission.Config{TempDir: t.TempDir(), ScreenshotDir: t.TempDir()})

	async := submission.NewAsync(o)
	h := NewServer(o, st, async).Handler(Options{})

	const requests = 5
	codes := make([]int, requests)
	bodies := make([]model.Submission, requests)
	var wg sync.WaitGroup
	for i := range requests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := serve(h, http.MethodPost, "/submissions", `{"target_id":"ky-customs","declaration_id":"D-1"}`)
			codes[i] = rec.Code
			_ = json.Unmarshal(rec.Body.Bytes(), &bodies[i])
		}()
	}
	wg.Wait()
	async.Wait()

	for i := range requests {
		assert.Equal(t, http.StatusAccepted, codes[i])
		assert.Equal(t, model.SubmissionStatusPending, bodies[i].Status, "response reflects the record before the run")
		require.NotEmpty(t, bodies[i].ID)

		saved, err := st.GetSubmission(ctx, bodies[i].ID)
		require.NoError(t, err)
		assert.Equal(t, model.SubmissionStatusSubmitted, saved.Status)
	}
	assert.Equal(t, int32(requests), runner.calls.Load())
}
