package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmissionStatusValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status   SubmissionStatus
		want     string
		terminal bool
	}{
		{SubmissionStatusPending, "pending", false},
		{SubmissionStatusRunning, "running", false},
		{SubmissionStatusSubmitted, "submitted", true},
		{SubmissionStatusFailed, "failed", true},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, string(tt.status))
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}

func TestSubmission_AppendLog(t *testing.T) {
	var s Submission
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	s.AppendLog(at, LogLevelInfo, "first")
	s.AppendLog(at.Add(time.Second), LogLevelError, "second")

	require.Len(t, s.Log, 2)
	assert.Equal(t, "first", s.Log[0].Message)
	assert.Equal(t, LogLevelError, s.Log[1].Level)
	assert.True(t, s.Log[1].Timestamp.After(s.Log[0].Timestamp))
}

func TestParseConfidence(t *testing.T) {
	assert.Equal(t, ConfidenceHigh, ParseConfidence("high"))
	assert.Equal(t, ConfidenceLow, ParseConfidence("low"))
	assert.Equal(t, ConfidenceMedium, ParseConfidence(""))
	assert.Equal(t, ConfidenceMedium, ParseConfidence("certain"))
}

func TestPortalProfile(t *testing.T) {
	assert.True(t, PortalProfileGeneric.Valid())
	assert.True(t, PortalProfileCAPS.Valid())
	assert.False(t, PortalProfile("asycuda").Valid())
	assert.Equal(t, "submit_declaration", PortalProfileGeneric.Action())
	assert.Equal(t, "submit_caps_declaration", PortalProfileCAPS.Action())
}

func TestTarget_OrderedPagesAndFields(t *testing.T) {
	target := Target{
		Pages: []Page{
			{Name: "items", Sequence: 2},
			{Name: "header", Sequence: 1, Fields: []FieldMapping{
				{Name: "b", TabOrder: 2},
				{Name: "a", TabOrder: 1},
				{Name: "c", TabOrder: 2},
			}},
		},
	}

	pages := target.OrderedPages()
	require.Len(t, pages, 2)
	assert.Equal(t, "header", pages[0].Name)
	assert.Equal(t, "items", pages[1].Name)

	fields := pages[0].OrderedFields()
	assert.Equal(t, []string{"a", "b", "c"}, []string{fields[0].Name, fields[1].Name, fields[2].Name})
	// Original order untouched.
	assert.Equal(t, "items", target.Pages[0].Name)
}

func TestTarget_CloneIsDeep(t *testing.T) {
	orig := Target{Pages: []Page{{Name: "p", Fields: []FieldMapping{{Name: "f", TargetSelectors: []string{"#a"}}}}}}
	c := orig.Clone()
	c.Pages[0].Fields[0].TargetSelectors[0] = "#changed"
	c.Pages[0].Name = "q"

	assert.Equal(t, "#a", orig.Pages[0].Fields[0].TargetSelectors[0])
	assert.Equal(t, "p", orig.Pages[0].Name)
}

func TestSubmissionClone(t *testing.T) {
	t.Parallel()

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	orig := &Submission{
		ID:          "s1",
		Status:      SubmissionStatusPending,
		StartedAt:   &started,
		Log:         []LogEntry{{Level: LogLevelInfo, Message: "submission created"}},
		AIDecisions: []MatchDecision{},
		Screenshots: []string{"a.png"},
		Warnings:    []string{"w"},
	}

	c := orig.Clone()
	require.Equal(t, orig, c)

	c.Status = SubmissionStatusRunning
	c.AppendLog(started, LogLevelInfo, "submission started")
	c.Screenshots[0] = "b.png"
	c.Warnings = append(c.Warnings, "x")
	*c.StartedAt = started.Add(time.Hour)

	assert.Equal(t, SubmissionStatusPending, orig.Status)
	assert.Len(t, orig.Log, 1)
	assert.Equal(t, "a.png", orig.Screenshots[0])
	assert.Equal(t, []string{"w"}, orig.Warnings)
	assert.Equal(t, started, *orig.StartedAt)
	assert.NotNil(t, c.AIDecisions)
	assert.Nil(t, c.CompletedAt)
}
