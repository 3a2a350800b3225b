package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/customs-cli/internal/model"
)

func TestFormatSubmissionsList(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	done := now.Add(95 * time.Second)
	subs := []model.Submission{
		{
			ID:                "abc12345-6789-0000-0000-000000000000",
			TargetID:          "ky-customs",
			DeclarationID:     "D-100",
			Status:            model.SubmissionStatusSubmitted,
			ExternalReference: "TD-2025-0042",
			StartedAt:         &now,
			CompletedAt:       &done,
			CreatedAt:         now,
		},
		{
			ID:            "def12345-6789-0000-0000-000000000000",
			TargetID:      "ky-customs",
			DeclarationID: "D-101",
			Status:        model.SubmissionStatusFailed,
			Error:         "automation timeout: context deadline exceeded after 300s",
			RetryCount:    2,
			CreatedAt:     now,
		},
	}

	var buf bytes.Buffer
	formatSubmissionsList(&buf, subs)

	output := buf.String()
	assert.Contains(t, output, "DECLARATION")
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc12345-6789")
	assert.Contains(t, output, "TD-2025-0042")
	assert.Contains(t, output, "1m35s")
	assert.Contains(t, output, "2025-06-15 10:30")
	assert.Contains(t, output, "failed")
	assert.Contains(t, output, "automation timeout: context...")
}

func TestFormatSubmission(t *testing.T) {
	sub := &model.Submission{
		ID:            "s1",
		TargetID:      "ky-customs",
		DeclarationID: "D-1",
		Status:        model.SubmissionStatusFailed,
		Error:         "portal rejected the submission",
		RetryCount:    1,
		PreviousID:    "s0",
		Warnings:      []string{"unresolved required field header/bond_number"},
		Screenshots:   []string{"a.png", "b.png"},
	}

	var buf bytes.Buffer
	formatSubmission(&buf, sub)

	output := buf.String()
	assert.Contains(t, output, "Status:      failed")
	assert.Contains(t, output, "portal rejected the submission")
	assert.Contains(t, output, "1 of s0")
	assert.Contains(t, output, "header/bond_number")
	assert.Contains(t, output, "Screenshots: 2")
	assert.NotContains(t, output, "Reference:")
}

func TestOutcomeErr(t *testing.T) {
	assert.NoError(t, outcomeErr(&model.Submission{Status: model.SubmissionStatusSubmitted}))
	err := outcomeErr(&model.Submission{ID: "s1", Status: model.SubmissionStatusFailed, Error: "boom"})
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "boom")
	}
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789"))
	assert.Equal(t, "short", truncateID("short"))
}
