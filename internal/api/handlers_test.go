package api

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/clipforge/renderbridge/internal/models"
)

func strPtr(s string) *string { return &s }

func TestVideoLinksOnlyExposesConfirmedURL(t *testing.T) {
	// URL not yet confirmed by the transfer machine: in progress, no URL
	resp := videoLinks(&models.RenderRequest{
		JobID:          "job-1",
		Status:         models.RenderStatusCompleted,
		TransferStatus: models.TransferStatusInProgress,
	})
	assert.False(t, resp.Success)
	assert.Nil(t, resp.VideoURL)
	assert.Equal(t, "Render in progress", resp.Message)

	// Confirmed copy: URL exposed
	resp = videoLinks(&models.RenderRequest{
		JobID:          "job-1",
		Status:         models.RenderStatusCompleted,
		TransferStatus: models.TransferStatusCompleted,
		VideoURL:       strPtr("https://storage.googleapis.com/b/v.mp4"),
	})
	assert.True(t, resp.Success)
	assert.Equal(t, "https://storage.googleapis.com/b/v.mp4", *resp.VideoURL)

	// Failed render reports failure, never a URL
	resp = videoLinks(&models.RenderRequest{
		JobID:  "job-1",
		Status: models.RenderStatusFailed,
	})
	assert.False(t, resp.Success)
	assert.Equal(t, "Render failed", resp.Message)
}

func TestJobStatusCarriesErrorReason(t *testing.T) {
	resp := jobStatus(&models.RenderRequest{
		JobID:        "job-1",
		Status:       models.RenderStatusFailed,
		ErrorMessage: strPtr("render engine call failed"),
	})
	assert.Equal(t, models.RenderStatusFailed, resp.Status)
	assert.Equal(t, "render engine call failed", *resp.Error)
}

func TestMergeRenderResult(t *testing.T) {
	// Row without a reason picks up the worker's, plus the refund amount.
	resp := jobStatus(&models.RenderRequest{
		JobID:  "job-1",
		Status: models.RenderStatusFailed,
	})
	mergeRenderResult(&resp, &models.RenderResult{
		Status:         "failed",
		JobID:          "job-1",
		Error:          "render engine returned status 500",
		TokensRefunded: 3,
	})
	assert.Equal(t, "render engine returned status 500", *resp.Error)
	assert.Equal(t, 3, resp.TokensRefunded)

	// Row that already carries a reason keeps it.
	resp = jobStatus(&models.RenderRequest{
		JobID:        "job-1",
		Status:       models.RenderStatusFailed,
		ErrorMessage: strPtr("invalid payload: missing timeline"),
	})
	mergeRenderResult(&resp, &models.RenderResult{
		Status:         "failed",
		Error:          "render engine returned status 500",
		TokensRefunded: 1,
	})
	assert.Equal(t, "invalid payload: missing timeline", *resp.Error)
	assert.Equal(t, 1, resp.TokensRefunded)
}
