package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const postProcessTimeout = 2 * time.Minute

type postProcessRequest struct {
	JobID    string `json:"jobId"`
	ReportID string `json:"reportId"`
}

// PostProcessor calls the End-of-Day scoring endpoint once a run has finished
// all of its batches. A zero-value endpoint disables it.
type PostProcessor struct {
	client   *resty.Client
	endpoint string
}

func NewPostProcessor(endpoint string) (*PostProcessor, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return &PostProcessor{}, nil
	}

	client, err := newRestyClient(endpoint, postProcessTimeout)
	if err != nil {
		return nil, fmt.Errorf("post processor: %w", err)
	}
	return &PostProcessor{client: client, endpoint: endpoint}, nil
}

func (p *PostProcessor) Enabled() bool {
	return p != nil && p.client != nil
}

func (p *PostProcessor) Run(ctx context.Context, jobID, reportID string) error {
	if !p.Enabled() {
		return nil
	}

	_, err := execute(ctx, p.client.R().
		SetBody(postProcessRequest{JobID: jobID, ReportID: reportID}), http.MethodPost, p.endpoint)
	return err
}
