// Package webhook wires the scheduling engine into a webhook reminder
// service: every due job fires one outbound HTTP call.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"webtimer/internal/models"
	"webtimer/internal/scheduler"
)

// Payload is the application data carried by webhook timer jobs.
type Payload struct {
	URL string `json:"url"`
}

type Sender struct {
	client *http.Client
	logger zerolog.Logger
}

func NewSender(timeout time.Duration, logger zerolog.Logger) *Sender {
	return &Sender{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Handler returns the job handler: POST {payload.url}/{job.id} with an
// empty body. Any transport error or non-2xx status counts as a failed
// attempt and feeds the retry engine.
func (s *Sender) Handler() scheduler.Handler {
	return func(ctx context.Context, job models.JobView) error {
		var payload Payload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("decode job payload: %w", err)
		}

		target := strings.TrimSuffix(payload.URL, "/") + "/" + job.ID

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("call webhook %s: %w", target, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("webhook %s returned status %d", target, resp.StatusCode)
		}

		s.logger.Debug().Str("job_id", job.ID).Str("url", target).Msg("webhook delivered")
		return nil
	}
}
