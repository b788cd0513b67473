package extractor

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kursadbilgin/citation-pipeline/internal/domain"
	"go.uber.org/zap"
)

const (
	defaultInterval      = 2 * time.Second
	defaultStableSamples = 3
	defaultMaxSteps      = 90
	defaultRedirectParam = "url"
)

type Selectors struct {
	Input    string
	Send     string
	Response string
	Sources  string
}

// DefaultSelectors targets the chat surface of the conversational service.
func DefaultSelectors() Selectors {
	return Selectors{
		Input:    "#prompt-textarea",
		Send:     `button[data-testid="send-button"]`,
		Response: `div[data-message-author-role="assistant"]`,
		Sources:  `button[aria-label="Sources"]`,
	}
}

type Options struct {
	Selectors     Selectors
	Interval      time.Duration
	StableSamples int
	MaxSteps      int
	// HostDomains are the service's own domains; links to them are never citations.
	HostDomains   []string
	RedirectParam string
}

// Response is the rendered answer to one prompt. Partial is set when the
// sample ceiling was hit before the text stopped changing.
type Response struct {
	Text    string
	Partial bool
	Samples int
	Elapsed time.Duration
}

type Extractor struct {
	opts   Options
	hosts  map[string]struct{}
	logger *zap.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(opts Options, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Selectors == (Selectors{}) {
		opts.Selectors = DefaultSelectors()
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.StableSamples <= 0 {
		opts.StableSamples = defaultStableSamples
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = defaultMaxSteps
	}
	if strings.TrimSpace(opts.RedirectParam) == "" {
		opts.RedirectParam = defaultRedirectParam
	}

	hosts := make(map[string]struct{}, len(opts.HostDomains))
	for _, h := range opts.HostDomains {
		if d := domain.HostDomain("https://" + strings.TrimSpace(h)); d != "" {
			hosts[d] = struct{}{}
		}
	}

	return &Extractor{
		opts:   opts,
		hosts:  hosts,
		logger: logger,
		now:    time.Now,
		sleep:  sleepWithContext,
	}
}

// SubmitPrompt types text into the input surface, sends it and waits for the
// new response to stabilize.
func (e *Extractor) SubmitPrompt(ctx context.Context, page Page, text string) (Response, error) {
	if strings.TrimSpace(text) == "" {
		return Response{}, fmt.Errorf("%w: prompt text is required", domain.ErrValidation)
	}

	before, _, err := page.Responses(ctx, e.opts.Selectors.Response)
	if err != nil {
		return Response{}, fmt.Errorf("read responses: %w", err)
	}
	if err := page.Fill(ctx, e.opts.Selectors.Input, text); err != nil {
		return Response{}, fmt.Errorf("fill prompt: %w", err)
	}
	if err := page.Click(ctx, e.opts.Selectors.Send); err != nil {
		return Response{}, fmt.Errorf("send prompt: %w", err)
	}

	return e.waitStable(ctx, page, before)
}

// waitStable samples the newest response every interval. It returns once the
// same non-zero length was seen StableSamples times in a row; the first
// sample of a run counts as one.
func (e *Extractor) waitStable(ctx context.Context, page Page, before int) (Response, error) {
	start := e.now()
	lastLen := -1
	run := 0
	lastText := ""

	for step := 1; step <= e.opts.MaxSteps; step++ {
		if err := e.sleep(ctx, e.opts.Interval); err != nil {
			return Response{}, err
		}

		count, text, err := page.Responses(ctx, e.opts.Selectors.Response)
		if err != nil {
			return Response{}, fmt.Errorf("read response: %w", err)
		}
		if count <= before {
			text = ""
		}

		n := utf8.RuneCountInString(strings.TrimSpace(text))
		switch {
		case n == 0:
			run = 0
		case n == lastLen:
			run++
		default:
			run = 1
		}
		lastLen = n
		if n > 0 {
			lastText = text
		}

		if run >= e.opts.StableSamples {
			return Response{Text: strings.TrimSpace(lastText), Samples: step, Elapsed: e.now().Sub(start)}, nil
		}
	}

	if lastText == "" {
		return Response{}, fmt.Errorf("%w after %d samples", domain.ErrStabilizationTimeout, e.opts.MaxSteps)
	}

	e.logger.Warn("response still changing at sample ceiling, accepting partial text",
		zap.Int("samples", e.opts.MaxSteps),
		zap.Int("length", utf8.RuneCountInString(lastText)),
	)
	return Response{
		Text:    strings.TrimSpace(lastText),
		Partial: true,
		Samples: e.opts.MaxSteps,
		Elapsed: e.now().Sub(start),
	}, nil
}

// ExtractCitations opens the sources panel and returns the links it added.
// A response without a sources affordance has no citations.
func (e *Extractor) ExtractCitations(ctx context.Context, page Page) ([]domain.Citation, error) {
	ok, err := page.Exists(ctx, e.opts.Selectors.Sources)
	if err != nil {
		return nil, fmt.Errorf("look up sources: %w", err)
	}
	if !ok {
		return []domain.Citation{}, nil
	}

	before, err := page.Links(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot links: %w", err)
	}
	if err := page.Click(ctx, e.opts.Selectors.Sources); err != nil {
		return nil, fmt.Errorf("open sources: %w", err)
	}
	if err := e.sleep(ctx, e.opts.Interval); err != nil {
		return nil, err
	}
	after, err := page.Links(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot links: %w", err)
	}

	return e.diffLinks(before, after), nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
