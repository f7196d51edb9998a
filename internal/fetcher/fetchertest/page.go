// Package fetchertest provides in-memory stand-ins for the page and OCR
// capabilities.
package fetchertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rate-watch/internal/browser"
)

// Page is a scripted fetcher.Page. Each Navigate consumes the next entry of
// Results (the last entry repeats).
type Page struct {
	mu sync.Mutex

	Options        []string
	CaptchaPresent bool
	Results        [][][]string
	NavigateErr    error
	SelectErr      error
	CaptchaErr     error
	SubmitErr      error

	Navigations   int
	CaptchaFetch  int
	Submissions   int
	Selected      map[string]string
	Filled        map[string]string
	current       [][]string
	resultCounter int
}

// NewPage returns a page offering the given currency labels and a captcha.
func NewPage(options ...string) *Page {
	return &Page{Options: options, CaptchaPresent: true}
}

// Queue appends the result rows served for a future cycle.
func (p *Page) Queue(rows ...[]string) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Results = append(p.Results, rows)
	return p
}

// Navigate implements fetcher.Page.
func (p *Page) Navigate(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NavigateErr != nil {
		return p.NavigateErr
	}
	p.Navigations++
	p.Selected = map[string]string{}
	p.Filled = map[string]string{}
	p.current = nil
	return nil
}

// SelectOption implements fetcher.Page.
func (p *Page) SelectOption(_ context.Context, name, label string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SelectErr != nil {
		return p.SelectErr
	}
	for _, opt := range p.Options {
		if opt == label {
			p.Selected[name] = label
			return nil
		}
	}
	return fmt.Errorf("%w: %q", browser.ErrSelection, label)
}

// WaitPresent implements fetcher.Page.
func (p *Page) WaitPresent(_ context.Context, id string, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.CaptchaPresent {
		return fmt.Errorf("%w: #%s after %s", browser.ErrTimeout, id, timeout)
	}
	return nil
}

// CaptchaImage implements fetcher.Page.
func (p *Page) CaptchaImage(context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CaptchaFetch++
	if p.CaptchaErr != nil {
		return nil, p.CaptchaErr
	}
	return []byte(fmt.Sprintf("img-%d", p.CaptchaFetch)), nil
}

// Fill implements fetcher.Page.
func (p *Page) Fill(name, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Filled[name] = value
	return nil
}

// Submit implements fetcher.Page.
func (p *Page) Submit(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SubmitErr != nil {
		return p.SubmitErr
	}
	p.Submissions++
	if len(p.Results) == 0 {
		p.current = nil
		return nil
	}
	idx := p.resultCounter
	if idx >= len(p.Results) {
		idx = len(p.Results) - 1
	}
	p.resultCounter++
	p.current = p.Results[idx]
	return nil
}

// ResultRows implements fetcher.Page.
func (p *Page) ResultRows(context.Context) ([][]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, nil
}

// OCR answers Classify calls from a script; once exhausted it repeats the
// last reply.
type OCR struct {
	mu      sync.Mutex
	Replies []string
	Calls   int
}

// NewOCR returns an OCR fake answering with replies in order.
func NewOCR(replies ...string) *OCR {
	return &OCR{Replies: replies}
}

// Classify implements captcha.Classifier.
func (o *OCR) Classify(context.Context, []byte) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Calls++
	if len(o.Replies) == 0 {
		return "", nil
	}
	idx := o.Calls - 1
	if idx >= len(o.Replies) {
		idx = len(o.Replies) - 1
	}
	return o.Replies[idx], nil
}

// Row builds a result row whose second column is rate.
func Row(rate string) []string {
	return []string{"美元", rate, "706.56", "715.37", "715.37", "2025.01.01 10:00:00"}
}
