// Package browser drives the bank's quote form over plain HTTP.
//
// The quote page is server rendered: the currency <select>, the captcha
// <img> and the query form are all present in the initial HTML, and the
// query answer comes back as a new document. A cookie-jarred HTTP client plus
// goquery therefore covers the "load, select, fill, click, read" cycle
// without a headless browser.
package browser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/net/html/charset"
)

var (
	// ErrSelection reports that the requested option label is not offered.
	ErrSelection = errors.New("browser: option not found")
	// ErrTimeout reports that an element never appeared within the wait budget.
	ErrTimeout = errors.New("browser: timed out waiting for element")
	// ErrNotFound reports a missing element the page layout requires.
	ErrNotFound = errors.New("browser: element not found")
	// ErrNoPage reports an operation before Navigate or Submit.
	ErrNoPage = errors.New("browser: no document loaded")
)

const defaultPollInterval = 500 * time.Millisecond

// Options parameterise a Session.
type Options struct {
	URL            string
	UserAgent      string
	Timeout        time.Duration
	CaptchaImageID string
	SubmitValue    string
	ResultTable    string
	PollInterval   time.Duration
}

// Session is one long-lived page handle. Navigate starts a fresh visit with
// an empty cookie jar, so nothing carries over between cycles.
type Session struct {
	opts   Options
	client *resty.Client
	logger zerolog.Logger

	pageURL *url.URL
	doc     *goquery.Document
	result  *goquery.Document
	fields  url.Values
}

// NewSession validates opts and builds a Session.
func NewSession(opts Options, logger zerolog.Logger) (*Session, error) {
	target, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("page url %q must be absolute", opts.URL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}

	client := resty.New().SetTimeout(opts.Timeout)
	if opts.UserAgent != "" {
		client.SetHeader("User-Agent", opts.UserAgent)
	}

	return &Session{
		opts:   opts,
		client: client,
		logger: logger.With().Str("component", "browser").Logger(),
		fields: url.Values{},
	}, nil
}

// Navigate loads the quote page from scratch.
func (s *Session) Navigate(ctx context.Context) error {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return err
	}
	s.client.SetCookieJar(jar)
	s.result = nil
	s.fields = url.Values{}

	doc, pageURL, err := s.get(ctx, s.opts.URL)
	if err != nil {
		return err
	}
	s.doc, s.pageURL = doc, pageURL
	return nil
}

// SelectOption picks the option whose visible text equals label in the
// <select name=name>.
func (s *Session) SelectOption(_ context.Context, name, label string) error {
	if s.doc == nil {
		return ErrNoPage
	}

	sel := s.doc.Find("select").FilterFunction(func(_ int, el *goquery.Selection) bool {
		return el.AttrOr("name", "") == name
	})
	if sel.Length() == 0 {
		return fmt.Errorf("%w: select %q", ErrNotFound, name)
	}

	var (
		value string
		found bool
	)
	sel.First().Find("option").EachWithBreak(func(_ int, opt *goquery.Selection) bool {
		text := strings.TrimSpace(opt.Text())
		if text != label {
			return true
		}
		if v, ok := opt.Attr("value"); ok {
			value = v
		} else {
			value = text
		}
		found = true
		return false
	})
	if !found {
		return fmt.Errorf("%w: %q in select %q", ErrSelection, label, name)
	}

	s.fields.Set(name, value)
	return nil
}

// WaitPresent polls for an element with the given id, reloading the page
// between checks, until timeout elapses.
func (s *Session) WaitPresent(ctx context.Context, id string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if s.doc != nil && byID(s.doc, id).Length() > 0 {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: #%s after %s", ErrTimeout, id, timeout)
		}
		wait := s.opts.PollInterval
		if remaining < wait {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		doc, pageURL, err := s.get(ctx, s.opts.URL)
		if err != nil {
			return err
		}
		s.doc, s.pageURL = doc, pageURL
	}
}

// CaptchaImage downloads a new rendering of the captcha. The image URL is
// cache-busted so a refreshed code is served on every call.
func (s *Session) CaptchaImage(ctx context.Context) ([]byte, error) {
	if s.doc == nil {
		return nil, ErrNoPage
	}

	img := byID(s.doc, s.opts.CaptchaImageID)
	src, ok := img.Attr("src")
	if img.Length() == 0 || !ok || strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("%w: captcha image #%s", ErrNotFound, s.opts.CaptchaImageID)
	}

	ref, err := url.Parse(strings.TrimSpace(src))
	if err != nil {
		return nil, fmt.Errorf("parse captcha src: %w", err)
	}
	target := s.pageURL.ResolveReference(ref)
	q := target.Query()
	q.Set("_", strconv.FormatInt(time.Now().UnixNano(), 10))
	target.RawQuery = q.Encode()

	res, err := s.client.R().SetContext(ctx).Get(target.String())
	if err != nil {
		return nil, fmt.Errorf("fetch captcha: %w", err)
	}
	if !res.IsSuccess() {
		return nil, fmt.Errorf("fetch captcha: status %d", res.StatusCode())
	}
	if len(res.Body()) == 0 {
		return nil, fmt.Errorf("fetch captcha: empty body")
	}
	return res.Body(), nil
}

// Fill sets a form field for the next Submit.
func (s *Session) Fill(name, value string) error {
	if s.doc == nil {
		return ErrNoPage
	}
	s.fields.Set(name, value)
	return nil
}

// Submit sends the form holding the control labelled SubmitValue, merging
// the page's own field values with those set by SelectOption and Fill.
func (s *Session) Submit(ctx context.Context) error {
	if s.doc == nil {
		return ErrNoPage
	}

	button := s.doc.Find("input, button").FilterFunction(func(_ int, el *goquery.Selection) bool {
		if strings.TrimSpace(el.AttrOr("value", "")) == s.opts.SubmitValue {
			return true
		}
		return goquery.NodeName(el) == "button" && strings.TrimSpace(el.Text()) == s.opts.SubmitValue
	}).First()
	if button.Length() == 0 {
		return fmt.Errorf("%w: submit control %q", ErrNotFound, s.opts.SubmitValue)
	}

	form := button.Closest("form")
	if form.Length() == 0 {
		return fmt.Errorf("%w: form around %q", ErrNotFound, s.opts.SubmitValue)
	}

	values := formValues(form)
	for k, vs := range s.fields {
		values[k] = vs
	}
	if name := button.AttrOr("name", ""); name != "" {
		values.Set(name, s.opts.SubmitValue)
	}

	action, err := url.Parse(strings.TrimSpace(form.AttrOr("action", "")))
	if err != nil {
		return fmt.Errorf("parse form action: %w", err)
	}
	target := s.pageURL.ResolveReference(action)

	var res *resty.Response
	req := s.client.R().SetContext(ctx).SetHeader("Referer", s.pageURL.String())
	if strings.EqualFold(form.AttrOr("method", "get"), "post") {
		res, err = req.SetFormDataFromValues(values).Post(target.String())
	} else {
		target.RawQuery = values.Encode()
		res, err = req.Get(target.String())
	}
	if err != nil {
		return fmt.Errorf("submit query: %w", err)
	}
	if !res.IsSuccess() {
		return fmt.Errorf("submit query: status %d", res.StatusCode())
	}

	doc, err := parseDocument(res)
	if err != nil {
		return err
	}
	s.result = doc
	s.logger.Debug().Str("url", target.String()).Int("fields", len(values)).Msg("query submitted")
	return nil
}

// ResultRows returns the cell texts of every row in the result table,
// header row excluded.
func (s *Session) ResultRows(_ context.Context) ([][]string, error) {
	if s.result == nil {
		return nil, ErrNoPage
	}

	rows := make([][]string, 0)
	s.result.Find(s.opts.ResultTable + " tr").Each(func(i int, tr *goquery.Selection) {
		if i == 0 {
			return
		}
		cells := make([]string, 0, 8)
		tr.Find("td").Each(func(_ int, td *goquery.Selection) {
			cells = append(cells, strings.TrimSpace(td.Text()))
		})
		rows = append(rows, cells)
	})
	return rows, nil
}

// Close releases pooled connections.
func (s *Session) Close() error {
	s.doc, s.result = nil, nil
	s.client.GetClient().CloseIdleConnections()
	return nil
}

func (s *Session) get(ctx context.Context, target string) (*goquery.Document, *url.URL, error) {
	res, err := s.client.R().SetContext(ctx).Get(target)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", target, err)
	}
	if !res.IsSuccess() {
		return nil, nil, fmt.Errorf("load %s: status %d", target, res.StatusCode())
	}

	doc, err := parseDocument(res)
	if err != nil {
		return nil, nil, err
	}

	final, err := url.Parse(target)
	if err != nil {
		return nil, nil, err
	}
	if res.RawResponse != nil && res.RawResponse.Request != nil && res.RawResponse.Request.URL != nil {
		final = res.RawResponse.Request.URL
	}
	return doc, final, nil
}

func parseDocument(res *resty.Response) (*goquery.Document, error) {
	reader, err := charset.NewReader(bytes.NewReader(res.Body()), res.Header().Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("decode page charset: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(reader)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

func byID(doc *goquery.Document, id string) *goquery.Selection {
	return doc.Find("[id]").FilterFunction(func(_ int, el *goquery.Selection) bool {
		return el.AttrOr("id", "") == id
	}).First()
}

// formValues collects what a browser would submit for form before any user
// edits: named inputs (checked boxes only), selects and textareas.
func formValues(form *goquery.Selection) url.Values {
	values := url.Values{}

	form.Find("input").Each(func(_ int, in *goquery.Selection) {
		name := in.AttrOr("name", "")
		if name == "" {
			return
		}
		switch strings.ToLower(in.AttrOr("type", "text")) {
		case "submit", "button", "image", "reset", "file":
			return
		case "checkbox", "radio":
			if _, checked := in.Attr("checked"); !checked {
				return
			}
			values.Add(name, in.AttrOr("value", "on"))
		default:
			values.Add(name, in.AttrOr("value", ""))
		}
	})

	form.Find("select").Each(func(_ int, sel *goquery.Selection) {
		name := sel.AttrOr("name", "")
		if name == "" {
			return
		}
		opt := sel.Find("option[selected]").First()
		if opt.Length() == 0 {
			opt = sel.Find("option").First()
		}
		if opt.Length() == 0 {
			return
		}
		if v, ok := opt.Attr("value"); ok {
			values.Set(name, v)
		} else {
			values.Set(name, strings.TrimSpace(opt.Text()))
		}
	})

	form.Find("textarea").Each(func(_ int, ta *goquery.Selection) {
		if name := ta.AttrOr("name", ""); name != "" {
			values.Set(name, ta.Text())
		}
	})

	return values
}
