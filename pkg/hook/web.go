package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	cfg_hook "github.com/opst/pipelab/pkg/configs/hook"
)

// Web is a webhook for before/after hooks.
type Web[T any, R any] struct {
	// BeforeURL is a list of URLs to call before processing the value T.
	//
	// The value T is sent as a JSON payload for each URL.
	//
	// If and only if all of the URLs return a 2xx status code, the hook proceeds.
	// Otherwise, the hook fails.
	BeforeURL []*url.URL

	// AfterURL is a list of URLs to call after processing the value T.
	//
	// The value T is sent as a JSON payload for each URL.
	//
	// All URLs are called even if some of them fail.
	AfterURL []*url.URL

	// Merge combines responses of before hooks.
	//
	// If nil, the last JSON response wins.
	Merge func(a, b R) R

	// Client sends requests. If nil, http.DefaultClient is used.
	Client *http.Client
}

// Build creates a webhook from config.
//
// Each request times out after timeout. Zero means no timeout.
func Build[T any](cfg cfg_hook.WebHook, timeout time.Duration) Web[T, struct{}] {
	return Web[T, struct{}]{
		BeforeURL: cfg.Before,
		AfterURL:  cfg.After,
		Merge:     func(struct{}, struct{}) struct{} { return struct{}{} },
		Client:    &http.Client{Timeout: timeout},
	}
}

func (w Web[T, R]) sendRequest(ctx context.Context, url string, payload []byte) (R, bool, error) {
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return *new(R), false, errors.Join(err, ErrHookFailed)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return *new(R), false, errors.Join(err, ErrHookFailed)
	}
	defer resp.Body.Close()

	ctype := resp.Header.Get("Content-Type")
	if 200 <= resp.StatusCode && resp.StatusCode < 300 {
		if strings.HasPrefix(ctype, "application/json") {
			r := new(R)
			if err := json.NewDecoder(resp.Body).Decode(r); err != nil {
				return *r, false, errors.Join(err, ErrHookFailed)
			}
			return *r, true, nil
		}
		return *new(R), false, nil
	}

	if !strings.HasPrefix(ctype, "text/") && !(strings.HasPrefix(ctype, "application/") && strings.Contains(ctype, "json")) {
		return *new(R), false, fmt.Errorf(
			"%w (%s %d, Content-Type: %s)",
			ErrHookFailed, url, resp.StatusCode, ctype,
		)
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return *new(R), false, fmt.Errorf(
		"%w (%s %d, Content-Type: %s): %s",
		ErrHookFailed, url, resp.StatusCode, ctype, string(body),
	)
}

func (w Web[T, R]) Before(ctx context.Context, value T) (R, error) {
	buf, err := json.Marshal(value)
	if err != nil {
		return *new(R), err
	}

	ret := *new(R)
	for i, u := range w.BeforeURL {
		r, isJSON, err := w.sendRequest(ctx, u.String(), buf)
		if err != nil {
			return *new(R), err
		}
		switch {
		case !isJSON:
		case i == 0 || w.Merge == nil:
			ret = r
		default:
			ret = w.Merge(ret, r)
		}
	}
	return ret, nil
}

func (w Web[T, R]) After(ctx context.Context, value T) error {
	buf, err := json.Marshal(value)
	if err != nil {
		return err
	}

	errs := []error{}
	for _, u := range w.AfterURL {
		if _, _, err := w.sendRequest(ctx, u.String(), buf); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
