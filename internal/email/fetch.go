package email

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var ErrTooLarge = errors.New("attachment exceeds size limit")

// FetchURL downloads an attachment body, retrying transient failures with
// exponential backoff. Client errors (4xx) are not retried. A body longer
// than maxSize fails with ErrTooLarge whatever the server claims in its
// headers; maxSize <= 0 disables the cap.
func FetchURL(ctx context.Context, client *http.Client, url string, maxSize int64) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}

	var body []byte

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(fmt.Errorf("fetch %s: status %d", url, resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
		}

		if maxSize > 0 && resp.ContentLength > maxSize {
			return backoff.Permanent(fmt.Errorf("%w: %s declares %d bytes, limit is %d", ErrTooLarge, url, resp.ContentLength, maxSize))
		}

		var r io.Reader = resp.Body
		if maxSize > 0 {
			r = io.LimitReader(resp.Body, maxSize+1)
		}

		body, err = io.ReadAll(r)
		if err != nil {
			return err
		}
		if maxSize > 0 && int64(len(body)) > maxSize {
			return backoff.Permanent(fmt.Errorf("%w: %s is larger than %d bytes", ErrTooLarge, url, maxSize))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx)); err != nil {
		return nil, fmt.Errorf("attachment download error: %w", err)
	}

	return body, nil
}
