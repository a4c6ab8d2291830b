package diskcache

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/berdl/tableserve/logger"
	"github.com/berdl/tableserve/store"
)

// ErrSourceUnavailable marks fetch failures where the upstream could not
// deliver the backing file. Callers should treat it as transient.
var ErrSourceUnavailable = errors.New("table source unavailable")

// Source materializes the backing file for a table into dest. pangenomeID
// is empty for the table's default file.
type Source interface {
	Fetch(ctx context.Context, tableID, pangenomeID, dest string) error
}

// PangenomeSource is implemented by sources that can list a table's
// pangenome metadata without materializing the backing file. Sources that
// do not implement it fall back to the metadata table bundled into the
// backing file itself.
type PangenomeSource interface {
	Pangenomes(ctx context.Context, tableID string) ([]store.Pangenome, error)
}

// FileSource serves backing files from a local directory, primarily for
// development and tests. Files are laid out as <dir>/<tableID>.db, or
// <dir>/<tableID>.<pangenomeID>.db for pangenome-specific ones.
type FileSource struct {
	Dir string
}

func (s FileSource) Fetch(ctx context.Context, tableID, pangenomeID, dest string) error {
	name := tableID + ".db"
	if pangenomeID != "" {
		name = tableID + "." + pangenomeID + ".db"
	}
	src, err := os.Open(filepath.Join(s.Dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(store.ErrTableNotFound, "no backing file for %s", tableID)
		}
		return errors.Mark(err, ErrSourceUnavailable)
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return errors.Wrap(err, "failed to create backing file")
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dest)
		return errors.Mark(err, ErrSourceUnavailable)
	}
	return out.Close()
}

const fetchRetries = 5

// HTTPSource downloads backing files over HTTP. Transient failures are
// retried with exponential backoff before being reported as unavailable.
type HTTPSource struct {
	BaseURL string
	Token   string
	Client  *http.Client
	Logger  logger.Logger
}

func (s HTTPSource) Fetch(ctx context.Context, tableID, pangenomeID, dest string) error {
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return errors.Wrapf(err, "invalid source base url %s", s.BaseURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + url.PathEscape(tableID)
	if pangenomeID != "" {
		q := u.Query()
		q.Set("pangenome", pangenomeID)
		u.RawQuery = q.Encode()
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	var resp *http.Response
	for i := 0; i < fetchRetries; i++ {
		isLast := i == fetchRetries-1
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return errors.Wrap(err, "failed to create fetch request")
		}
		if s.Token != "" {
			req.Header.Set("Authorization", "Bearer "+s.Token)
		}
		resp, err = client.Do(req)
		if shouldRetry(resp, err) && !isLast {
			if s.Logger != nil {
				s.Logger.Trace("source returned retryable error for %s, retrying...", tableID)
			}
			if resp != nil {
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}
			// exponential backoff
			v := 150 * math.Pow(2, float64(i))
			time.Sleep(time.Duration(v) * time.Millisecond)
			continue
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return errors.Mark(errors.Wrapf(err, "failed to fetch %s", u.String()), ErrSourceUnavailable)
		}
		break
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.Wrapf(store.ErrTableNotFound, "source has no table %s", tableID)
	case resp.StatusCode != http.StatusOK:
		return errors.Mark(
			errors.Newf("source returned %s for %s", resp.Status, u.String()),
			ErrSourceUnavailable)
	}

	out, err := os.Create(dest)
	if err != nil {
		return errors.Wrap(err, "failed to create backing file")
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(dest)
		return errors.Mark(err, ErrSourceUnavailable)
	}
	return out.Close()
}

// Pangenomes asks the upstream for the table's pangenome metadata directly.
func (s HTTPSource) Pangenomes(ctx context.Context, tableID string) ([]store.Pangenome, error) {
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid source base url %s", s.BaseURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + url.PathEscape(tableID) + "/pangenomes"

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create pangenome request")
	}
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to fetch %s", u.String()), ErrSourceUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.Wrapf(store.ErrTableNotFound, "source has no table %s", tableID)
	case resp.StatusCode != http.StatusOK:
		return nil, errors.Mark(
			errors.Newf("source returned %s for %s", resp.Status, u.String()),
			ErrSourceUnavailable)
	}

	var pangenomes []store.Pangenome
	if err := json.NewDecoder(resp.Body).Decode(&pangenomes); err != nil {
		return nil, errors.Wrap(err, "failed to decode pangenome metadata")
	}
	return pangenomes, nil
}

func shouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
			return true
		} else if msg := err.Error(); strings.Contains(msg, "EOF") {
			return true
		}
	}
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusRequestTimeout, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusTooManyRequests:
			return true
		}
	}
	return false
}
