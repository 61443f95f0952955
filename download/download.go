// Package download implements the multipart downloader: validate
// destinations, probe each source's size/ETag, preallocate, then fetch
// byte ranges in parallel and write them to disk.
//
// Ported from the Python client's MultipartFileDownloader
// (nominal/core/_utils/multipart_downloader.py): HEAD-or-probe planning
// with up to 3 presign-expiry retries, preallocation via truncate,
// per-destination cancellation on first part failure, and cleanup of
// partial output. The parallel fan-out itself follows rclone's
// fs/chunkedreader shape (N goroutines over disjoint byte ranges of one
// object).
package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nominal-io/nominal-client-sub001/chunksize"
	"github.com/nominal-io/nominal-client-sub001/fserrors"
	"github.com/nominal-io/nominal-client-sub001/presign"
	"github.com/nominal-io/nominal-client-sub001/xlog"
)

// Item describes one file to download.
type Item struct {
	Provider    *presign.Provider
	Destination string
	PartSize    int64
}

// Results is the outcome of a multi-file download.
type Results struct {
	Succeeded []string
	Failed    map[string]error
}

type plannedDownload struct {
	item      Item
	totalSize int64
	etag      string
}

func (p plannedDownload) ranges() []chunksize.Range {
	partSize := p.item.PartSize
	if partSize <= 0 {
		partSize = chunksize.DefaultPartSize
	}
	if p.totalSize == 0 {
		return []chunksize.Range{{Start: 0, End: -1}}
	}
	return chunksize.Ranges(p.totalSize, partSize)
}

// Options configures a Downloader.
type Options struct {
	MaxWorkers     int
	MaxPartRetries int
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = runtime.NumCPU()
	}
	if o.MaxPartRetries <= 0 {
		o.MaxPartRetries = 3
	}
	if o.Logger == nil {
		o.Logger = xlog.Default()
	}
	return o
}

// Downloader drives the multipart download algorithm against presigned
// URLs obtained from each Item's Provider.
type Downloader struct {
	http *http.Client
	opts Options
}

// New builds a Downloader. httpClient performs the HEAD/GET probes and
// ranged GETs directly against the presigned URL.
func New(httpClient *http.Client, opts Options) *Downloader {
	return &Downloader{http: httpClient, opts: opts.withDefaults()}
}

// DownloadFile downloads a single item and returns its destination path.
func (d *Downloader) DownloadFile(ctx context.Context, item Item) (string, error) {
	res := d.Download(ctx, []Item{item})
	if err, failed := res.Failed[item.Destination]; failed {
		return "", err
	}
	for _, dest := range res.Succeeded {
		if dest == item.Destination {
			return dest, nil
		}
	}
	return "", fmt.Errorf("unknown error downloading to %s", item.Destination)
}

// Download downloads many items using a shared worker pool, reporting each
// destination as succeeded or failed. A destination whose part fetch fails
// has its partial file removed; planning failures never create a file, and
// a destination that fails validation (e.g. it already exists) is left as
// it was found.
func (d *Downloader) Download(ctx context.Context, items []Item) Results {
	failed := make(map[string]error)

	for _, item := range items {
		if err := checkDestination(item.Destination); err != nil {
			failed[item.Destination] = err
		}
	}

	var plans []plannedDownload
	for _, item := range items {
		if _, bad := failed[item.Destination]; bad {
			continue
		}
		plan, err := d.planItem(ctx, item)
		if err != nil {
			failed[item.Destination] = err
			continue
		}
		if err := preallocate(item.Destination, plan.totalSize); err != nil {
			failed[item.Destination] = err
			continue
		}
		plans = append(plans, plan)
	}

	execFailed := d.runDownloads(ctx, plans)
	for dest, err := range execFailed {
		failed[dest] = err
	}

	var succeeded []string
	for _, plan := range plans {
		if _, bad := failed[plan.item.Destination]; !bad {
			succeeded = append(succeeded, plan.item.Destination)
		}
	}

	// Only clean up artifacts we ourselves preallocated and then failed to
	// fill in; a destination that failed validation (e.g. it already
	// existed) was never ours to delete.
	for dest := range execFailed {
		if _, err := os.Stat(dest); err == nil {
			d.opts.Logger.Info("removing failed download artifact", "destination", dest)
			_ = os.Remove(dest)
		}
	}

	return Results{Succeeded: succeeded, Failed: failed}
}

// runDownloads submits every range of every plan to the worker pool and
// collects per-destination failures, cancelling a destination's remaining
// ranges as soon as one of its parts fails.
func (d *Downloader) runDownloads(ctx context.Context, plans []plannedDownload) map[string]error {
	failed := make(map[string]error)
	if len(plans) == 0 {
		return failed
	}

	var mu sync.Mutex
	cancels := make(map[string]context.CancelFunc, len(plans))
	destCtx := make(map[string]context.Context, len(plans))
	for _, plan := range plans {
		pctx, cancel := context.WithCancel(ctx)
		cancels[plan.item.Destination] = cancel
		destCtx[plan.item.Destination] = pctx
	}
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	group, _ := errgroup.WithContext(ctx)
	sem := make(chan struct{}, d.opts.MaxWorkers)

	for _, plan := range plans {
		plan := plan
		dest := plan.item.Destination
		for _, r := range plan.ranges() {
			r := r
			group.Go(func() error {
				sem <- struct{}{}
				defer func() { <-sem }()

				mu.Lock()
				pctx := destCtx[dest]
				mu.Unlock()

				err := d.fetchRange(pctx, plan.item.Provider, r, plan.etag, dest)
				if err != nil {
					mu.Lock()
					if _, already := failed[dest]; !already {
						failed[dest] = err
						d.opts.Logger.Error("download part failed, cancelling remaining parts", "destination", dest, "start", r.Start, "error", err)
						cancels[dest]()
					}
					mu.Unlock()
				}
				return nil
			})
		}
	}
	_ = group.Wait()
	return failed
}

func (d *Downloader) planItem(ctx context.Context, item Item) (plannedDownload, error) {
	totalSize, etag, err := d.headOrProbe(ctx, item.Provider)
	if err != nil {
		return plannedDownload{}, err
	}
	return plannedDownload{item: item, totalSize: totalSize, etag: etag}, nil
}

// headOrProbe discovers an object's size and ETag via HEAD, falling back to
// a zero-byte ranged GET when the HEAD response lacks Content-Length.
// Expired-status responses invalidate the provider and retry, up to 3
// attempts total.
func (d *Downloader) headOrProbe(ctx context.Context, provider *presign.Provider) (int64, string, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		url, err := provider.Get(attempt > 0)
		if err != nil {
			return 0, "", err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return 0, "", err
		}
		resp, err := d.http.Do(req)
		if err == nil {
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				if cl := resp.Header.Get("Content-Length"); cl != "" {
					size, parseErr := strconv.ParseInt(cl, 10, 64)
					etag := resp.Header.Get("ETag")
					_ = resp.Body.Close()
					if parseErr == nil {
						return size, etag, nil
					}
				} else {
					_ = resp.Body.Close()
				}
			} else {
				_ = resp.Body.Close()
			}
		}

		total, etag, probeErr := d.probeRange(ctx, url)
		if probeErr == nil {
			return total, etag, nil
		}

		if httpErr, ok := probeErr.(*fserrors.HTTPError); ok && fserrors.IsExpiredStatus(httpErr.StatusCode) {
			provider.Invalidate()
			lastErr = probeErr
			continue
		}
		return 0, "", probeErr
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("could not determine object size/etag (presigned URL kept failing)")
	}
	return 0, "", lastErr
}

func (d *Downloader) probeRange(ctx context.Context, url string) (int64, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := d.http.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return 0, "", &fserrors.HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: body}
	}

	etag := resp.Header.Get("ETag")
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if idx := strings.LastIndex(cr, "/"); idx >= 0 {
			total, parseErr := strconv.ParseInt(cr[idx+1:], 10, 64)
			if parseErr == nil {
				return total, etag, nil
			}
		}
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		total, parseErr := strconv.ParseInt(cl, 10, 64)
		if parseErr == nil {
			return total, etag, nil
		}
	}
	return 0, "", fmt.Errorf("probe response missing Content-Range/Content-Length")
}

// fetchRange GETs one byte range with up to MaxPartRetries attempts,
// re-signing on expiry, and writes the body to destination at offset
// r.Start. A non-expired 4xx status is treated as permanent and not
// retried.
func (d *Downloader) fetchRange(ctx context.Context, provider *presign.Provider, r chunksize.Range, expectedETag, destination string) error {
	var lastErr error
	rangeHeader := fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
	if r.End < 0 {
		rangeHeader = "bytes=0-"
	}

	for attempt := 0; attempt < d.opts.MaxPartRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		url, err := provider.Get(false)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Range", rangeHeader)

		resp, err := d.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if fserrors.IsExpiredStatus(resp.StatusCode) {
			_ = resp.Body.Close()
			provider.Invalidate()
			lastErr = &fserrors.HTTPError{StatusCode: resp.StatusCode}
			continue
		}
		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			_ = resp.Body.Close()
			httpErr := &fserrors.HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: body}
			return httpErr // permanent, non-expired 4xx/5xx: do not retry
		}

		if expectedETag != "" {
			if got := resp.Header.Get("ETag"); got != "" && got != expectedETag {
				_ = resp.Body.Close()
				return fmt.Errorf("object changed during download: etag mismatch")
			}
		}

		err = writeAt(destination, r.Start, resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("unknown error downloading range")
	}
	return lastErr
}

func checkDestination(path string) error {
	parent := filepath.Dir(path)
	if _, err := os.Stat(parent); err != nil {
		return fmt.Errorf("output directory does not exist: %s", parent)
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("destination already exists: %s", path)
	}
	return nil
}

func preallocate(path string, totalSize int64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(totalSize)
}

func writeAt(path string, start int64, r io.Reader) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return err
	}
	_, err = io.Copy(f, r)
	return err
}
