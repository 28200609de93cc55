/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/kentakayama/uptane-primary/internal/infra/httpclient"
	"github.com/kentakayama/uptane-primary/internal/uptane"
)

const copyChunkSize = 32 * 1024

// ImageFetcher streams the content of a target image into w. progress is
// called with the number of bytes written so far and stops the transfer
// when it returns false.
type ImageFetcher interface {
	FetchImage(ctx context.Context, target uptane.Target, w io.Writer, progress func(written int64) bool) error
}

// ImageURL is the download location of target: its own URI when the
// metadata sets one, the Image repository's targets/ path otherwise.
func (f *HTTPFetcher) ImageURL(target uptane.Target) string {
	if target.URI != "" {
		return target.URI
	}
	return f.imageURL + "/targets/" + url.PathEscape(target.Filename)
}

func (f *HTTPFetcher) FetchImage(ctx context.Context, target uptane.Target, w io.Writer, progress func(written int64) bool) error {
	src := f.ImageURL(target)
	resp, err := f.client.Download(ctx, src, w, target.Length, progress)
	switch {
	case ctx.Err() != nil, errors.Is(err, httpclient.ErrAborted):
		return uptane.NewLocallyAborted(uptane.RepoImage.String())
	case errors.Is(err, httpclient.ErrResponseTooLarge):
		return uptane.NewOversizedTarget(target.Filename)
	case err != nil:
		return fmt.Errorf("download %s: %w", target.Filename, err)
	case !resp.IsOK():
		f.logger.Warnf("download %s: %s", src, resp.Status)
		return fmt.Errorf("download %s: %s", target.Filename, resp.Status)
	}
	return nil
}

// FetchImage copies an image out of the offline source.
func (f *DirFetcher) FetchImage(ctx context.Context, target uptane.Target, w io.Writer, progress func(written int64) bool) error {
	file, err := os.Open(f.ImagePath(target.Filename))
	if err != nil {
		return fmt.Errorf("open offline image %s: %w", target.Filename, err)
	}
	defer file.Close()

	buf := make([]byte, copyChunkSize)
	var written int64
	for {
		if ctx.Err() != nil {
			return uptane.NewLocallyAborted(uptane.RepoImage.String())
		}
		n, rerr := file.Read(buf)
		if n > 0 {
			if written+int64(n) > target.Length {
				return uptane.NewOversizedTarget(target.Filename)
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return fmt.Errorf("write image %s: %w", target.Filename, err)
			}
			written += int64(n)
			if progress != nil && !progress(written) {
				return uptane.NewLocallyAborted(uptane.RepoImage.String())
			}
		}
		if errors.Is(rerr, io.EOF) {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("read offline image %s: %w", target.Filename, rerr)
		}
	}
}
