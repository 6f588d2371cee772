package slsk

import (
	"context"
	"fmt"
	"io"

	"github.com/soulseek-go/slsk/internal/transfer"
)

// DownloadFile requests remoteFilename from username and streams it
// into output starting at resumeOffset, blocking until the transfer
// reaches a terminal state (spec §4.6 "Download" / §2 "Orchestrators").
// obs receives lifecycle and progress events for the duration of the
// call.
func (c *Client) DownloadFile(ctx context.Context, username, remoteFilename string, resumeOffset int64, output io.Writer, obs transfer.Observer) (*transfer.Transfer, error) {
	endpoint, err := c.session.ResolveEndpoint(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("slsk: resolve %s: %w", username, err)
	}
	t := transfer.New(transfer.Download, username, remoteFilename, c.tokens.Next(), 0, obs)
	if err := c.downloader.Download(ctx, endpoint, t, resumeOffset, output); err != nil {
		return t, err
	}
	return t, nil
}
