package slsk

import (
	"context"
	"fmt"
)

// NotifyUploadReady tells username we're ready to start sending a
// previously-queued file, for host code that accepted a queued
// TransferRequest via WithAllowUpload's UploadDecision.Queue and has
// now decided to serve it (spec §4.6 "TransferStart notification" /
// §2 "Orchestrators" upload flow).
func (c *Client) NotifyUploadReady(ctx context.Context, username, filename string, token uint32, fileSize int64) error {
	endpoint, err := c.session.ResolveEndpoint(ctx, username)
	if err != nil {
		return fmt.Errorf("slsk: resolve %s: %w", username, err)
	}
	return c.uploader.NotifyReady(ctx, endpoint, username, filename, token, fileSize)
}
