package transfer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/soulseek-go/slsk/internal/conn"
	"github.com/soulseek-go/slsk/internal/logger"
)

func TestWriteStartThenReadStartRoundTrips(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ca := conn.Adopt(a, conn.DefaultOptions, logger.New("a"), conn.Handlers{})
	cb := conn.Adopt(b, conn.DefaultOptions, logger.New("b"), conn.Handlers{})

	done := make(chan error, 1)
	go func() {
		done <- writeStart(context.Background(), ca, 99, 1234)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	token, offset, err := readStart(ctx, cb)
	require.NoError(t, err)
	require.NoError(t, <-done)

	require.Equal(t, uint32(99), token)
	require.Equal(t, int64(1234), offset)
}
