package client

import (
	"context"
	"net"
	"testing"
	"time"

	"blobgate/pkg/core"
	"blobgate/pkg/rpc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvertised(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		bound      net.Addr
		want       string
	}{
		{"configured wins", "blobs.example:7000", &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1}, "blobs.example:7000"},
		{"ipv4 any", "", &net.TCPAddr{IP: net.IPv4zero, Port: 4000}, "127.0.0.1:4000"},
		{"ipv6 any", "", &net.TCPAddr{IP: net.IPv6unspecified, Port: 4001}, "127.0.0.1:4001"},
		{"concrete", "", &net.TCPAddr{IP: net.IPv4(192, 168, 1, 2), Port: 4002}, "192.168.1.2:4002"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, advertised(tt.configured, tt.bound))
		})
	}
}

func TestGRPCListener_DeliversReplies(t *testing.T) {
	got := make(chan *core.Reply, 1)
	l := NewGRPCListener("127.0.0.1:0", "", nil)
	addr, err := l.Start(func(rep *core.Reply) { got <- rep })
	require.NoError(t, err)
	defer l.Stop()

	_, err = l.Start(func(*core.Reply) {})
	assert.Error(t, err, "double start")

	conn, err := rpc.Dial(addr)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ack, err := rpc.NewResponseClient(conn).Deliver(ctx, &core.Reply{ID: "abc"})
	require.NoError(t, err)
	assert.True(t, ack.Accepted)

	select {
	case rep := <-got:
		assert.Equal(t, "abc", rep.ID.String())
	case <-time.After(2 * time.Second):
		t.Fatal("reply never delivered")
	}

	require.NoError(t, l.Stop())
	require.NoError(t, l.Stop())
}
