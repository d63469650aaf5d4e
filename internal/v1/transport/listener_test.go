package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenerPlaintextPassthrough(t *testing.T) {
	l, err := NewListener("127.0.0.1:0", "", "")
	require.NoError(t, err)
	defer l.Close()

	go func() {
		conn, err := net.Dial("tcp", l.Addr().String())
		require.NoError(t, err)
		defer conn.Close()
		_, _ = conn.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	}()

	conn, err := l.Accept()
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 3)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "GET", string(buf[:n]))
}

func TestListenerTLSDisabledByDefault(t *testing.T) {
	l, err := NewListener("127.0.0.1:0", "", "")
	require.NoError(t, err)
	defer l.Close()
	assert.Nil(t, l.tlsConfig)
}
