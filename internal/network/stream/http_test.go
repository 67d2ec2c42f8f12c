package stream

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/danmu-push-go/pkg/util/merr"
)

func newHTTPStreamServer(t *testing.T, writeTimeout time.Duration) (*httptest.Server, <-chan *HTTPWriter) {
	ready := make(chan *HTTPWriter, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hw, err := NewHTTPWriter(r.Context(), w, "", writeTimeout)
		if !assert.NoError(t, err) {
			return
		}
		ready <- hw
		<-hw.Done()
		hw.Drain()
	}))
	t.Cleanup(srv.Close)
	return srv, ready
}

func TestHTTPWriterPeerClose(t *testing.T) {
	srv, ready := newHTTPStreamServer(t, 0)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))

	hw := <-ready
	closed := make(chan struct{})
	hw.NotifyOnClose(func() { close(closed) })

	require.NoError(t, hw.Write([]byte("hello\n")))
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hello\n", line)

	resp.Body.Close()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("close callback was not invoked")
	}
	assert.NoError(t, hw.Err())
	assert.ErrorIs(t, hw.Write([]byte("late")), merr.ErrStreamClosed)

	called := false
	hw.NotifyOnClose(func() { called = true })
	assert.True(t, called)
}

func TestHTTPWriterClose(t *testing.T) {
	srv, ready := newHTTPStreamServer(t, 0)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	hw := <-ready
	count := 0
	hw.NotifyOnClose(func() { count++ })
	require.NoError(t, hw.Write([]byte("a")))
	require.NoError(t, hw.Write([]byte("b")))
	require.NoError(t, hw.Close())
	require.NoError(t, hw.Close())

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(body))
	assert.Equal(t, 1, count)

	select {
	case <-hw.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

// dialStalledPeer 发出请求后不再读取响应，服务端的写入最终会被 TCP 窗口阻塞。
func dialStalledPeer(t *testing.T, srv *httptest.Server) {
	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = conn.Write([]byte("GET / HTTP/1.1\r\nHost: push\r\n\r\n"))
	require.NoError(t, err)
}

func writeUntilError(hw *HTTPWriter) <-chan error {
	chunk := bytes.Repeat([]byte("x"), 64<<10)
	errCh := make(chan error, 1)
	go func() {
		for {
			if err := hw.Write(chunk); err != nil {
				errCh <- err
				return
			}
		}
	}()
	return errCh
}

func TestHTTPWriterCloseWithStalledPeer(t *testing.T) {
	srv, ready := newHTTPStreamServer(t, time.Minute)
	dialStalledPeer(t, srv)

	hw := <-ready
	errCh := writeUntilError(hw)
	time.Sleep(100 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		assert.NoError(t, hw.Close())
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close waited for a stalled write")
	}

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stalled write was not aborted")
	}
	hw.Drain()
}

func TestHTTPWriterWriteTimeout(t *testing.T) {
	srv, ready := newHTTPStreamServer(t, 200*time.Millisecond)
	dialStalledPeer(t, srv)

	hw := <-ready
	select {
	case err := <-writeUntilError(hw):
		assert.ErrorIs(t, err, merr.ErrStreamWriteFailed)
	case <-time.After(10 * time.Second):
		t.Fatal("write did not time out")
	}

	select {
	case <-hw.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stream should close after a failed write")
	}
	assert.Error(t, hw.Err())
}
