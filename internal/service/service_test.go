package service

import (
	"bufio"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/danmu-push-go/internal/json"
	"github.com/lk2023060901/danmu-push-go/internal/registry"
	"github.com/lk2023060901/danmu-push-go/pkg/metrics"
	"github.com/lk2023060901/danmu-push-go/pkg/util/merr"
)

type ServiceSuite struct {
	suite.Suite

	reg *registry.Registry
	svc *Service
	srv *httptest.Server
}

func (s *ServiceSuite) SetupTest() {
	gatherer := prometheus.NewRegistry()
	gatherer.MustRegister(metrics.DeliveryTotal)

	s.reg = registry.NewRegistry(registry.Options{BucketSize: 4})
	s.svc = New(s.reg, Config{MaxBodyBytes: 64, Gatherer: gatherer})
	s.srv = httptest.NewServer(s.svc.Handler())
}

func (s *ServiceSuite) TearDownTest() {
	s.srv.CloseClientConnections()
	s.srv.Close()
	s.reg.Close()
}

func (s *ServiceSuite) get(path string, header ...string) (int, string) {
	req, err := http.NewRequest(http.MethodGet, s.srv.URL+path, nil)
	s.Require().NoError(err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	return resp.StatusCode, string(body)
}

func (s *ServiceSuite) post(path, body string) (int, string) {
	resp, err := http.Post(s.srv.URL+path, "application/octet-stream", strings.NewReader(body))
	s.Require().NoError(err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	return resp.StatusCode, string(data)
}

// subscribe 建立长连接并等待会话注册完成。
func (s *ServiceSuite) subscribe(query string, key registry.UserKey) (*http.Response, *bufio.Reader) {
	before := s.reg.GetSession(key)
	resp, err := http.Get(s.srv.URL + "/subscribe?" + query)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Require().Eventually(func() bool {
		cur := s.reg.GetSession(key)
		return cur != nil && cur != before
	}, 5*time.Second, 5*time.Millisecond)
	return resp, bufio.NewReader(resp.Body)
}

func (s *ServiceSuite) TestSubscribeValidation() {
	cases := []struct {
		query string
		code  string
	}{
		{"", "code=1101"},
		{"u=abc", "code=1100"},
		{"u=1&t=99999", "code=1100"},
		{"u=1&i=soon", "code=1100"},
	}
	for _, c := range cases {
		status, body := s.get("/subscribe?" + c.query)
		s.Equal(http.StatusBadRequest, status, c.query)
		s.True(strings.HasPrefix(body, c.code), "query=%s body=%s", c.query, body)
	}
	for _, bucket := range s.reg.Buckets() {
		s.Equal(0, bucket.CountSession())
	}
}

func (s *ServiceSuite) TestNotifyToUser() {
	key := registry.NewUserKey(1, 2)
	resp, stream := s.subscribe("u=1&t=2&r=earth,mars", key)
	defer resp.Body.Close()

	status, body := s.post("/notify_to_user?u=1&t=2", "hello\n")
	s.Equal(http.StatusOK, status)
	s.Equal("delivered\nuser=1 terminal=2\n", body)

	line, err := stream.ReadString('\n')
	s.Require().NoError(err)
	s.Equal("hello\n", line)

	_, body = s.post("/notify_to_user?u=1", "hello\n")
	s.Equal("offline\nuser=1 terminal=0\n", body)

	status, body = s.post("/notify_to_user?t=2", "hello\n")
	s.Equal(http.StatusBadRequest, status)
	s.True(strings.HasPrefix(body, "code=1101"), body)
}

func (s *ServiceSuite) TestNotifyToRoom() {
	resp1, stream1 := s.subscribe("u=1&r=earth,mars", registry.NewUserKey(1, 0))
	defer resp1.Body.Close()
	resp2, stream2 := s.subscribe("u=2&r=mars", registry.NewUserKey(2, 0))
	defer resp2.Body.Close()

	status, body := s.post("/notify_to_room?r=mars,pluto", "news\n")
	s.Equal(http.StatusOK, status)
	s.Equal("room[mars] delivered=2 failed=0\nroom[pluto] delivered=0 failed=0\n", body)

	for _, stream := range []*bufio.Reader{stream1, stream2} {
		line, err := stream.ReadString('\n')
		s.Require().NoError(err)
		s.Equal("news\n", line)
	}

	status, body = s.post("/notify_to_room", "x")
	s.Equal(http.StatusBadRequest, status)
	s.True(strings.HasPrefix(body, "code=1101"), body)

	status, body = s.post("/notify_to_room?r=,,", "x")
	s.Equal(http.StatusBadRequest, status)
	s.True(strings.HasPrefix(body, "code=1100"), body)

	status, body = s.post("/notify_to_room?r=mars", strings.Repeat("x", 65))
	s.Equal(http.StatusRequestEntityTooLarge, status)
	s.True(strings.HasPrefix(body, "code=1102"), body)
}

func (s *ServiceSuite) TestDisconnectRemovesSession() {
	key := registry.NewUserKey(3, 0)
	resp, _ := s.subscribe("u=3&r=earth", key)
	s.NotNil(s.reg.Bucket(3).GetRoom(registry.NewRoomKey("earth")))

	resp.Body.Close()
	s.Eventually(func() bool {
		return s.reg.GetSession(key) == nil
	}, 5*time.Second, 5*time.Millisecond)
	s.Nil(s.reg.Bucket(3).GetRoom(registry.NewRoomKey("earth")))
}

func (s *ServiceSuite) TestReplaceClosesOldStream() {
	key := registry.NewUserKey(4, 0)
	oldResp, oldStream := s.subscribe("u=4&r=earth", key)
	defer oldResp.Body.Close()
	first := s.reg.GetSession(key)

	newResp, newStream := s.subscribe("u=4&r=mars", key)
	defer newResp.Body.Close()
	second := s.reg.GetSession(key)
	s.NotSame(first, second)

	// 旧连接被服务端关闭，读到 EOF。
	_, err := io.ReadAll(oldStream)
	s.NoError(err)

	// 旧连接的断线通知不会影响新会话。
	s.Never(func() bool {
		return s.reg.GetSession(key) != second
	}, 100*time.Millisecond, 10*time.Millisecond)
	s.Nil(s.reg.Bucket(4).GetRoom(registry.NewRoomKey("earth")))

	_, body := s.post("/notify_to_user?u=4", "again\n")
	s.Equal("delivered\nuser=4 terminal=0\n", body)
	line, err := newStream.ReadString('\n')
	s.Require().NoError(err)
	s.Equal("again\n", line)
}

func (s *ServiceSuite) TestUpdateRooms() {
	_, body := s.post("/update_rooms?u=5&r=a", "")
	s.Equal("offline\nuser=5 terminal=0\n", body)

	key := registry.NewUserKey(5, 0)
	resp, _ := s.subscribe("u=5&r=a,b", key)
	defer resp.Body.Close()
	sess := s.reg.GetSession(key)

	_, body = s.post("/update_rooms?u=5&r=a,b", "")
	s.Equal("unchanged\nuser=5 terminal=0\n", body)

	_, body = s.post("/update_rooms?u=5&r=b,c", "")
	s.Equal("updated\nuser=5 terminal=0\n", body)
	s.Same(sess, s.reg.GetSession(key))
	s.Nil(s.reg.Bucket(5).GetRoom(registry.NewRoomKey("a")))
	s.True(s.reg.Bucket(5).GetRoom(registry.NewRoomKey("c")).HasSession(sess))

	status, body := s.post("/update_rooms?u=5", "")
	s.Equal(http.StatusBadRequest, status)
	s.True(strings.HasPrefix(body, "code=1101"), body)
}

func (s *ServiceSuite) TestUnsubscribe() {
	key := registry.NewUserKey(6, 0)
	resp, stream := s.subscribe("u=6&r=earth", key)
	defer resp.Body.Close()

	_, body := s.post("/unsubscribe?u=6", "")
	s.Equal("removed\nuser=6 terminal=0\n", body)
	s.Nil(s.reg.GetSession(key))

	_, err := io.ReadAll(stream)
	s.NoError(err)

	_, body = s.post("/unsubscribe?u=6", "")
	s.Equal("offline\nuser=6 terminal=0\n", body)
}

func (s *ServiceSuite) TestShowSession() {
	_, body := s.get("/show_session?u=7")
	s.Equal("offline\n", body)

	_, body = s.get("/show_session?u=7", "Accept", "application/json")
	var offline userResult
	s.Require().NoError(json.Unmarshal([]byte(body), &offline))
	s.Equal(resultOffline, offline.Result)
	s.Require().NotNil(offline.Error)
	s.Equal(merr.Code(merr.ErrSessionOffline), offline.Error.Code)

	resp, _ := s.subscribe("u=7&t=1&r=earth,mars", registry.NewUserKey(7, 1))
	defer resp.Body.Close()

	_, body = s.get("/show_session?u=7&t=1")
	s.True(strings.HasPrefix(body, "danmu.Session { uid=7 device_type=1 "), body)
	s.True(strings.HasSuffix(body, "interested_room=earth,mars, }\n"), body)

	_, body = s.get("/show_session?u=7&t=1", "Accept", "application/json")
	var sum registry.SessionSummary
	s.Require().NoError(json.Unmarshal([]byte(body), &sum))
	s.Equal(int64(7), sum.UID)
	s.Equal([]string{"earth", "mars"}, sum.InterestedRooms)
}

func (s *ServiceSuite) TestShowRoomAndBucket() {
	resp1, _ := s.subscribe("u=1&r=earth", registry.NewUserKey(1, 0))
	defer resp1.Body.Close()
	resp2, _ := s.subscribe("u=5&r=earth", registry.NewUserKey(5, 0))
	defer resp2.Body.Close()
	resp3, _ := s.subscribe("u=2&r=earth", registry.NewUserKey(2, 0))
	defer resp3.Body.Close()

	_, body := s.get("/show_room?r=earth,pluto")
	s.Equal("room[earth] :"+
		"\n                bucket[1] size=2"+
		"\n                bucket[2] size=1\n"+
		"room[pluto] :\n", body)

	status, _ := s.get("/show_room")
	s.Equal(http.StatusBadRequest, status)

	_, body = s.get("/show_bucket")
	lines := strings.Split(strings.TrimSuffix(body, "\n"), "\n")
	s.Require().Len(lines, 4)
	s.Equal("Bucket { index=0 sessions=0 rooms=0 crowded=0 }", lines[0])
	s.Equal("Bucket { index=1 sessions=2 rooms=1 crowded=2 }", lines[1])

	_, body = s.get("/show_bucket", "Accept", "application/json")
	var buckets []registry.BucketSummary
	s.Require().NoError(json.Unmarshal([]byte(body), &buckets))
	s.Require().Len(buckets, 4)
	s.Equal(registry.BucketSummary{Index: 2, Sessions: 1, Rooms: 1, Crowded: 1}, buckets[2])

	status, body = s.get("/show_room", "Accept", "application/json")
	s.Equal(http.StatusBadRequest, status)
	s.Contains(body, `"code":1101`)
}

func (s *ServiceSuite) TestWebSocketSubscribe() {
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws/subscribe?u=8&r=earth"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	s.Require().NoError(err)

	key := registry.NewUserKey(8, 0)
	s.Require().Eventually(func() bool {
		return s.reg.GetSession(key) != nil
	}, 5*time.Second, 5*time.Millisecond)

	_, body := s.post("/notify_to_room?r=earth", "ws-news")
	s.Equal("room[earth] delivered=1 failed=0\n", body)

	_, data, err := conn.ReadMessage()
	s.Require().NoError(err)
	s.Equal("ws-news", string(data))

	s.Require().NoError(conn.Close())
	s.Eventually(func() bool {
		return s.reg.GetSession(key) == nil
	}, 5*time.Second, 5*time.Millisecond)
}

func (s *ServiceSuite) TestWebSocketValidation() {
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws/subscribe?u=oops"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	s.Require().Error(err)
	s.Require().NotNil(resp)
	s.Equal(http.StatusBadRequest, resp.StatusCode)
}

func (s *ServiceSuite) TestMetrics() {
	s.post("/notify_to_user?u=99", "x")
	status, body := s.get("/metrics")
	s.Equal(http.StatusOK, status)
	s.Contains(body, "push_delivery_total")
}

func TestService(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func TestCloseStreams(t *testing.T) {
	reg := registry.NewRegistry(registry.Options{BucketSize: 2})
	defer reg.Close()
	svc := New(reg, Config{})
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/subscribe?u=1&r=earth")
	require.NoError(t, err)
	defer resp.Body.Close()
	key := registry.NewUserKey(1, 0)
	require.Eventually(t, func() bool {
		return reg.GetSession(key) != nil
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, svc.CloseStreams())
	_, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Nil(t, reg.GetSession(key))
	assert.Nil(t, reg.Bucket(1).GetRoom(registry.NewRoomKey("earth")))

	resp, err = http.Get(srv.URL + "/subscribe?u=2&r=earth")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.True(t, strings.HasPrefix(string(body), "code=1 "), string(body))
	assert.Nil(t, reg.GetSession(registry.NewUserKey(2, 0)))
}
