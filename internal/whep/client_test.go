package whep

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sinklisten/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testAnswer = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func newTestClient(url string) *Client {
	return NewClient(url, 2*time.Second, zap.NewNop().Sugar())
}

func TestCreateSession(t *testing.T) {
	var gotBody string
	var gotContentType string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/whep/sink1", r.URL.Path)
		gotContentType = r.Header.Get("Content-Type")
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)

		w.Header().Set("Location", "/api/whep/sink1/listener-abc")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(testAnswer))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL + "/api/whep")
	session, answer, err := client.CreateSession(context.Background(), "sink1", "v=0\r\noffer")

	require.NoError(t, err)
	assert.Equal(t, domain.SinkID("sink1"), session.SinkID)
	assert.Equal(t, domain.ListenerID("listener-abc"), session.ListenerID)
	assert.Equal(t, testAnswer, answer)
	assert.Equal(t, "application/sdp", gotContentType)
	assert.Equal(t, "v=0\r\noffer", gotBody)
}

func TestCreateSession_AbsoluteLocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "http://router.local/api/whep/sink1/listener-xyz")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(testAnswer))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL + "/api/whep")
	session, _, err := client.CreateSession(context.Background(), "sink1", "offer")

	require.NoError(t, err)
	assert.Equal(t, domain.ListenerID("listener-xyz"), session.ListenerID)
}

func TestCreateSession_UnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL + "/api/whep")
	_, _, err := client.CreateSession(context.Background(), "sink1", "offer")

	var protoErr *domain.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, http.StatusInternalServerError, protoErr.Status)
}

func TestCreateSession_MissingLocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(testAnswer))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL + "/api/whep")
	_, _, err := client.CreateSession(context.Background(), "sink1", "offer")

	var protoErr *domain.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Contains(t, protoErr.Error(), "Location")
}

func TestListenerIDFromLocation(t *testing.T) {
	cases := []struct {
		name     string
		location string
		want     domain.ListenerID
		wantErr  bool
	}{
		{"relative", "/api/whep/sink1/listener-abc", "listener-abc", false},
		{"absolute", "https://host:8080/api/whep/sink1/l1", "l1", false},
		{"trailing slash", "/api/whep/sink1/l2/", "l2", false},
		{"bare id", "l3", "l3", false},
		{"empty", "", "", true},
		{"slash only", "/", "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := listenerIDFromLocation(tc.location)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, id)
		})
	}
}

func TestSendCandidate(t *testing.T) {
	var got domain.Candidate

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		require.Equal(t, "/api/whep/sink1/listener-abc", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL + "/api/whep")
	session := &domain.Session{SinkID: "sink1", ListenerID: "listener-abc"}

	err := client.SendCandidate(context.Background(), session, domain.Candidate{
		Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host",
		SDPMid:    "0",
	})

	require.NoError(t, err)
	assert.Equal(t, "0", got.SDPMid)
	assert.Contains(t, got.Candidate, "typ host")
}

func TestPollCandidates_NotFoundMeansEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL + "/api/whep")
	session := &domain.Session{SinkID: "sink1", ListenerID: "listener-abc"}

	candidates, err := client.PollCandidates(context.Background(), session)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestPollCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/whep/sink1/listener-abc/candidates", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]domain.Candidate{
			{Candidate: "candidate:1 1 udp 1 10.0.0.1 4000 typ host", SDPMid: "0"},
			{Candidate: "candidate:2 1 udp 2 10.0.0.2 4001 typ srflx", SDPMid: "0"},
		})
	}))
	defer srv.Close()

	client := newTestClient(srv.URL + "/api/whep")
	session := &domain.Session{SinkID: "sink1", ListenerID: "listener-abc"}

	candidates, err := client.PollCandidates(context.Background(), session)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Contains(t, candidates[1].Candidate, "srflx")
}

func TestPollCandidates_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL + "/api/whep")
	session := &domain.Session{SinkID: "sink1", ListenerID: "listener-abc"}

	_, err := client.PollCandidates(context.Background(), session)
	var protoErr *domain.ProtocolError
	require.ErrorAs(t, err, &protoErr)
}

func TestSendHeartbeat(t *testing.T) {
	t.Run("alive", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		client := newTestClient(srv.URL + "/api/whep")
		alive, err := client.SendHeartbeat(context.Background(), &domain.Session{SinkID: "sink1", ListenerID: "l1"})
		require.NoError(t, err)
		assert.True(t, alive)
	})

	t.Run("session gone", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		client := newTestClient(srv.URL + "/api/whep")
		alive, err := client.SendHeartbeat(context.Background(), &domain.Session{SinkID: "sink1", ListenerID: "l1"})
		require.NoError(t, err)
		assert.False(t, alive)
	})

	t.Run("network failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close() // refuse connections

		client := newTestClient(srv.URL + "/api/whep")
		alive, err := client.SendHeartbeat(context.Background(), &domain.Session{SinkID: "sink1", ListenerID: "l1"})
		assert.False(t, alive)
		assert.Error(t, err)
	})
}

func TestDeleteSession(t *testing.T) {
	deleted := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/api/whep/sink1/listener-abc", r.URL.Path)
		deleted = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL + "/api/whep")
	err := client.DeleteSession(context.Background(), &domain.Session{SinkID: "sink1", ListenerID: "listener-abc"})
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestTransportErrorsPropagate(t *testing.T) {
	client := newTestClient("http://127.0.0.1:1/api/whep")
	session := &domain.Session{SinkID: "sink1", ListenerID: "l1"}

	_, _, err := client.CreateSession(context.Background(), "sink1", "offer")
	assert.Error(t, err)
	var protoErr *domain.ProtocolError
	assert.False(t, errors.As(err, &protoErr), "transport failures are not protocol errors")

	_, err = client.PollCandidates(context.Background(), session)
	assert.Error(t, err)
}
