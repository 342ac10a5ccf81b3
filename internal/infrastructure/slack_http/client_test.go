package slack_http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/approval-gate/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event() domain.NotificationEvent {
	return domain.NotificationEvent{
		ExecutionID:   "exec-1",
		Token:         "tok-1",
		Pipeline:      "pipeline-dev",
		ReferenceLink: "https://github.com/octo/app/commit/abc",
	}
}

func TestClient_NotifyPostsApprovalPrompt(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat.postMessage", r.URL.Path)
		assert.Equal(t, "Bearer xoxb", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true,"ts":"1.2"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "xoxb", "G012", time.Second)
	require.NoError(t, c.Notify(context.Background(), event()))

	assert.Equal(t, "G012", got.Channel)
	require.Len(t, got.Attachments, 1)
	actions := got.Attachments[0].Actions
	require.Len(t, actions, 2)
	assert.NotNil(t, actions[0].Confirm)

	d, v, err := domain.DecodeAction(actions[0].Value)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionApprove, d)
	assert.Equal(t, "tok-1", v.Token)

	d, _, err = domain.DecodeAction(actions[1].Value)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionReject, d)
}

func TestClient_ErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		permanent bool
	}{
		{"server error is transient", http.StatusBadGateway, "", false},
		{"bad request is permanent", http.StatusBadRequest, "", true},
		{"channel_not_found is permanent", http.StatusOK, `{"ok":false,"error":"channel_not_found"}`, true},
		{"internal_error is transient", http.StatusOK, `{"ok":false,"error":"internal_error"}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			err := New(srv.URL, "xoxb", "G012", time.Second).Notify(context.Background(), event())
			require.Error(t, err)
			var perm *backoff.PermanentError
			assert.Equal(t, tc.permanent, errors.As(err, &perm))
		})
	}
}

func TestClient_MissingConfigIsPermanent(t *testing.T) {
	err := New("", "", "G012", time.Second).Notify(context.Background(), event())
	var perm *backoff.PermanentError
	assert.True(t, errors.As(err, &perm))
}
