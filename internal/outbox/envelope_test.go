package outbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("stream reset")
}

func TestCodecRoundTripPreservesRequest(t *testing.T) {
	bodies := map[string][]byte{
		"empty":  {},
		"text":   []byte("title=Buy+milk&due=2024-05-01"),
		"binary": {0x00, 0xff, 0x10, 0x80, 0x7f, 0x00},
	}
	codec := NewCodec(CodecOptions{})
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPost, "https://tasks.example/api/tasks.php?id=7", bytes.NewReader(body))
			require.NoError(t, err)
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.Header.Add("X-Trace", "one")
			req.Header.Add("X-Trace", "two")

			env, err := codec.Encode(req, "")
			require.NoError(t, err)
			require.NotEmpty(t, env.ID)

			decoded, err := Decode(context.Background(), env)
			require.NoError(t, err)
			require.Equal(t, http.MethodPost, decoded.Method)
			require.Equal(t, "https://tasks.example/api/tasks.php?id=7", decoded.URL.String())
			require.Equal(t, []string{"one", "two"}, decoded.Header.Values("X-Trace"))
			require.Equal(t, "application/x-www-form-urlencoded", decoded.Header.Get("Content-Type"))

			got, err := io.ReadAll(decoded.Body)
			require.NoError(t, err)
			require.True(t, bytes.Equal(body, got), "body mismatch: %x vs %x", body, got)
		})
	}
}

func TestCodecLeavesLiveRequestSendable(t *testing.T) {
	req, err := http.NewRequest(http.MethodPut, "https://tasks.example/api/tasks.php", strings.NewReader(`{"id":3}`))
	require.NoError(t, err)

	_, err = NewCodec(CodecOptions{}).Encode(req, "")
	require.NoError(t, err)

	rest, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	require.Equal(t, `{"id":3}`, string(rest))
}

func TestCodecAbsentBodyStaysAbsent(t *testing.T) {
	req, err := http.NewRequest(http.MethodDelete, "https://tasks.example/api/tasks.php?id=9", nil)
	require.NoError(t, err)

	env, err := NewCodec(CodecOptions{}).Encode(req, "")
	require.NoError(t, err)
	require.Nil(t, env.Body)

	raw, err := marshalRecord(env)
	require.NoError(t, err)
	decoded, err := unmarshalRecord(raw)
	require.NoError(t, err)
	require.Nil(t, decoded.Body)
}

func TestCodecBodyReadFailureIsCodecError(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, "https://tasks.example/api/tasks.php", io.NopCloser(failingReader{}))
	require.NoError(t, err)

	_, err = NewCodec(CodecOptions{}).Encode(req, "")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCodec), "expected ErrCodec, got %v", err)
}

func TestCodecRejectsIdempotentMethods(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "https://tasks.example/index.php", nil)
	require.NoError(t, err)

	_, err = NewCodec(CodecOptions{}).Encode(req, "")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestCodecTimestampsStrictlyIncrease(t *testing.T) {
	frozen := time.Unix(1700000000, 0)
	codec := NewCodec(CodecOptions{Now: func() time.Time { return frozen }})
	var last int64
	for i := 0; i < 5; i++ {
		req, err := http.NewRequest(http.MethodPost, "https://tasks.example/api/tasks.php", nil)
		require.NoError(t, err)
		env, err := codec.Encode(req, "")
		require.NoError(t, err)
		require.Greater(t, env.Timestamp, last)
		last = env.Timestamp
	}
}

func TestEnvelopeResourceID(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
		want string
	}{
		{
			name: "query",
			env:  Envelope{URL: "https://tasks.example/api/tasks.php?id=12", Method: http.MethodDelete},
			want: "12",
		},
		{
			name: "form body",
			env: Envelope{
				URL:     "https://tasks.example/api/task_delete.php",
				Method:  http.MethodPost,
				Headers: []Header{{Name: "Content-Type", Value: "application/x-www-form-urlencoded"}},
				Body:    []byte("id=44&confirm=1"),
			},
			want: "44",
		},
		{
			name: "json number",
			env: Envelope{
				URL:     "https://tasks.example/api/star.php",
				Method:  http.MethodPost,
				Headers: []Header{{Name: "Content-Type", Value: "application/json; charset=utf-8"}},
				Body:    []byte(`{"id":5,"starred":1}`),
			},
			want: "5",
		},
		{
			name: "missing",
			env:  Envelope{URL: "https://tasks.example/api/tasks.php", Method: http.MethodPost, Body: []byte("x")},
			want: "",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.env.ResourceID("id"))
		})
	}
}
