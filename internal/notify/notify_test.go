package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	got []Notification
	err error
}

func (r *recorder) Notify(_ context.Context, n Notification) error {
	r.got = append(r.got, n)
	return r.err
}

func TestMulti_TriesEveryNotifier(t *testing.T) {
	boom := errors.New("boom")
	a := &recorder{err: boom}
	b := &recorder{}

	err := Multi{a, nil, b}.Notify(context.Background(), Notification{Kind: KindIntent})
	require.ErrorIs(t, err, boom)
	assert.Len(t, a.got, 1)
	assert.Len(t, b.got, 1)
}

func TestNewTelegram_DisabledWithoutCredentials(t *testing.T) {
	assert.Nil(t, NewTelegram("", "1"))
	assert.Nil(t, NewTelegram("tok", ""))
}

func TestTelegram_SendsMessage(t *testing.T) {
	var body telegramMessage
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := NewTelegram("tok", "42")
	tg.baseURL = srv.URL

	err := tg.Notify(context.Background(), Notification{
		Kind:       KindSellFilled,
		ConsumerID: "gpt",
		Instrument: "005930",
		Quantity:   100,
		Price:      decimal.NewFromInt(10300),
		ReturnPct:  decimal.NewFromInt(3),
		Reason:     "target",
	})
	require.NoError(t, err)
	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", body.ChatID)
	assert.Contains(t, body.Text, "[gpt] sold 005930")
	assert.Contains(t, body.Text, "100 @ 10300, return 3.00%")
	assert.Contains(t, body.Text, "reason: target")
}

func TestTelegram_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "chat not found", http.StatusBadRequest)
	}))
	defer srv.Close()

	tg := NewTelegram("tok", "42")
	tg.baseURL = srv.URL

	err := tg.Notify(context.Background(), Notification{Kind: KindFailure})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}
