package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageJSONEnvelope(t *testing.T) {
	msg := NewMessage("c-1", StreamChunk{Seq: 2, Text: "hello"})

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"STREAM_CHUNK","correlation_id":"c-1","payload":{"seq":2,"text":"hello"}}`, string(data))

	var got Message
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, msg, got)
}

func TestMessageDecodeEveryKind(t *testing.T) {
	ex := Exchange{ID: "01J", Question: "q", Answer: "a", CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	payloads := []Payload{
		Query{Question: "q", Page: PageContent{URL: "https://x", Strategy: StrategyLandmark}},
		PageContentRequest{Refresh: true},
		PageContentResult{Code: CodeBusy, Error: "busy"},
		StreamChunk{Seq: 1, Text: "t"},
		StreamEnd{Text: "t"},
		StreamError{Reason: "r", Code: CodeNetwork, Partial: "p"},
		Cancel{},
		HistoryRequest{Op: HistorySave, Exchange: &ex},
		HistoryResult{Exchanges: []Exchange{ex}},
		SettingsRequest{},
		SettingsResult{Settings: SettingsView{HasCredential: true, SpeechRate: 1}},
		OverlayToggleRequest{Action: OverlayToggle},
	}
	require.Len(t, payloads, len(Kinds()))

	for i, p := range payloads {
		t.Run(string(p.Kind()), func(t *testing.T) {
			assert.Equal(t, Kinds()[i], p.Kind())

			data, err := json.Marshal(NewMessage("id", p))
			require.NoError(t, err)

			var got Message
			require.NoError(t, json.Unmarshal(data, &got))
			assert.Equal(t, p.Kind(), got.Kind())
			assert.Equal(t, p, got.Payload)
		})
	}
}

func TestMessageDecodeUnknownKind(t *testing.T) {
	var got Message
	err := json.Unmarshal([]byte(`{"kind":"PING","correlation_id":"x"}`), &got)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestMessageDecodeBadPayload(t *testing.T) {
	var got Message
	err := json.Unmarshal([]byte(`{"kind":"STREAM_CHUNK","payload":{"seq":"one"}}`), &got)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestMessageValidate(t *testing.T) {
	assert.ErrorIs(t, Message{}.Validate(), ErrInvalidInput)
	assert.ErrorIs(t, NewMessage("", Query{}).Validate(), ErrInvalidInput)
	assert.NoError(t, NewMessage("", OverlayToggleRequest{Action: OverlayOpen}).Validate())
	assert.NoError(t, NewMessage("c", Cancel{}).Validate())
}

func TestResponseKinds(t *testing.T) {
	for _, k := range Kinds() {
		if k.IsRequest() {
			assert.NotEmpty(t, k.ResponseKinds(), k)
		} else {
			assert.Empty(t, k.ResponseKinds(), k)
		}
	}
	assert.Equal(t, []Kind{KindStreamEnd, KindStreamError}, KindQuery.ResponseKinds())
}

func TestSettingsView(t *testing.T) {
	s := DefaultSettings()
	s.Credential = "sk-secret"
	v := s.View()
	assert.True(t, v.HasCredential)
	assert.True(t, v.AutoSaveExchanges)
	assert.Equal(t, 1.0, v.SpeechRate)

	off := false
	s.AutoSaveExchanges = &off
	assert.False(t, s.View().AutoSaveExchanges)

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk-secret")
}

func TestPageContentIsMinimal(t *testing.T) {
	assert.True(t, PageContent{Strategy: StrategyNone}.IsMinimal())
	assert.True(t, PageContent{Strategy: StrategyVisibleText, Text: "short"}.IsMinimal())
	long := make([]rune, MinimalContentChars)
	for i := range long {
		long[i] = 'a'
	}
	assert.False(t, PageContent{Strategy: StrategyReadability, Text: string(long)}.IsMinimal())
}

func TestExchangeValidate(t *testing.T) {
	assert.ErrorIs(t, Exchange{Answer: "a"}.Validate(), ErrInvalidInput)
	assert.ErrorIs(t, Exchange{Question: "q", Answer: "  "}.Validate(), ErrInvalidInput)
	assert.NoError(t, Exchange{Question: "q", Answer: "a"}.Validate())
}
