package event

import (
	"encoding/json"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/relaygate/errors"
)

func TestParseMessage_Event(t *testing.T) {
	raw := `["EVENT","sub-1",{"id":"abc","pubkey":"def","created_at":1700000000,` +
		`"kind":30931,"tags":[["p","x"]],"content":"hi","sig":"00"}]`

	env, err := ParseMessage([]byte(raw))
	require.NoError(t, err)

	ev, ok := env.(*EventEnvelope)
	require.True(t, ok)
	assert.Equal(t, LabelEvent, ev.Label())
	require.NotNil(t, ev.SubscriptionID)
	assert.Equal(t, "sub-1", *ev.SubscriptionID)
	assert.Equal(t, "abc", ev.Event.ID)
	assert.Equal(t, uint16(30931), ev.Event.Kind)
	assert.Equal(t, [][]string{{"p", "x"}}, ev.Event.Tags)
}

func TestParseMessage_EventWithoutSubscription(t *testing.T) {
	raw := `["EVENT",{"id":"abc","pubkey":"def","created_at":1,"kind":1,` +
		`"tags":[],"content":"","sig":""}]`

	env, err := ParseMessage([]byte(raw))
	require.NoError(t, err)

	ev, ok := env.(*EventEnvelope)
	require.True(t, ok)
	assert.Nil(t, ev.SubscriptionID)
	assert.Equal(t, "abc", ev.Event.ID)
}

func TestParseMessage_OK(t *testing.T) {
	env, err := ParseMessage([]byte(`["OK","evt-id",false,"rate-limited: slow down"]`))
	require.NoError(t, err)

	okEnv, ok := env.(*OKEnvelope)
	require.True(t, ok)
	assert.Equal(t, "evt-id", okEnv.EventID)
	assert.False(t, okEnv.OK)
	assert.Equal(t, "rate-limited: slow down", okEnv.Reason)

	// Reason is optional.
	env, err = ParseMessage([]byte(`["OK","evt-id",true]`))
	require.NoError(t, err)
	okEnv = env.(*OKEnvelope)
	assert.True(t, okEnv.OK)
	assert.Empty(t, okEnv.Reason)
}

func TestParseMessage_EOSE(t *testing.T) {
	env, err := ParseMessage([]byte(`["EOSE","sub-9"]`))
	require.NoError(t, err)
	assert.Equal(t, "sub-9", env.(*EOSEEnvelope).SubscriptionID)
}

func TestParseMessage_Notice(t *testing.T) {
	env, err := ParseMessage([]byte(`["NOTICE","maintenance in 5m"]`))
	require.NoError(t, err)
	assert.Equal(t, "maintenance in 5m", env.(*NoticeEnvelope).Message)
}

func TestParseMessage_Closed(t *testing.T) {
	env, err := ParseMessage([]byte(`["CLOSED","sub-2","auth-required: join first"]`))
	require.NoError(t, err)

	closed := env.(*ClosedEnvelope)
	assert.Equal(t, "sub-2", closed.SubscriptionID)
	assert.Equal(t, "auth-required: join first", closed.Reason)
}

func TestParseMessage_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"not an array", `{"EVENT":1}`},
		{"empty array", `[]`},
		{"numeric label", `[42,"x"]`},
		{"event with too few elements", `["EVENT"]`},
		{"event with bad payload", `["EVENT","sub",42]`},
		{"ok missing status", `["OK","id"]`},
		{"eose missing subscription", `["EOSE"]`},
		{"closed missing reason", `["CLOSED","sub"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMessage([]byte(tt.raw))
			require.Error(t, err)
			assert.True(t, stderrors.Is(err, errors.ErrMalformedFrame))
		})
	}
}

func TestParseMessage_UnknownLabel(t *testing.T) {
	_, err := ParseMessage([]byte(`["AUTH","challenge-string"]`))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrProtocol))
	assert.False(t, stderrors.Is(err, errors.ErrMalformedFrame))
}

func TestReqEnvelope_MarshalJSON(t *testing.T) {
	since := int64(1700000000)
	env := &ReqEnvelope{
		SubscriptionID: "relaygate-1",
		Filters: []Filter{
			{Kinds: []uint16{30931, 30932}, Since: &since},
		},
	}

	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t,
		`["REQ","relaygate-1",{"kinds":[30931,30932],"since":1700000000}]`,
		string(data))
}

func TestReqEnvelope_MarshalMatchAll(t *testing.T) {
	env := &ReqEnvelope{SubscriptionID: "all", Filters: []Filter{{}}}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `["REQ","all",{}]`, string(data))
}

func TestCloseEnvelope_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(&CloseEnvelope{SubscriptionID: "relaygate-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `["CLOSE","relaygate-1"]`, string(data))
}

func TestEventEnvelope_MarshalJSON(t *testing.T) {
	ev := Event{
		ID:        "abc",
		PubKey:    "def",
		CreatedAt: 1,
		Kind:      39990,
		Tags:      [][]string{},
		Content:   `{"op":"platform_key_rotation"}`,
		Sig:       "00",
	}

	data, err := json.Marshal(&EventEnvelope{Event: ev})
	require.NoError(t, err)

	var arr []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &arr))
	require.Len(t, arr, 2)

	var label string
	require.NoError(t, json.Unmarshal(arr[0], &label))
	assert.Equal(t, LabelEvent, label)

	var back Event
	require.NoError(t, json.Unmarshal(arr[1], &back))
	assert.Equal(t, ev, back)
}
