package payload

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_Canonical(t *testing.T) {
	assert.Equal(t, `{"amount":50,"user_id":777}`, Encode(50, 777))
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	pairs := [][2]int64{
		{25, 1},
		{50, 777},
		{100, math.MaxInt64},
		{1, math.MinInt64},
		{0, 0},
		{-5, -100},
	}
	for _, pair := range pairs {
		p, err := Decode(Encode(pair[0], pair[1]))
		require.NoError(t, err)
		assert.Equal(t, pair[0], p.Amount)
		assert.Equal(t, pair[1], p.UserID)
		assert.Equal(t, CurrentVersion, p.Version)
		assert.Empty(t, p.ID)
		assert.Empty(t, p.CorrelationID)
	}
}

func TestMarshal_OptionalFieldsRoundTrip(t *testing.T) {
	in := Payload{Amount: 50, UserID: 777, ID: "inv_1", CorrelationID: "c-9"}
	s, err := in.Marshal()
	require.NoError(t, err)
	assert.Equal(t, `{"amount":50,"user_id":777,"id":"inv_1","correlation_id":"c-9"}`, s)

	out, err := Decode(s)
	require.NoError(t, err)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.CorrelationID, out.CorrelationID)

	again, err := out.Marshal()
	require.NoError(t, err)
	assert.Equal(t, s, again, "re-encoding must be byte-identical")
}

func TestMarshal_TooLong(t *testing.T) {
	_, err := Payload{Amount: 1, UserID: 1, CorrelationID: strings.Repeat("x", MaxLength)}.Marshal()
	assert.ErrorIs(t, err, ErrTooLong)
}

func TestDecode_Accepts(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		wantID string
	}{
		{"python spacing", `{"amount": 50, "user_id": 777}`, ""},
		{"reordered", `{"user_id":777,"amount":50}`, ""},
		{"integer id coerced", `{"amount":50,"user_id":777,"id":12}`, "12"},
		{"string id", `{"amount":50,"user_id":777,"id":"abc"}`, "abc"},
		{"explicit version", `{"v":1,"amount":50,"user_id":777}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Decode(tt.in)
			require.NoError(t, err)
			assert.Equal(t, int64(50), p.Amount)
			assert.Equal(t, int64(777), p.UserID)
			assert.Equal(t, tt.wantID, p.ID)
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ``},
		{"not json", `777:50`},
		{"array", `[50,777]`},
		{"string", `"{\"amount\":50}"`},
		{"number", `50`},
		{"null", `null`},
		{"missing amount", `{"user_id":777}`},
		{"missing user", `{"amount":50}`},
		{"string amount", `{"amount":"50","user_id":777}`},
		{"zero amount", `{"amount":0,"user_id":777}`},
		{"negative amount", `{"amount":-5,"user_id":777}`},
		{"float amount", `{"amount":50.5,"user_id":777}`},
		{"float-looking amount", `{"amount":50.0,"user_id":777}`},
		{"exponent user", `{"amount":50,"user_id":7e2}`},
		{"bool amount", `{"amount":true,"user_id":777}`},
		{"null user", `{"amount":50,"user_id":null}`},
		{"object id", `{"amount":50,"user_id":777,"id":{}}`},
		{"null id", `{"amount":50,"user_id":777,"id":null}`},
		{"numeric correlation", `{"amount":50,"user_id":777,"correlation_id":5}`},
		{"null correlation", `{"amount":50,"user_id":777,"correlation_id":null}`},
		{"unknown field", `{"amount":50,"user_id":777,"price":1}`},
		{"future version", `{"v":2,"amount":50,"user_id":777}`},
		{"overflow", `{"amount":50,"user_id":99999999999999999999}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Decode(tt.in)
			assert.ErrorIs(t, err, ErrInvalidPayload)
			assert.Nil(t, p)
		})
	}
}
