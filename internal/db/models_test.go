package db

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPAddrScanValue(t *testing.T) {
	tests := []struct {
		name    string
		value   interface{}
		want    string
		wantErr bool
	}{
		{name: "string", value: "192.168.1.1", want: "192.168.1.1"},
		{name: "bytes", value: []byte("10.0.0.1"), want: "10.0.0.1"},
		{name: "nil", value: nil, want: ""},
		{name: "invalid string", value: "not-an-ip", wantErr: true},
		{name: "unsupported type", value: 42, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ip IPAddr
			err := ip.Scan(tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ip.String())
		})
	}
}

func TestIPAddrValueRoundTrip(t *testing.T) {
	ip := IPAddr{IP: net.ParseIP("172.16.0.5")}
	v, err := ip.Value()
	require.NoError(t, err)
	assert.Equal(t, "172.16.0.5", v)

	var empty IPAddr
	v, err = empty.Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestJSONBScanValue(t *testing.T) {
	var j JSONB
	require.NoError(t, j.Scan([]byte(`{"name":"ssh"}`)))
	assert.JSONEq(t, `{"name":"ssh"}`, string(j))

	v, err := j.Value()
	require.NoError(t, err)
	assert.Equal(t, []byte(j), v)

	var fromNil JSONB
	require.NoError(t, fromNil.Scan(nil))
	assert.Nil(t, fromNil)

	vNil, err := fromNil.Value()
	require.NoError(t, err)
	assert.Nil(t, vNil)

	assert.Error(t, new(JSONB).Scan(42))
}

func TestJSONBMarshalUnmarshal(t *testing.T) {
	j := JSONB(`{"version":"8.2"}`)
	b, err := j.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":"8.2"}`, string(b))

	var nilJ JSONB
	b, err = nilJ.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "null", string(b))

	var out JSONB
	require.NoError(t, out.UnmarshalJSON([]byte(`{"a":1}`)))
	assert.JSONEq(t, `{"a":1}`, string(out))
}
