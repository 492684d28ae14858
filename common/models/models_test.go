package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeWireShape(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
		want string
	}{
		{
			name: "received",
			env:  Envelope{Event: EventReceived, Data: ReceivedData(&Message{ID: "m1", Channel: ChannelInApp})},
			want: `{"event":"received","data":{"message":{"id":"m1","environmentId":"","organizationId":"","subscriberId":"","channel":"in_app","content":null,"seen":false,"read":false,"createdAt":"0001-01-01T00:00:00Z"}}}`,
		},
		{
			name: "unseen",
			env:  Envelope{Event: EventUnseen, Data: UnseenData(0, false)},
			want: `{"event":"unseen","data":{"unseenCount":0,"hasMore":false}}`,
		},
		{
			name: "unread",
			env:  Envelope{Event: EventUnread, Data: UnreadData(100, true)},
			want: `{"event":"unread","data":{"unreadCount":100,"hasMore":true}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := json.Marshal(tt.env)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(b))
		})
	}
}

func TestSendRequestValidate(t *testing.T) {
	assert.NoError(t, (&SendRequest{Event: EventUnread, UserID: "u", EnvironmentID: "e"}).Validate())
	assert.Error(t, (&SendRequest{Event: EventUnread, EnvironmentID: "e"}).Validate())
	assert.Error(t, (&SendRequest{Event: EventUnread, UserID: "u"}).Validate())
	assert.Error(t, (&SendRequest{Event: "typing", UserID: "u", EnvironmentID: "e"}).Validate())
}

func TestParseChannel(t *testing.T) {
	for _, s := range []string{"email", "sms", "push", "chat", "in_app"} {
		c, err := ParseChannel(s)
		require.NoError(t, err)
		assert.Equal(t, s, string(c))
	}
	_, err := ParseChannel("fax")
	assert.Error(t, err)
}

func TestChangeKindCounters(t *testing.T) {
	tests := []struct {
		kind   ChangeKind
		unseen bool
		unread bool
	}{
		{ChangeRead, false, true},
		{ChangeUnread, false, true},
		{ChangeSeen, true, false},
		{ChangeUnseen, true, false},
		{ChangeRemoved, true, true},
		{ChangeReadAll, true, true},
		{ChangeSeenAll, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			k, err := ParseChangeKind(string(tt.kind))
			require.NoError(t, err)
			assert.Equal(t, tt.unseen, k.AffectsUnseen())
			assert.Equal(t, tt.unread, k.AffectsUnread())
		})
	}

	_, err := ParseChangeKind("archived")
	assert.Error(t, err)
}
