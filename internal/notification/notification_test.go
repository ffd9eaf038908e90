package notification

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityKeyDistinguishesEmptyAndAbsentLabel(t *testing.T) {
	plain := NewIdentity("com.chat", 100, 1)
	empty := plain.WithLabel("")
	assert.NotEqual(t, plain.Key(), empty.Key())
	assert.NotEqual(t, plain, empty)

	for _, id := range []Identity{plain, empty, plain.WithLabel("a|b")} {
		got, err := ParseKey(id.Key())
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}
}

func TestParseKeyRejectsGarbage(t *testing.T) {
	for _, k := range []Key{"", "a|b", "a|x|1|-", "a|1|1|?"} {
		_, err := ParseKey(k)
		assert.True(t, errors.Is(err, ErrValidation), "key %q", k)
	}
}

func TestContentValidate(t *testing.T) {
	cases := []struct {
		name string
		c    Content
		ok   bool
	}{
		{"normal", NormalContent(Basic{Title: "hi"}), true},
		{"normal without title", NormalContent(Basic{Text: "body"}), false},
		{"long text", LongTextContent(LongText{Basic: Basic{Title: "t"}, LongText: "..."}), true},
		{"long text missing body", LongTextContent(LongText{Basic: Basic{Title: "t"}}), false},
		{"multi line empty", MultiLineContent(MultiLine{Basic: Basic{Title: "t"}}), false},
		{"multi line", MultiLineContent(MultiLine{Basic: Basic{Title: "t"}, Lines: []string{"a"}}), true},
		{"picture without ref", PictureContent(Picture{Basic: Basic{Title: "t"}}), false},
		{"conversation", ConversationContent(Conversation{UserName: "me", Messages: []Message{{Sender: "you", Text: "yo"}}}), true},
		{"conversation empty", ConversationContent(Conversation{UserName: "me"}), false},
		{"media", MediaContent(Media{Basic: Basic{Title: "song"}}), true},
		{"no variant", Content{Kind: KindNormal}, false},
		{"two variants", Content{Kind: KindNormal, Normal: &Basic{Title: "a"}, Media: &Media{}}, false},
		{"kind mismatch", Content{Kind: KindMedia, Normal: &Basic{Title: "a"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.c.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrValidation)
			}
		})
	}
}

func TestRecordWireForm(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_123)
	r := &Record{
		Identity:  NewIdentity("com.chat", 100, 7).WithLabel(""),
		Content:   MultiLineContent(MultiLine{Basic: Basic{Title: "t"}, Lines: []string{"a", "b"}}),
		Slot:      SlotSocialCommunication,
		CreatedAt: now,
		UpdatedAt: now.Add(time.Second),
		State:     StateActive,
		Creator:   "com.chat",
		Version:   3,
		Alert:     Alert{Vibration: true, Visibility: VisibilityPublic},
		Launch:    []byte{1, 2, 3},
	}
	b, err := EncodeRecord(r)
	require.NoError(t, err)
	again, err := EncodeRecord(r)
	require.NoError(t, err)
	assert.Equal(t, b, again, "encoding must be deterministic")

	got, err := DecodeRecord(b)
	require.NoError(t, err)
	assert.Equal(t, r.Identity, got.Identity)
	assert.True(t, got.Identity.HasLabel)
	assert.Equal(t, r.Content, got.Content)
	assert.True(t, r.UpdatedAt.Equal(got.UpdatedAt))
	assert.Equal(t, uint64(3), got.Version)
}

func TestDecodeRecordCorruption(t *testing.T) {
	_, err := DecodeRecord([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrStateCorruption)

	bad := &Record{Identity: NewIdentity("com.chat", 1, 1), Content: Content{Kind: KindNormal}, Slot: SlotOther, State: StateActive}
	b, err := EncodeRecord(bad)
	require.NoError(t, err)
	_, err = DecodeRecord(b)
	assert.ErrorIs(t, err, ErrStateCorruption)
}

func TestRequestIdentity(t *testing.T) {
	label := "x"
	req := Request{ID: 9, Label: &label}
	assert.Equal(t, NewIdentity("com.a", 1, 9).WithLabel("x"), req.Identity(Caller{Bundle: "com.a", UID: 1}))

	req.OnBehalfOf, req.OnBehalfOfUID = "com.b", 2
	assert.Equal(t, "com.b", req.Identity(Caller{Bundle: "com.a", UID: 1}).Bundle)
}
