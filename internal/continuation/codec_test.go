package continuation

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Continuation{
		{Attributes: []string{"age", "email"}, ContinuationURL: "https://comm.example.com/done"},
		{Attributes: []string{}, ContinuationURL: "https://comm.example.com/done?x=1&y=ü"},
		{Attributes: []string{"name"}, ContinuationURL: "https://a/b", ResultCallbackURL: "https://relay.internal/auth_result/abc"},
	}
	for _, tc := range cases {
		seg, err := Encode(tc)
		require.NoError(t, err)
		require.Equal(t, tc.ResultCallbackURL == "", seg.Inline())

		got, err := Parse(seg.Attributes, seg.ContinuationURL, seg.ResultCallbackURL)
		require.NoError(t, err)
		require.Equal(t, tc.Attributes, got.Attributes)
		require.Equal(t, tc.ContinuationURL, got.ContinuationURL)
		require.Equal(t, tc.ResultCallbackURL, got.ResultCallbackURL)
	}
}

func TestEncodeRejectsEmptyContinuationURL(t *testing.T) {
	_, err := Encode(Continuation{Attributes: []string{"age"}})
	require.ErrorIs(t, err, ErrEmptyURL)

	// Whatever Encode accepts, Parse must take back.
	seg, err := Encode(Continuation{ContinuationURL: "x"})
	require.NoError(t, err)
	_, err = Parse(seg.Attributes, seg.ContinuationURL, seg.ResultCallbackURL)
	require.NoError(t, err)
}

func TestEncodeUsesUnpaddedURLAlphabet(t *testing.T) {
	seg, err := Encode(Continuation{Attributes: []string{"a?"}, ContinuationURL: "https://x/?>>>"})
	require.NoError(t, err)
	for _, s := range []string{seg.Attributes, seg.ContinuationURL} {
		require.NotContains(t, s, "=")
		require.NotContains(t, s, "+")
		require.NotContains(t, s, "/")
	}
}

func TestSegmentsPath(t *testing.T) {
	inline := Segments{Attributes: "A", ContinuationURL: "C"}
	require.Equal(t, "A/C", inline.Path())
	require.Equal(t, "C", inline.Tail())

	oob := Segments{Attributes: "A", ContinuationURL: "C", ResultCallbackURL: "U"}
	require.Equal(t, "A/C/U", oob.Path())
	require.Equal(t, "C/U", oob.Tail())
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	t.Run("not base64", func(t *testing.T) {
		_, err := DecodeAttributes("not-base64!!!")
		require.ErrorIs(t, err, ErrDecode)
	})
	t.Run("invalid utf-8", func(t *testing.T) {
		seg := base64.RawURLEncoding.EncodeToString([]byte{0xff, 0xfe})
		_, err := DecodeURL(seg)
		require.ErrorIs(t, err, ErrDecode)
	})
	t.Run("invalid json", func(t *testing.T) {
		seg := base64.RawURLEncoding.EncodeToString([]byte(`["age"`))
		_, err := DecodeAttributes(seg)
		require.ErrorIs(t, err, ErrDecode)
	})
	t.Run("wrong json shape", func(t *testing.T) {
		seg := base64.RawURLEncoding.EncodeToString([]byte(`{"age":1}`))
		_, err := DecodeAttributes(seg)
		require.True(t, errors.Is(err, ErrDecode))
	})
	t.Run("empty url", func(t *testing.T) {
		_, err := DecodeURL("")
		require.ErrorIs(t, err, ErrDecode)
	})
}

func TestBuildRedirect(t *testing.T) {
	require.Equal(t, "https://x/done?result=abc.def", BuildRedirect("abc.def", "https://x/done"))
	require.Equal(t, "https://x/done?a=1&result=abc.def", BuildRedirect("abc.def", "https://x/done?a=1"))
}

func TestCatalog(t *testing.T) {
	c := Catalog{"age": "42", "email": "user@example.com"}

	require.NoError(t, c.Validate([]string{"age", "email"}))
	err := c.Validate([]string{"age", "shoe_size"})
	require.ErrorIs(t, err, ErrUnknownAttribute)
	require.Contains(t, err.Error(), "shoe_size")

	values, err := c.Map([]string{"age"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"age": "42"}, values)

	_, err = c.Map([]string{"nope"})
	require.ErrorIs(t, err, ErrUnknownAttribute)
}
