// Package continuation embeds relay state (requested attributes, the URL the
// user returns to and an optional result callback) into URL path segments so
// the identity-verification side never has to store it.
package continuation

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	// ErrDecode marks a malformed continuation segment (bad base64, UTF-8 or JSON).
	ErrDecode = errors.New("continuation: malformed segment")
	// ErrEmptyURL is returned by Encode when the continuation URL is blank.
	ErrEmptyURL = errors.New("continuation: empty continuation url")
	// ErrUnknownAttribute is returned when an attribute is not in the catalog.
	ErrUnknownAttribute = errors.New("continuation: unknown attribute")
)

var encoding = base64.RawURLEncoding

// Continuation is the resumable state of one authentication attempt.
type Continuation struct {
	Attributes        []string
	ContinuationURL   string
	ResultCallbackURL string // empty for the inline flow
}

// Segments are the encoded path segments of a Continuation.
type Segments struct {
	Attributes        string
	ContinuationURL   string
	ResultCallbackURL string
}

// Inline reports whether the result travels back on the continuation URL
// instead of being posted to a callback.
func (s Segments) Inline() bool { return s.ResultCallbackURL == "" }

// Path joins the segments with "/" in the order they appear in relay URLs.
func (s Segments) Path() string {
	if s.Inline() {
		return s.Attributes + "/" + s.ContinuationURL
	}
	return s.Attributes + "/" + s.ContinuationURL + "/" + s.ResultCallbackURL
}

// Tail returns the segments needed to deliver a result without the attribute
// list (used by cancel URLs).
func (s Segments) Tail() string {
	if s.Inline() {
		return s.ContinuationURL
	}
	return s.ContinuationURL + "/" + s.ResultCallbackURL
}

// Encode serializes c into URL-safe segments.
func Encode(c Continuation) (Segments, error) {
	if c.ContinuationURL == "" {
		return Segments{}, ErrEmptyURL
	}
	attrs := c.Attributes
	if attrs == nil {
		attrs = []string{}
	}
	rawAttrs, err := json.Marshal(attrs)
	if err != nil {
		return Segments{}, fmt.Errorf("encode attributes: %w", err)
	}
	seg := Segments{
		Attributes:      encoding.EncodeToString(rawAttrs),
		ContinuationURL: EncodeURL(c.ContinuationURL),
	}
	if c.ResultCallbackURL != "" {
		seg.ResultCallbackURL = EncodeURL(c.ResultCallbackURL)
	}
	return seg, nil
}

// EncodeURL encodes a raw URL string as a single segment.
func EncodeURL(u string) string {
	return encoding.EncodeToString([]byte(u))
}

// Decode base64url-decodes segment and parses the JSON value it carries.
func Decode[T any](segment string) (T, error) {
	var out T
	raw, err := decodeText(segment)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return out, nil
}

// DecodeAttributes decodes the attribute list segment.
func DecodeAttributes(segment string) ([]string, error) {
	return Decode[[]string](segment)
}

// DecodeURL decodes a URL segment produced by EncodeURL.
func DecodeURL(segment string) (string, error) {
	raw, err := decodeText(segment)
	if err != nil {
		return "", err
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: empty url", ErrDecode)
	}
	return string(raw), nil
}

// Parse decodes the raw path segments back into a Continuation. callback may
// be empty for the inline flow.
func Parse(attributes, continuationURL, callback string) (Continuation, error) {
	attrs, err := DecodeAttributes(attributes)
	if err != nil {
		return Continuation{}, err
	}
	c := Continuation{Attributes: attrs}
	if c.ContinuationURL, err = DecodeURL(continuationURL); err != nil {
		return Continuation{}, err
	}
	if callback != "" {
		if c.ResultCallbackURL, err = DecodeURL(callback); err != nil {
			return Continuation{}, err
		}
	}
	return c, nil
}

func decodeText(segment string) ([]byte, error) {
	raw, err := encoding.DecodeString(segment)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("%w: invalid utf-8", ErrDecode)
	}
	return raw, nil
}

// BuildRedirect appends the sealed result to the continuation URL. The
// envelope is already URL safe and is not escaped again.
func BuildRedirect(envelope, continuationURL string) string {
	if strings.Contains(continuationURL, "?") {
		return continuationURL + "&result=" + envelope
	}
	return continuationURL + "?result=" + envelope
}
