// Package callbacks encodes inline-button callback data as one tagged variant
// per interaction kind, with a single encode/decode contract.
package callbacks

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// MaxLen is the Bot API limit for callback_data in bytes.
const MaxLen = 64

// Kind is the interaction a button belongs to.
type Kind string

const (
	KindMenu        Kind = "menu"
	KindCatalog     Kind = "cat"
	KindProduct     Kind = "prod"
	KindCart        Kind = "cart"
	KindOrder       Kind = "ord"
	KindMailing     Kind = "mail"
	KindContest     Kind = "cont"
	KindPartnership Kind = "part"
	KindQuestion    Kind = "ask"
	KindAdmin       Kind = "adm"
)

var kinds = map[Kind]struct{}{
	KindMenu: {}, KindCatalog: {}, KindProduct: {}, KindCart: {}, KindOrder: {},
	KindMailing: {}, KindContest: {}, KindPartnership: {}, KindQuestion: {}, KindAdmin: {},
}

// Known reports whether k is part of the closed set.
func (k Kind) Known() bool {
	_, ok := kinds[k]
	return ok
}

var (
	ErrTooLong     = errors.New("callbacks: data exceeds 64 bytes")
	ErrUnknownKind = errors.New("callbacks: unknown kind")
	ErrMalformed   = errors.New("callbacks: malformed data")
)

const sep = ":"

// Data is the decoded callback of any button: "<kind>:<action>:<id>[:<arg>]".
// Arg is last so it may contain the separator.
type Data struct {
	Kind   Kind
	Action string
	ID     int64
	Arg    string
}

// Encode renders d for a button.
func (d Data) Encode() (string, error) {
	if !d.Kind.Known() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, d.Kind)
	}
	if strings.Contains(d.Action, sep) {
		return "", fmt.Errorf("%w: action contains %q", ErrMalformed, sep)
	}
	out := string(d.Kind) + sep + d.Action + sep + strconv.FormatInt(d.ID, 10)
	if d.Arg != "" {
		out += sep + d.Arg
	}
	if len(out) > MaxLen {
		return "", ErrTooLong
	}
	return out, nil
}

// MustEncode is Encode for static buttons; it panics on invalid data.
func MustEncode(d Data) string {
	s, err := d.Encode()
	if err != nil {
		panic(err)
	}
	return s
}

// Button builds an inline button carrying d.
func Button(text string, d Data) (tele.InlineButton, error) {
	data, err := d.Encode()
	if err != nil {
		return tele.InlineButton{}, err
	}
	return tele.InlineButton{Text: text, Data: data}, nil
}

// Decode parses raw callback data. telebot's "\f<unique>|" framing is stripped.
func Decode(raw string) (Data, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "\f") {
		raw = strings.TrimPrefix(raw, "\f")
		if _, rest, ok := strings.Cut(raw, "|"); ok {
			raw = rest
		}
	}
	parts := strings.SplitN(raw, sep, 4)
	if len(parts) < 3 {
		return Data{}, fmt.Errorf("%w: %q", ErrMalformed, raw)
	}
	kind := Kind(parts[0])
	if !kind.Known() {
		return Data{}, fmt.Errorf("%w: %q", ErrUnknownKind, parts[0])
	}
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Data{}, fmt.Errorf("%w: id %q", ErrMalformed, parts[2])
	}
	d := Data{Kind: kind, Action: parts[1], ID: id}
	if len(parts) == 4 {
		d.Arg = parts[3]
	}
	return d, nil
}

// FromContext decodes the callback of the current update.
func FromContext(c tele.Context) (Data, error) {
	cb := c.Callback()
	if cb == nil {
		return Data{}, fmt.Errorf("%w: no callback", ErrMalformed)
	}
	return Decode(cb.Data)
}
