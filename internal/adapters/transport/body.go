package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"pubchat-client/internal/domain"
)

// BodyKind различает форму тела ответа.
type BodyKind int

const (
	BodyEmpty BodyKind = iota
	BodyJSON
	BodyText
)

func (k BodyKind) String() string {
	switch k {
	case BodyJSON:
		return "json"
	case BodyText:
		return "text"
	default:
		return "empty"
	}
}

// Body хранит тело ответа: JSON, текст или ничего.
type Body struct {
	Kind BodyKind
	raw  []byte
}

// JSONBody оборачивает валидный JSON.
func JSONBody(raw []byte) Body {
	return Body{Kind: BodyJSON, raw: raw}
}

// TextBody оборачивает текстовый ответ.
func TextBody(text string) Body {
	return Body{Kind: BodyText, raw: []byte(text)}
}

// Bytes возвращает сырое содержимое.
func (b Body) Bytes() []byte { return b.raw }

// Text возвращает содержимое строкой.
func (b Body) Text() string { return string(b.raw) }

// Decode разбирает JSON тело в v.
func (b Body) Decode(v any) error {
	if b.Kind != BodyJSON {
		return fmt.Errorf("%w: expected json body, got %s", domain.ErrProtocol, b.Kind)
	}
	if err := json.Unmarshal(b.raw, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProtocol, err)
	}
	return nil
}

// Meta описывает служебную часть ответа {meta:{code}}.
type Meta struct {
	Code  int   `json:"code"`
	MaxID int64 `json:"max_id"`
	MinID int64 `json:"min_id"`
	More  bool  `json:"more"`
}

// Envelope описывает стандартный конверт ответа сервера.
type Envelope struct {
	Meta *Meta          `json:"meta"`
	Data json.RawMessage `json:"data"`
}

// Envelope разбирает конверт, если тело является JSON объектом.
func (b Body) Envelope() (Envelope, bool) {
	var env Envelope
	if b.Kind != BodyJSON {
		return env, false
	}
	trimmed := bytes.TrimSpace(b.raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return env, false
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return env, false
	}
	return env, true
}

// Result содержит нормализованный ответ независимо от способа доставки.
type Result struct {
	Status  int
	Body    Body
	Headers http.Header
}
