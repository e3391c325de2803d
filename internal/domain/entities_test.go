package domain

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
)

func TestServerTimeMillis(t *testing.T) {
	cases := map[string]int64{
		"":                         0,
		"not a date":               0,
		"2020-01-02T03:04:05Z":     1577934245000,
		"2020-01-02T03:04:05.123Z": 1577934245123,
	}
	for in, want := range cases {
		if got := ServerTimeMillis(in); got != want {
			t.Errorf("ServerTimeMillis(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestAnnotationDecodeValue(t *testing.T) {
	var empty NoteValue
	if err := (Annotation{Type: AnnotationPublicChat}).DecodeValue(&empty); err != nil {
		t.Fatalf("пустое значение не должно давать ошибку: %v", err)
	}

	a := Annotation{Type: AnnotationPublicChat, Value: json.RawMessage(`{"timestamp":42}`)}
	var note NoteValue
	if err := a.DecodeValue(&note); err != nil || note.Timestamp != 42 {
		t.Fatalf("неверный разбор: %+v %v", note, err)
	}
}

func TestSignatureID(t *testing.T) {
	if (Attachment{}).SignatureID() != "" {
		t.Fatalf("вложение без id не участвует в подписи")
	}
	if (Preview{}).SignatureID() != "" {
		t.Fatalf("превью без картинки не участвует в подписи")
	}
	p := Preview{Image: &Attachment{ID: 17}}
	if p.SignatureID() != "17" {
		t.Fatalf("ожидали 17, получили %q", p.SignatureID())
	}
}

func TestIsStatus(t *testing.T) {
	err := fmt.Errorf("messages: %w", &StatusError{Code: http.StatusUnauthorized})
	if !IsUnauthorized(err) {
		t.Fatalf("обёрнутый 401 должен распознаваться")
	}
	if IsStatus(err, http.StatusForbidden) {
		t.Fatalf("401 не равен 403")
	}
	if IsUnauthorized(ErrTransport) {
		t.Fatalf("транспортная ошибка не является статусом")
	}
}
