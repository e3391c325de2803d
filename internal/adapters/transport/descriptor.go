package transport

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"strings"

	"pubchat-client/internal/domain"
)

// Descriptor описывает исходящий запрос независимо от транспорта.
type Descriptor struct {
	Method       string
	URL          string
	Query        url.Values
	Headers      map[string]string
	Body         []byte
	Form         *Form
	NoJSON       bool
	ServerPubKey []byte
	// метка для метрик
	Operation string
}

func (d Descriptor) method() string {
	if d.Method == "" {
		return "GET"
	}
	return d.Method
}

// FormField описывает текстовое поле multipart формы.
type FormField struct {
	Name  string
	Value string
}

// FormFile описывает файловую часть multipart формы.
type FormFile struct {
	Field       string
	FileName    string
	ContentType string
	Data        []byte
}

// Form описывает multipart тело запроса.
type Form struct {
	Fields []FormField
	Files  []FormFile
}

func (f *Form) write(mw *multipart.Writer) error {
	for _, field := range f.Fields {
		if err := mw.WriteField(field.Name, field.Value); err != nil {
			return err
		}
	}
	for _, file := range f.Files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, file.Field, file.FileName))
		contentType := file.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		h.Set("Content-Type", contentType)
		part, err := mw.CreatePart(h)
		if err != nil {
			return err
		}
		if _, err := part.Write(file.Data); err != nil {
			return err
		}
	}
	return mw.Close()
}

// Encode буферизует форму целиком и возвращает тело и Content-Type.
func (f *Form) Encode() ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := f.write(mw); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

// Endpoint возвращает путь без ведущего слэша вместе со строкой запроса.
func Endpoint(u *url.URL) string {
	endpoint := strings.TrimPrefix(u.EscapedPath(), "/")
	if u.RawQuery != "" {
		endpoint += "?" + u.RawQuery
	}
	return endpoint
}

// BuildPayload собирает канонический запрос для ретранслятора. Multipart форма
// кодируется целиком в поле fileUpload.
func BuildPayload(u *url.URL, d Descriptor) (domain.RelayPayload, error) {
	headers := make(map[string]string, len(d.Headers)+1)
	for k, v := range d.Headers {
		headers[k] = v
	}
	payload := domain.RelayPayload{
		Method:   d.method(),
		Endpoint: Endpoint(u),
		Headers:  headers,
	}

	var (
		body []byte
		err  error
	)
	switch {
	case d.Form != nil:
		data, contentType, encErr := d.Form.Encode()
		if encErr != nil {
			return payload, fmt.Errorf("encode form: %w", encErr)
		}
		headers["Content-Type"] = contentType
		body, err = json.Marshal(map[string]string{
			"fileUpload": base64.StdEncoding.EncodeToString(data),
		})
	default:
		body, err = json.Marshal(string(d.Body))
	}
	if err != nil {
		return payload, fmt.Errorf("marshal body: %w", err)
	}
	payload.Body = body
	return payload, nil
}
