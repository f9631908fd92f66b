package schemas

import "encoding/base64"

// BodyKind tags the payload variant a gateway handler produced.
type BodyKind int

const (
	// JSONBody marshals Value as JSON.
	JSONBody BodyKind = iota
	// TextBody emits Text as-is with the given content type.
	TextBody
	// BytesBody emits Bytes unmodified, for HTML and binary payloads.
	BytesBody
)

// Body is the explicit result variant handlers hand to the responder instead of
// a duck-typed "response-like" value. Headers carry only allow-listed upstream
// headers; Status defaults to 200 when zero.
type Body struct {
	Kind    BodyKind
	Status  int
	Headers map[string]string
	Value   interface{}
	Text    string
	Bytes   []byte
}

// JSON wraps v as a JSONBody with status 200.
func JSON(v interface{}) Body { return Body{Kind: JSONBody, Value: v} }

// Raw wraps upstream bytes with the upstream status and filtered headers.
func Raw(status int, headers map[string]string, b []byte) Body {
	return Body{Kind: BytesBody, Status: status, Headers: headers, Bytes: b}
}

// EncodeBody converts raw bytes to base64 text so request and response bodies
// can be tunneled through the in-page fetch relay as strings.
func EncodeBody(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBody reverses EncodeBody.
func DecodeBody(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
