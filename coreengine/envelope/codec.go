package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// wireEnvelope distinguishes absent fields from zero values while decoding.
type wireEnvelope struct {
	Kind            *string         `json:"kind"`
	ProtocolVersion *string         `json:"protocolVersion"`
	CreatedAtMillis int64           `json:"createdAtMillis"`
	SessionID       string          `json:"sessionId"`
	RequestID       string          `json:"requestId"`
	Verb            *string         `json:"verb"`
	NextAgentHint   string          `json:"nextAgentHint"`
	ReturnCode      int             `json:"returnCode"`
	Decision        *string         `json:"decision"`
	Confidence      float64         `json:"confidence"`
	Reason          string          `json:"reason"`
	Body            json.RawMessage `json:"body"`
}

// Decode parses a serialized envelope. Every failure is a *MalformedEnvelopeError
// naming the offending field; the returned envelope is freshly allocated.
func Decode(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return nil, malformed(typeErr.Field, typeErr.Value, err)
		}
		return nil, malformed("$", truncate(string(data), 120), err)
	}

	if w.Kind == nil {
		return nil, malformed("kind", nil, errors.New("required"))
	}
	kind, err := KindFromString(*w.Kind)
	if err != nil {
		return nil, malformed("kind", *w.Kind, err)
	}

	if w.ProtocolVersion == nil {
		return nil, malformed("protocolVersion", nil, errors.New("required"))
	}
	if err := CheckVersion(*w.ProtocolVersion); err != nil {
		return nil, malformed("protocolVersion", *w.ProtocolVersion, err)
	}

	verb := VerbGeneric
	if w.Verb != nil {
		if verb, err = VerbFromString(*w.Verb); err != nil {
			return nil, malformed("verb", *w.Verb, err)
		}
	}

	decision := DecisionNone
	if w.Decision != nil {
		if decision, err = DecisionFromString(*w.Decision); err != nil {
			return nil, malformed("decision", *w.Decision, err)
		}
	}

	if w.Confidence < 0 || w.Confidence > 1 {
		return nil, malformed("confidence", w.Confidence, fmt.Errorf("outside [0, 1]"))
	}

	body := map[string]any{}
	if trimmed := bytes.TrimSpace(w.Body); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &body); err != nil {
			return nil, malformed("body", truncate(string(trimmed), 120), err)
		}
	}

	return &Envelope{
		Kind:            kind,
		ProtocolVersion: *w.ProtocolVersion,
		CreatedAtMillis: w.CreatedAtMillis,
		SessionID:       w.SessionID,
		RequestID:       w.RequestID,
		Verb:            verb,
		NextAgentHint:   w.NextAgentHint,
		ReturnCode:      w.ReturnCode,
		Decision:        decision,
		Confidence:      w.Confidence,
		Reason:          w.Reason,
		Body:            body,
	}, nil
}

// Encode serializes e for the wire. Internal body keys are always stripped and
// decision is omitted when absent.
func Encode(e *Envelope) ([]byte, error) {
	if err := Validate(e); err != nil {
		return nil, err
	}
	out := *e
	out.Body = StripInternal(e.Body)
	return json.Marshal(&out)
}

// Validate checks the invariants Decode enforces, without serializing.
func Validate(e *Envelope) error {
	if e == nil {
		return malformed("$", nil, errors.New("nil envelope"))
	}
	if _, err := KindFromString(string(e.Kind)); err != nil {
		return malformed("kind", string(e.Kind), err)
	}
	if err := CheckVersion(e.ProtocolVersion); err != nil {
		return malformed("protocolVersion", e.ProtocolVersion, err)
	}
	if _, err := VerbFromString(string(e.Verb)); err != nil {
		return malformed("verb", string(e.Verb), err)
	}
	if e.Decision.IsSet() {
		if _, err := DecisionFromString(string(e.Decision)); err != nil {
			return malformed("decision", string(e.Decision), err)
		}
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return malformed("confidence", e.Confidence, fmt.Errorf("outside [0, 1]"))
	}
	return nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
