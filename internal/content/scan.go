package content

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"pagespace/history/internal/fingerprint"
)

var textNodeTypes = map[string]bool{
	"paragraph":      true,
	"heading":        true,
	"blockquote":     true,
	"codeBlock":      true,
	"bulletList":     true,
	"orderedList":    true,
	"listItem":       true,
	"taskList":       true,
	"taskItem":       true,
	"table":          true,
	"tableRow":       true,
	"tableCell":      true,
	"tableHeader":    true,
	"horizontalRule": true,
	"hardBreak":      true,
	"text":           true,
}

var embedNodeTypes = map[string]bool{
	"embed":      true,
	"file":       true,
	"attachment": true,
	"video":      true,
	"audio":      true,
}

// Parse returns the sections of raw in canonical order.
func Parse(raw []byte) ([]Section, error) {
	var sections []Section
	err := Scan(bytes.NewReader(raw), func(s Section) error {
		sections = append(sections, s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	Order(sections)
	return sections, nil
}

// Scan streams sections out of r one at a time, holding at most one
// top-level value (or one block of a container) in memory. Sections are
// emitted in stream order, not canonical order.
func Scan(r io.Reader, fn func(Section) error) error {
	s := &scanner{dec: json.NewDecoder(r), fn: fn, ids: make(map[string]int)}
	s.dec.UseNumber()
	if err := s.run(); err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			return err
		}
		if errors.Is(err, ErrNotObject) || isSyntax(err) {
			return &ParseError{Err: err}
		}
		return err
	}
	return nil
}

type scanner struct {
	dec *json.Decoder
	fn  func(Section) error
	ids map[string]int
}

func (s *scanner) run() error {
	tok, err := s.dec.Token()
	if err != nil {
		return wrapSyntax(err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return ErrNotObject
	}
	keys := make(map[string]bool)
	for s.dec.More() {
		keyTok, err := s.dec.Token()
		if err != nil {
			return wrapSyntax(err)
		}
		key, _ := keyTok.(string)
		if keys[key] {
			return &ParseError{Err: fmt.Errorf("duplicate key %q", key)}
		}
		keys[key] = true

		valTok, err := s.dec.Token()
		if err != nil {
			return wrapSyntax(err)
		}
		switch v := valTok.(type) {
		case json.Delim:
			if v == '[' {
				if err := s.scanArray(key); err != nil {
					return err
				}
				continue
			}
			if err := s.scanObject(key); err != nil {
				return err
			}
		default:
			payload, err := fingerprint.Encode(v)
			if err != nil {
				return err
			}
			if err := s.emitField(key, payload, v); err != nil {
				return err
			}
		}
	}
	if _, err := s.dec.Token(); err != nil {
		return wrapSyntax(err)
	}
	if _, err := s.dec.Token(); err != io.EOF {
		return &ParseError{Err: errors.New("trailing data after document")}
	}
	return nil
}

func (s *scanner) scanArray(key string) error {
	if err := s.emit(Section{ID: key, Kind: KindFrame, Payload: json.RawMessage("[]")}); err != nil {
		return err
	}
	return s.scanBlocks(key)
}

// scanBlocks consumes array elements up to and including the closing ']'.
func (s *scanner) scanBlocks(container string) error {
	for s.dec.More() {
		var raw json.RawMessage
		if err := s.dec.Decode(&raw); err != nil {
			return wrapSyntax(err)
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, raw); err != nil {
			return wrapSyntax(err)
		}
		block, err := newBlock(container, compact.Bytes())
		if err != nil {
			return err
		}
		if err := s.emit(block); err != nil {
			return err
		}
	}
	_, err := s.dec.Token()
	return wrapSyntax(err)
}

func (s *scanner) scanObject(key string) error {
	members := make(map[string]json.RawMessage)
	container := false
	for s.dec.More() {
		keyTok, err := s.dec.Token()
		if err != nil {
			return wrapSyntax(err)
		}
		name, _ := keyTok.(string)
		if name != "content" {
			var raw json.RawMessage
			if err := s.dec.Decode(&raw); err != nil {
				return wrapSyntax(err)
			}
			members[name] = raw
			continue
		}
		tok, err := s.dec.Token()
		if err != nil {
			return wrapSyntax(err)
		}
		if d, ok := tok.(json.Delim); ok && d == '[' {
			container = true
			if err := s.scanBlocks(key); err != nil {
				return err
			}
			continue
		}
		value, err := readValue(s.dec, tok)
		if err != nil {
			return err
		}
		encoded, err := fingerprint.Encode(value)
		if err != nil {
			return err
		}
		members[name] = encoded
	}
	if _, err := s.dec.Token(); err != nil {
		return wrapSyntax(err)
	}

	payload, err := fingerprint.Encode(members)
	if err != nil {
		return err
	}
	if container {
		return s.emit(Section{ID: key, Kind: KindFrame, Payload: payload})
	}
	return s.emitField(key, payload, members)
}

func (s *scanner) emitField(key string, payload []byte, value any) error {
	section := Section{ID: key, Kind: KindOpaque, Payload: payload}
	switch v := value.(type) {
	case string:
		section.Kind = KindText
		section.Text = v
	case map[string]json.RawMessage:
		var fileID string
		if raw, ok := v["fileId"]; ok && json.Unmarshal(raw, &fileID) == nil && fileID != "" {
			section.Kind = KindEmbed
			section.FileRefs = []string{fileID}
		}
	}
	return s.emit(section)
}

func (s *scanner) emit(section Section) error {
	if n := s.ids[section.ID]; n > 0 {
		s.ids[section.ID] = n + 1
		section.ID = fmt.Sprintf("%s~%d", section.ID, n+1)
	} else {
		s.ids[section.ID] = 1
	}
	hash, err := fingerprint.Of(section.Payload)
	if err != nil {
		return &ParseError{Err: err}
	}
	section.Hash = hash
	return s.fn(section)
}

func newBlock(container string, raw json.RawMessage) (Section, error) {
	block := Section{Container: container, Kind: KindOpaque, Payload: raw}

	var node map[string]any
	if err := json.Unmarshal(raw, &node); err != nil {
		// Scalars and arrays are valid blocks; they are addressed by hash.
		hash, herr := fingerprint.Of(raw)
		if herr != nil {
			return Section{}, &ParseError{Err: herr}
		}
		block.ID = container + "/h-" + fingerprint.Short(hash)
		return block, nil
	}

	nodeType, _ := node["type"].(string)
	block.NodeType = nodeType
	switch {
	case textNodeTypes[nodeType]:
		block.Kind = KindText
		block.Text = nodeText(node)
	case nodeType == "image":
		block.Kind = KindImage
	case embedNodeTypes[nodeType]:
		block.Kind = KindEmbed
	}
	block.FileRefs = collectFileRefs(node, nil)

	attrs, _ := node["attrs"].(map[string]any)
	localID := firstString(attrs, "nodeId", "id")
	if localID == "" {
		hash, err := fingerprint.Of(raw)
		if err != nil {
			return Section{}, &ParseError{Err: err}
		}
		localID = "h-" + fingerprint.Short(hash)
	}
	block.ID = container + "/" + localID
	return block, nil
}

func nodeText(node map[string]any) string {
	text, _ := node["text"].(string)
	parts := make([]string, 0, 4)
	if strings.TrimSpace(text) != "" {
		parts = append(parts, strings.TrimSpace(text))
	}
	children, _ := node["content"].([]any)
	for _, item := range children {
		child, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if childText := nodeText(child); childText != "" {
			parts = append(parts, childText)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func collectFileRefs(node map[string]any, refs []string) []string {
	if attrs, ok := node["attrs"].(map[string]any); ok {
		if fileID, ok := attrs["fileId"].(string); ok && fileID != "" {
			refs = append(refs, fileID)
		}
	}
	children, _ := node["content"].([]any)
	for _, item := range children {
		if child, ok := item.(map[string]any); ok {
			refs = collectFileRefs(child, refs)
		}
	}
	return refs
}

func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// readValue rebuilds a value whose first token has already been consumed.
func readValue(dec *json.Decoder, first json.Token) (any, error) {
	d, ok := first.(json.Delim)
	if !ok {
		return first, nil
	}
	switch d {
	case '{':
		obj := make(map[string]any)
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, wrapSyntax(err)
			}
			next, err := dec.Token()
			if err != nil {
				return nil, wrapSyntax(err)
			}
			value, err := readValue(dec, next)
			if err != nil {
				return nil, err
			}
			key, _ := keyTok.(string)
			obj[key] = value
		}
		_, err := dec.Token()
		return obj, wrapSyntax(err)
	case '[':
		arr := make([]any, 0)
		for dec.More() {
			next, err := dec.Token()
			if err != nil {
				return nil, wrapSyntax(err)
			}
			value, err := readValue(dec, next)
			if err != nil {
				return nil, err
			}
			arr = append(arr, value)
		}
		_, err := dec.Token()
		return arr, wrapSyntax(err)
	}
	return nil, &ParseError{Err: fmt.Errorf("unexpected delimiter %q", d)}
}

func wrapSyntax(err error) error {
	if err == nil {
		return nil
	}
	if isSyntax(err) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &ParseError{Err: err}
	}
	return err
}

func isSyntax(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
