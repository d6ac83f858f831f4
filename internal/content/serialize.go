package content

import (
	"bytes"
	"encoding/json"
	"fmt"

	"pagespace/history/internal/fingerprint"
)

type topEntry struct {
	field  *Section
	frame  *Section
	blocks []json.RawMessage
}

// Serialize rebuilds a document from sections. Top-level keys are written
// in order of first appearance and blocks in slice order. A container whose
// frame is missing is written as a plain array.
func Serialize(sections []Section) (json.RawMessage, error) {
	order := make([]string, 0)
	entries := make(map[string]*topEntry)
	entryFor := func(key string) *topEntry {
		entry, ok := entries[key]
		if !ok {
			entry = &topEntry{}
			entries[key] = entry
			order = append(order, key)
		}
		return entry
	}

	for i := range sections {
		section := &sections[i]
		switch {
		case section.IsBlock():
			entry := entryFor(section.Container)
			entry.blocks = append(entry.blocks, section.Payload)
		case section.Kind == KindFrame:
			entry := entryFor(section.ID)
			if entry.field != nil || entry.frame != nil {
				return nil, fmt.Errorf("serialize content: duplicate key %q", section.ID)
			}
			entry.frame = section
		default:
			entry := entryFor(section.ID)
			if entry.field != nil || entry.frame != nil {
				return nil, fmt.Errorf("serialize content: duplicate key %q", section.ID)
			}
			entry.field = section
		}
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range order {
		entry := entries[key]
		if entry.field != nil && len(entry.blocks) > 0 {
			return nil, fmt.Errorf("serialize content: key %q is both a field and a container", key)
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		encodedKey, err := fingerprint.Encode(key)
		if err != nil {
			return nil, fmt.Errorf("serialize content: %w", err)
		}
		buf.Write(encodedKey)
		buf.WriteByte(':')

		if entry.field != nil {
			buf.Write(entry.field.Payload)
			continue
		}
		value, err := containerValue(entry)
		if err != nil {
			return nil, fmt.Errorf("serialize content: key %q: %w", key, err)
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return json.RawMessage(buf.Bytes()), nil
}

func containerValue(entry *topEntry) ([]byte, error) {
	var list bytes.Buffer
	list.WriteByte('[')
	for i, block := range entry.blocks {
		if i > 0 {
			list.WriteByte(',')
		}
		list.Write(block)
	}
	list.WriteByte(']')
	if entry.frame == nil || bytes.HasPrefix(bytes.TrimSpace(entry.frame.Payload), []byte("[")) {
		return list.Bytes(), nil
	}

	var members map[string]json.RawMessage
	if err := json.Unmarshal(entry.frame.Payload, &members); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if members == nil {
		members = make(map[string]json.RawMessage)
	}
	members["content"] = list.Bytes()
	return fingerprint.Encode(members)
}
