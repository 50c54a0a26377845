// Package batch implements the persisted file format: a JSON object mapping
// source ids to documents, plus the naming convention of the working
// directory.
package batch

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/withObsrvr/thump-stream/internal/alert"
)

// Batch is an insertion-ordered mapping from document key to the encoded
// document. Documents are kept encoded so merging never alters them.
type Batch struct {
	keys []string
	docs map[string]json.RawMessage
}

// New returns an empty batch.
func New() *Batch {
	return &Batch{docs: make(map[string]json.RawMessage)}
}

// FromDocuments builds a batch from transformed documents.
func FromDocuments(docs ...alert.Document) (*Batch, error) {
	b := New()
	for _, d := range docs {
		if err := b.Add(d); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Add encodes d and stores it under its key.
func (b *Batch) Add(d alert.Document) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", d.Key(), err)
	}
	b.Put(d.Key(), raw)
	return nil
}

// Put stores doc under key. An existing key keeps its position and takes the
// new value (last writer wins).
func (b *Batch) Put(key string, doc json.RawMessage) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, doc); err == nil {
		doc = buf.Bytes()
	}
	if _, ok := b.docs[key]; !ok {
		b.keys = append(b.keys, key)
	}
	b.docs[key] = doc
}

// Get returns the encoded document stored under key.
func (b *Batch) Get(key string) (json.RawMessage, bool) {
	doc, ok := b.docs[key]
	return doc, ok
}

// Keys returns the keys in insertion order.
func (b *Batch) Keys() []string {
	return append([]string(nil), b.keys...)
}

// Len returns the number of documents.
func (b *Batch) Len() int {
	return len(b.keys)
}

// Merge copies every document of o into b.
func (b *Batch) Merge(o *Batch) {
	for _, k := range o.keys {
		b.Put(k, o.docs[k])
	}
}

// Split returns the first n documents and the rest as two new batches.
func (b *Batch) Split(n int) (*Batch, *Batch) {
	if n > len(b.keys) {
		n = len(b.keys)
	}
	head, tail := New(), New()
	for i, k := range b.keys {
		if i < n {
			head.Put(k, b.docs[k])
		} else {
			tail.Put(k, b.docs[k])
		}
	}
	return head, tail
}

// MarshalJSON returns the batch as an object, keys in insertion order.
func (b *Batch) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range b.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(b.docs[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object, keeping the key order of the input.
func (b *Batch) UnmarshalJSON(data []byte) error {
	*b = *New()

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("batch must be a JSON object, got %v", tok)
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected token %v", tok)
		}
		var doc json.RawMessage
		if err := dec.Decode(&doc); err != nil {
			return fmt.Errorf("decode document %s: %w", key, err)
		}
		b.Put(key, doc)
	}

	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

// Encode returns the pretty-printed file content.
func Encode(b *Batch) ([]byte, error) {
	compact, err := b.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, compact, "", "  "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Decode parses file content written by Encode.
func Decode(data []byte) (*Batch, error) {
	b := New()
	if err := b.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return b, nil
}
