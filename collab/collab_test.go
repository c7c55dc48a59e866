package collab

import (
	"bytes"
	"errors"
	"testing"
)

func TestSetAndGet(t *testing.T) {
	c := New("doc-1")

	if _, err := c.Set("a", "document", []byte("hello")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	v, ok := c.Get("document")
	if !ok {
		t.Fatal("Get() did not find key")
	}
	if string(v) != "hello" {
		t.Errorf("Get() = %q, want %q", v, "hello")
	}
}

func TestApplyUpdate_Converges(t *testing.T) {
	a := New("doc-1")
	b := New("doc-1")

	ua, err := a.Set("client-a", "title", []byte("from a"))
	if err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	ub, err := b.Set("client-b", "title", []byte("from b"))
	if err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	if _, err := a.ApplyUpdate(ub); err != nil {
		t.Fatalf("ApplyUpdate() failed: %v", err)
	}
	if _, err := b.ApplyUpdate(ua); err != nil {
		t.Fatalf("ApplyUpdate() failed: %v", err)
	}

	va, _ := a.Get("title")
	vb, _ := b.Get("title")
	if !bytes.Equal(va, vb) {
		t.Errorf("replicas diverged: %q vs %q", va, vb)
	}
	// equal clocks, the greater client id wins
	if string(va) != "from b" {
		t.Errorf("winner = %q, want %q", va, "from b")
	}
}

func TestApplyUpdate_Idempotent(t *testing.T) {
	a := New("doc-1")
	u, _ := a.Set("x", "k", []byte("v"))

	b := New("doc-1")
	changed, err := b.ApplyUpdate(u)
	if err != nil || !changed {
		t.Fatalf("first ApplyUpdate() = %v, %v; want true, nil", changed, err)
	}
	changed, err = b.ApplyUpdate(u)
	if err != nil || changed {
		t.Errorf("second ApplyUpdate() = %v, %v; want false, nil", changed, err)
	}
}

func TestApplyUpdate_Garbage(t *testing.T) {
	c := New("doc-1")
	_, err := c.ApplyUpdate([]byte{0xc1, 0xff, 0x00})
	if !errors.Is(err, ErrInvalidUpdate) {
		t.Errorf("ApplyUpdate() error = %v, want ErrInvalidUpdate", err)
	}
}

func TestDeleteHidesKey(t *testing.T) {
	c := New("doc-1")
	c.Set("x", "k", []byte("v"))
	c.Delete("x", "k")

	if _, ok := c.Get("k"); ok {
		t.Error("Get() found a deleted key")
	}
	if len(c.Keys()) != 0 {
		t.Errorf("Keys() = %v, want empty", c.Keys())
	}
}

func TestEncodeCollabRoundTrip(t *testing.T) {
	c := New("doc-1")
	c.Set("x", "document", []byte("body"))
	c.Set("x", "meta", []byte("m"))

	raw, err := c.EncodeCollab().Encode()
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	encoded, err := DecodeEncodedCollab(raw)
	if err != nil {
		t.Fatalf("DecodeEncodedCollab() failed: %v", err)
	}
	restored, err := NewFromDocState("doc-1", encoded.DocState)
	if err != nil {
		t.Fatalf("NewFromDocState() failed: %v", err)
	}

	if got := restored.Keys(); len(got) != 2 {
		t.Errorf("restored keys = %v, want 2 keys", got)
	}
	if err := TypeDocument.ValidateRequireData(restored); err != nil {
		t.Errorf("ValidateRequireData() failed: %v", err)
	}
}

func TestDecodeEncodedCollab_Corrupt(t *testing.T) {
	for name, data := range map[string][]byte{
		"empty":   nil,
		"garbage": []byte("not msgpack at all"),
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeEncodedCollab(data); !errors.Is(err, ErrUnsupportedEncoding) {
				t.Errorf("DecodeEncodedCollab() error = %v, want ErrUnsupportedEncoding", err)
			}
		})
	}
}

func TestValidateRequireData(t *testing.T) {
	c := New("folder-1")
	if err := TypeFolder.ValidateRequireData(c); err == nil {
		t.Error("empty folder should fail validation")
	}
	if err := TypeUnknown.ValidateRequireData(c); err != nil {
		t.Errorf("unknown type should not require data: %v", err)
	}
	c.Set("x", "folder", []byte("{}"))
	if err := TypeFolder.ValidateRequireData(c); err != nil {
		t.Errorf("folder with root key failed validation: %v", err)
	}
}

func TestParseCollabType(t *testing.T) {
	tests := []struct {
		in   string
		want CollabType
		ok   bool
	}{
		{"document", TypeDocument, true},
		{"folder", TypeFolder, true},
		{"3", TypeFolder, true},
		{"spreadsheet", TypeUnknown, false},
	}
	for _, tt := range tests {
		got, err := ParseCollabType(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseCollabType(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestApplyUpdate_RejectsWholeUpdateWithEmptyKey(t *testing.T) {
	c := New("doc-1")
	update, err := encodeEntries([]Entry{
		{Key: "title", Value: []byte("kept out"), Clock: 1, Client: "a"},
		{Key: "", Value: []byte("bad"), Clock: 2, Client: "a"},
	})
	if err != nil {
		t.Fatalf("encodeEntries() failed: %v", err)
	}

	changed, err := c.ApplyUpdate(update)
	if !errors.Is(err, ErrInvalidUpdate) {
		t.Fatalf("ApplyUpdate() error = %v, want ErrInvalidUpdate", err)
	}
	if changed {
		t.Error("ApplyUpdate() reported a change for a rejected update")
	}
	if keys := c.Keys(); len(keys) != 0 {
		t.Errorf("replica changed by rejected update: keys = %v", keys)
	}
	if sv := c.StateVector(); len(sv) != 0 {
		t.Errorf("state vector changed by rejected update: %v", sv)
	}
}
